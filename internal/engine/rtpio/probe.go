// Format auto-probing (spec §4.4): when SAP has nothing to say about a
// source, accumulate raw bytes and statistically guess codec, channel
// count, bit depth, endianness, and sample rate. Grounded on the
// discontinuity-scoring approach used for jitter/loss estimation in
// other_examples (rustyguts-bken/jitter.go) and cached the way the
// teacher caches per-call codec negotiation state.
package rtpio

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

const (
	probeMinBytes   = 5000
	probeMaxBytes   = 2 * 48000 * 2 * 2 // ~2s of 48kHz stereo 16-bit
	largeStepInt16  = 6500
	codedVsPCMRatio = 0.5
	silenceVarFloor = 1.0
)

var canonicalSampleRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// Prober accumulates raw payload bytes per SSRC and attempts format
// detection once enough data has arrived; once resolved, the result is
// cached and sticky (spec: "detection completes on first success and
// is sticky thereafter").
type Prober struct {
	buffers  map[uint32][]byte
	started  map[uint32]int64 // first-byte arrival, nanoseconds, for the ~500ms gate
	cache    *lru.Cache[uint32, types.StreamProperties]
	minDelay int64 // nanoseconds, default 500ms
}

// NewProber creates a Prober with the given per-SSRC cache size.
func NewProber(cacheSize int) *Prober {
	if cacheSize < 1 {
		cacheSize = 256
	}
	c, _ := lru.New[uint32, types.StreamProperties](cacheSize)
	return &Prober{
		buffers:  make(map[uint32][]byte),
		started:  make(map[uint32]int64),
		cache:    c,
		minDelay: int64(500 * 1e6),
	}
}

// Resolved returns the cached StreamProperties for ssrc, if detection
// has already completed.
func (p *Prober) Resolved(ssrc uint32) (types.StreamProperties, bool) {
	return p.cache.Get(ssrc)
}

// Feed appends payload to ssrc's accumulation buffer and, once the
// ~500ms / ~5kB gate is satisfied, attempts detection. Returns the
// resolved StreamProperties and true once detection succeeds; false
// while still accumulating. nowNanos is the caller's monotonic clock
// reading, passed in rather than read internally so tests are
// deterministic.
func (p *Prober) Feed(ssrc uint32, payload []byte, nowNanos int64) (types.StreamProperties, bool) {
	if props, ok := p.cache.Get(ssrc); ok {
		return props, true
	}
	if _, seen := p.started[ssrc]; !seen {
		p.started[ssrc] = nowNanos
	}
	buf := append(p.buffers[ssrc], payload...)
	if len(buf) > probeMaxBytes {
		buf = buf[len(buf)-probeMaxBytes:]
	}
	p.buffers[ssrc] = buf

	elapsed := nowNanos - p.started[ssrc]
	if elapsed < p.minDelay || len(buf) < probeMinBytes {
		return types.StreamProperties{}, false
	}

	props, ok := detect(buf, elapsed)
	if !ok {
		return types.StreamProperties{}, false
	}
	p.cache.Add(ssrc, props)
	delete(p.buffers, ssrc)
	delete(p.started, ssrc)
	return props, true
}

// Clear drops any in-progress accumulation and cached result for ssrc
// (called on SSRC change / source teardown).
func (p *Prober) Clear(ssrc uint32) {
	delete(p.buffers, ssrc)
	delete(p.started, ssrc)
	p.cache.Remove(ssrc)
}

type pcmCandidate struct {
	channels  int
	bitDepth  int
	bigEndian bool
	score     float64
	variance  float64
}

func detect(buf []byte, elapsedNanos int64) (types.StreamProperties, bool) {
	best, ok := bestPCMCandidate(buf)
	if !ok {
		return types.StreamProperties{}, false
	}

	codec, codecScore, codecOK := bestCodedCandidate(buf)
	seconds := float64(elapsedNanos) / 1e9
	if seconds <= 0 {
		seconds = 1
	}

	if codecOK && codecScore < best.score*codedVsPCMRatio {
		return types.StreamProperties{
			SampleRate: 8000,
			Channels:   1,
			BitDepth:   16,
			Codec:      codec,
			Resolved:   true,
			Confidence: confidenceFor(codecScore, best.score),
		}, true
	}

	rate := snapSampleRate(len(buf), seconds, best.channels, best.bitDepth/8)
	return types.StreamProperties{
		SampleRate: rate,
		Channels:   best.channels,
		BitDepth:   best.bitDepth,
		Codec:      "pcm",
		Resolved:   true,
		Confidence: confidenceFor(best.score, best.score*1.5),
	}, true
}

// bestCodedCandidate decodes a small prefix as each of PCMU and PCMA,
// scoring each with the same discontinuity metric used for PCM, and
// returns the lowest-scoring coded candidate. Opus is not attempted,
// with or without the opus build tag.
func bestCodedCandidate(buf []byte) (codec string, score float64, ok bool) {
	prefix := buf
	if len(prefix) > 2000 {
		prefix = prefix[:2000]
	}

	ulaw := discontinuityScore(int16sFromLE(DecodePCMU(prefix)))
	alaw := discontinuityScore(int16sFromLE(DecodePCMA(prefix)))

	if ulaw <= alaw {
		return "pcmu", ulaw, true
	}
	return "pcma", alaw, true
}

// bestPCMCandidate brute-forces {channels, bits} combinations, picking
// endianness per candidate from byte volatility, and returns the
// lowest-discontinuity-score candidate that clears the silence floor.
func bestPCMCandidate(buf []byte) (pcmCandidate, bool) {
	var best pcmCandidate
	found := false
	for _, channels := range []int{1, 2, 6, 8} {
		for _, bits := range []int{8, 16, 24, 32} {
			bytesPerSample := bits / 8
			frameSize := channels * bytesPerSample
			if frameSize <= 0 || len(buf) < frameSize*4 {
				continue
			}
			bigEndian := guessEndianness(buf, bytesPerSample)
			samples := decodeCandidateSamples(buf, bytesPerSample, bigEndian)
			variance := sampleVariance(samples)
			if variance < silenceVarFloor {
				continue
			}
			score := discontinuityScore(samples)
			cand := pcmCandidate{channels: channels, bitDepth: bits, bigEndian: bigEndian, score: score, variance: variance}
			if !found || cand.score < best.score {
				best = cand
				found = true
			}
		}
	}
	return best, found
}

// guessEndianness decides byte order from volatility: the LSB changes
// more often than the MSB in real audio. A ±30% dead-band around equal
// volatility defaults to big-endian for compatibility (spec §4.4).
func guessEndianness(buf []byte, bytesPerSample int) bool {
	if bytesPerSample < 2 || len(buf) < bytesPerSample*2 {
		return true
	}
	firstByteChanges := byteChangeCount(buf, 0, bytesPerSample)
	lastByteChanges := byteChangeCount(buf, bytesPerSample-1, bytesPerSample)
	if lastByteChanges == 0 {
		return true
	}
	ratio := float64(firstByteChanges) / float64(lastByteChanges)
	if ratio > 1.3 {
		// First byte (lowest offset) is the volatile one: little-endian.
		return false
	}
	return true
}

func byteChangeCount(buf []byte, offset, stride int) int {
	count := 0
	var prev byte
	first := true
	for i := offset; i+1 <= len(buf); i += stride {
		if !first && buf[i] != prev {
			count++
		}
		prev = buf[i]
		first = false
	}
	return count
}

func decodeCandidateSamples(buf []byte, bytesPerSample int, bigEndian bool) []int32 {
	frames := len(buf) / bytesPerSample
	out := make([]int32, 0, frames)
	for i := 0; i+bytesPerSample <= len(buf); i += bytesPerSample {
		out = append(out, decodeSampleWord(buf[i:i+bytesPerSample], bigEndian))
	}
	return out
}

func decodeSampleWord(word []byte, bigEndian bool) int32 {
	var v uint32
	if bigEndian {
		for _, b := range word {
			v = v<<8 | uint32(b)
		}
	} else {
		for i := len(word) - 1; i >= 0; i-- {
			v = v<<8 | uint32(word[i])
		}
	}
	// Sign-extend from the word's bit width.
	bits := uint(len(word) * 8)
	signBit := uint32(1) << (bits - 1)
	if v&signBit != 0 {
		v |= ^uint32(0) << bits
	}
	return int32(v)
}

func sampleVariance(samples []int32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, s := range samples {
		d := float64(s) - mean
		variance += d * d
	}
	return variance / float64(len(samples))
}

// discontinuityScore is Σ|x[i] - x[i-1]| / MAX for jumps exceeding the
// large-step threshold, normalized by sample count (spec §4.4).
func discontinuityScore(samples []int32) float64 {
	if len(samples) < 2 {
		return math.MaxFloat64
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		delta := math.Abs(float64(samples[i] - samples[i-1]))
		if delta > largeStepInt16 {
			sum += delta / math.MaxInt16
		}
	}
	return sum / float64(len(samples))
}

func int16sFromLE(le []byte) []int32 {
	out := make([]int32, len(le)/2)
	for i := range out {
		lo := int16(le[i*2]) | int16(le[i*2+1])<<8
		out[i] = int32(lo)
	}
	return out
}

func snapSampleRate(totalBytes int, seconds float64, channels, bytesPerSample int) int {
	if seconds <= 0 || channels <= 0 || bytesPerSample <= 0 {
		return 48000
	}
	estimate := float64(totalBytes) / (seconds * float64(channels) * float64(bytesPerSample))
	best := canonicalSampleRates[0]
	bestDist := math.MaxFloat64
	for _, r := range canonicalSampleRates {
		d := math.Abs(float64(r) - estimate)
		if d < bestDist {
			bestDist = d
			best = r
		}
	}
	return best
}

func confidenceFor(best, secondBest float64) float64 {
	if best <= 0 {
		return 1.0
	}
	c := (secondBest/best - 1) / 2
	if c > 1.0 {
		return 1.0
	}
	if c < 0 {
		return 0
	}
	return c
}
