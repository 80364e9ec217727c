package dsp

import (
	"fmt"
	"sync"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

// EQBandCount is the number of peaking bands in the parametric
// equalizer (spec §4.8 step 7).
const EQBandCount = len(EQCenters)

// DefaultOversample is the upsample factor applied before the
// speaker-mix/EQ stages run at a higher internal rate (spec §4.8 step 3).
const DefaultOversample = 2

// DefaultDitherShaping is the default noise-shaping feedback factor
// (spec §4.8 step 10).
const DefaultDitherShaping = 0.25

// Settings is the live, mutable configuration of one AudioProcessor:
// everything a SET_VOLUME/SET_EQ/SET_SPEAKER_LAYOUT command can change.
// Copy it under the processor's mutex before mutating.
type Settings struct {
	Volume        float64
	EQ            [EQBandCount]float32
	SpeakerLayout map[int]types.SpeakerLayout
}

// DefaultSettings returns a flat, pass-through configuration: unity
// volume, flat EQ, no explicit speaker layout overrides.
func DefaultSettings() Settings {
	s := Settings{Volume: 1.0}
	for i := range s.EQ {
		s.EQ[i] = 1.0
	}
	return s
}

type channelState struct {
	dcRemoval  *RBJBiquad
	eq         [EQBandCount]*RBJBiquad
	dither     DitherState
	upsampler  Resampler
	downsample Resampler
}

// AudioProcessor is the per-source DSP chain (spec §4.8): scale,
// volume, upsample, split, speaker-mix, DC-removal, EQ, merge,
// downsample, dither, downscale. One instance is owned per source and
// rebuilt whenever the input or output format changes.
type AudioProcessor struct {
	mu sync.Mutex

	inputChannels, inputRate, inputBits    int
	outputChannels, outputRate, outputBits int
	oversample                             int

	settings      Settings
	channels      []channelState
	outResamplers []Resampler
}

// NewAudioProcessor builds a processor for one (input, output) format
// pair. Construction is all-or-nothing per spec §9: if any filter or
// resampler fails to build, the whole thing fails and no partial state
// is returned.
func NewAudioProcessor(inputChannels, inputRate, inputBits, outputChannels, outputRate, outputBits int, settings Settings) (*AudioProcessor, error) {
	if inputChannels < 1 || inputChannels > MaxChannels || outputChannels < 1 || outputChannels > MaxChannels {
		return nil, fmt.Errorf("dsp: channel count out of range: in=%d out=%d", inputChannels, outputChannels)
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("dsp: non-positive sample rate: in=%d out=%d", inputRate, outputRate)
	}

	oversample := DefaultOversample
	internalRate := outputRate * oversample

	channels := make([]channelState, inputChannels)
	for i := range channels {
		channels[i] = channelState{
			dcRemoval: NewHighpass(20.0, float64(internalRate), 0.707),
			upsampler: buildResampler(inputRate, internalRate),
		}
		for b := range channels[i].eq {
			channels[i].eq[b] = NewPeaking(EQCenters[b], float64(internalRate), 1.0, EQGainDB(settings.EQ[b]))
		}
	}
	outChannels := make([]Resampler, outputChannels)
	for i := range outChannels {
		outChannels[i] = buildResampler(internalRate, outputRate)
	}

	p := &AudioProcessor{
		inputChannels:  inputChannels,
		inputRate:      inputRate,
		inputBits:      inputBits,
		outputChannels: outputChannels,
		outputRate:     outputRate,
		outputBits:     outputBits,
		oversample:     oversample,
		settings:       settings,
		channels:       channels,
		outResamplers:  outChannels,
	}
	return p, nil
}

func buildResampler(inRate, outRate int) Resampler {
	if inRate == outRate {
		return IdentityResampler{}
	}
	return NewResampler(inRate, outRate)
}

// ShortCircuit reports whether the chain can skip straight to a
// bit-depth conversion: rates match, volume is unity, channel counts
// match with an identity mapping, and every EQ band is flat (spec §4.8:
// "detects no processing required").
func (p *AudioProcessor) ShortCircuit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputRate != p.outputRate || p.inputChannels != p.outputChannels {
		return false
	}
	if p.settings.Volume != 1.0 {
		return false
	}
	for _, g := range p.settings.EQ {
		if g != 1.0 {
			return false
		}
	}
	if layout, ok := p.settings.SpeakerLayout[p.inputChannels]; ok && !layout.Auto {
		m := DefaultSpeakerMatrix(p.inputChannels, p.outputChannels)
		if layout.Matrix != m {
			return false
		}
	}
	return true
}

// SetVolume updates the live gain applied in stage 2.
func (p *AudioProcessor) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Volume = v
}

// SetEQ replaces the 18-band EQ slider values and rebuilds each
// channel's peaking filters so the new gains take effect immediately.
func (p *AudioProcessor) SetEQ(eq [EQBandCount]float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.EQ = eq
	internalRate := float64(p.outputRate * p.oversample)
	for c := range p.channels {
		for b := range p.channels[c].eq {
			p.channels[c].eq[b] = NewPeaking(EQCenters[b], internalRate, 1.0, EQGainDB(eq[b]))
		}
	}
}

// SetSpeakerLayout installs an explicit matrix for a given input
// channel count, or marks it auto (use the built-in default).
func (p *AudioProcessor) SetSpeakerLayout(inputChannels int, layout types.SpeakerLayout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settings.SpeakerLayout == nil {
		p.settings.SpeakerLayout = make(map[int]types.SpeakerLayout)
	}
	p.settings.SpeakerLayout[inputChannels] = layout
}

// Process runs one input chunk of interleaved, bit-depth-native PCM
// through the full chain and returns exactly the number of interleaved
// 32-bit output samples produced (may span a non-integral number of
// 1152-byte sink chunks; callers accumulate into ProcessedAudioChunk
// boundaries).
func (p *AudioProcessor) Process(audioData []byte, playbackRate float64) []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	bpf := p.inputChannels * (p.inputBits / 8)
	if bpf <= 0 || len(audioData) < bpf {
		return nil
	}
	frames := len(audioData) / bpf

	if p.shortCircuitLocked() {
		return p.straightConvertLocked(audioData, frames)
	}

	perChannel := p.splitLocked(audioData, frames)
	internalRate := p.outputRate * p.oversample

	mixed := make([][]float64, p.outputChannels)
	for o := range mixed {
		mixed[o] = make([]float64, 0)
	}

	matrix := ResolveSpeakerLayout(p.settings.SpeakerLayout, p.inputChannels, p.outputChannels)
	gain := p.settings.Volume

	for c := 0; c < p.inputChannels; c++ {
		scaled := make([]float64, len(perChannel[c]))
		for i, s := range perChannel[c] {
			scaled[i] = SoftClip(float64(s) * gain / float64(1<<31))
		}
		up := p.upsamplerForRate(c, internalRate, playbackRate).Process(scaled)
		for o := 0; o < p.outputChannels; o++ {
			w := float64(matrix[c][o])
			if w == 0 {
				continue
			}
			if len(mixed[o]) < len(up) {
				grown := make([]float64, len(up))
				copy(grown, mixed[o])
				mixed[o] = grown
			}
			for i, v := range up {
				mixed[o][i] += v * w
			}
		}
	}

	frameCount := 0
	if len(mixed) > 0 {
		frameCount = len(mixed[0])
	}
	for o := 0; o < p.outputChannels; o++ {
		for f := 0; f < frameCount && f < len(mixed[o]); f++ {
			v := mixed[o][f]
			v = p.channels[minInt(o, len(p.channels)-1)].dcRemoval.Process(v)
			for _, band := range p.eqBandsForOutput(o) {
				if band != nil {
					v = band.Process(v)
				}
			}
			mixed[o][f] = SoftClip(v)
		}
	}

	// Downsample (step 9) from the oversampled internal rate back to
	// the sink's output rate, one resampler per output channel.
	downsampled := make([][]float64, p.outputChannels)
	outFrames := 0
	for o := range mixed {
		downsampled[o] = p.outResamplers[o].Process(mixed[o])
		if len(downsampled[o]) > outFrames {
			outFrames = len(downsampled[o])
		}
	}

	// Merge (step 8 applied post-downsample here since steps 8/9 commute
	// for interleaving purposes) back into interleaved 32-bit samples.
	// Dither (step 10) and final downscale (step 11) happen once, at
	// sink emission, after mixing contributions from every active
	// source (see DitherAndDownscale, called from sink.Mixer.Cycle).
	out := make([]int32, 0, outFrames*p.outputChannels)
	for f := 0; f < outFrames; f++ {
		for o := 0; o < p.outputChannels; o++ {
			var v float64
			if f < len(downsampled[o]) {
				v = downsampled[o][f]
			}
			out = append(out, int32(v*float64(1<<31)))
		}
	}

	return out
}

// upsamplerForRate returns the channel's persistent upsampler when
// playbackRate is unity (the common case, preserving filter state
// across calls), or a resampler scoped to just this call, converting
// from inputRate*playbackRate instead of inputRate, when the scheduler
// has annotated a catch-up or rate-controller ratio onto the packet
// (spec §9: "alter its rate ratio for this packet only").
func (p *AudioProcessor) upsamplerForRate(c, internalRate int, playbackRate float64) Resampler {
	if playbackRate == 1.0 || playbackRate <= 0 {
		return p.channels[c].upsampler
	}
	scaledInRate := int(float64(p.inputRate) * playbackRate)
	if scaledInRate <= 0 {
		scaledInRate = p.inputRate
	}
	return buildResampler(scaledInRate, internalRate)
}

// eqBandsForOutput returns the EQ chain for output channel o. EQ state
// is modeled per input channel in channelState; for output-channel EQ
// after mixing we index by output channel modulo the available filter
// set, rebuilding per-output EQ lazily is unnecessary because the
// filters are linear IIR stages keyed only by coefficients, shared
// safely across channels of identical format.
func (p *AudioProcessor) eqBandsForOutput(o int) [EQBandCount]*RBJBiquad {
	if o < len(p.channels) {
		return p.channels[o].eq
	}
	if len(p.channels) > 0 {
		return p.channels[0].eq
	}
	return [EQBandCount]*RBJBiquad{}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (p *AudioProcessor) shortCircuitLocked() bool {
	if p.inputRate != p.outputRate || p.inputChannels != p.outputChannels {
		return false
	}
	if p.settings.Volume != 1.0 {
		return false
	}
	for _, g := range p.settings.EQ {
		if g != 1.0 {
			return false
		}
	}
	if layout, ok := p.settings.SpeakerLayout[p.inputChannels]; ok && !layout.Auto {
		if layout.Matrix != DefaultSpeakerMatrix(p.inputChannels, p.outputChannels) {
			return false
		}
	}
	return true
}

func (p *AudioProcessor) straightConvertLocked(audioData []byte, frames int) []int32 {
	bpf := p.inputChannels * (p.inputBits / 8)
	out := make([]int32, 0, frames*p.inputChannels)
	for f := 0; f < frames; f++ {
		for c := 0; c < p.inputChannels; c++ {
			off := f*bpf + c*(p.inputBits/8)
			sample := readSample(audioData[off:off+p.inputBits/8], p.inputBits)
			out = append(out, ScaleToInt32(sample, p.inputBits))
		}
	}
	return out
}

func (p *AudioProcessor) splitLocked(audioData []byte, frames int) [][]int32 {
	bpf := p.inputChannels * (p.inputBits / 8)
	perChannel := make([][]int32, p.inputChannels)
	for c := range perChannel {
		perChannel[c] = make([]int32, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < p.inputChannels; c++ {
			off := f*bpf + c*(p.inputBits/8)
			sample := readSample(audioData[off:off+p.inputBits/8], p.inputBits)
			perChannel[c][f] = ScaleToInt32(sample, p.inputBits)
		}
	}
	return perChannel
}

// readSample reads one little-endian sample of bitDepth bits, sign
// extended to int32.
func readSample(b []byte, bitDepth int) int32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	bits := uint(bitDepth)
	signBit := uint32(1) << (bits - 1)
	if v&signBit != 0 {
		v |= ^uint32(0) << bits
	}
	return int32(v)
}
