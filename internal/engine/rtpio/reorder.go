// Package rtpio implements the RTP-facing half of the engine: sequence
// reordering, payload decode to canonical PCM, and format auto-probing.
// Grounded on the jitter/reorder patterns in the teacher
// (bridge/pipeline/sip_decode.go's jitter wiring) and on the ring-buffer
// jitter implementation in other_examples (rustyguts-bken/jitter.go),
// generalized to the wrap-aware map-based buffer the original
// screamrouter engine uses (rtp_reordering_buffer.cpp).
package rtpio

import (
	"sort"
	"time"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

// Packet is one buffered RTP payload awaiting in-order release.
type Packet struct {
	SequenceNumber uint16
	RTPTimestamp   uint32
	ReceivedTime   time.Time
	Payload        []byte
	SSRC           uint32
	CSRCs          []uint32
	PayloadType    uint8
}

const (
	defaultMaxDelay = 50 * time.Millisecond
	defaultMaxSize  = 128
)

// ReorderingBuffer stores packets keyed by 16-bit sequence number with
// wrap-aware comparison and releases them strictly in order, skipping
// immediately over any gap rather than waiting (spec §4.2: "never wait —
// better a hole than a delay").
type ReorderingBuffer struct {
	buffer   map[uint16]Packet
	nextSeq  uint16
	inited   bool
	maxDelay time.Duration
	maxSize  int

	// Interpolate enables single-packet gap filling (see interpolateGap) when
	// the format is known and the gap is exactly one packet (spec §4.2,
	// §9: opt-in per source, never the default).
	Interpolate  bool
	SampleFormat InterpolationFormat
}

// InterpolationFormat carries just enough of StreamProperties to
// synthesize a missing packet's samples.
type InterpolationFormat struct {
	Channels   int
	BitDepth   int
	SampleRate int
	Known      bool
}

// New creates a ReorderingBuffer with the default max delay (50ms,
// informational only — the policy is skip-on-gap, not wait) and default
// max size (128 packets).
func New() *ReorderingBuffer {
	return &ReorderingBuffer{
		buffer:   make(map[uint16]Packet),
		maxDelay: defaultMaxDelay,
		maxSize:  defaultMaxSize,
	}
}

// isSequenceGreater implements the wrap-aware comparator from spec §4.2:
// a > b iff a != b and (a-b) mod 2^16 < 2^15.
func isSequenceGreater(a, b uint16) bool {
	return a != b && uint16(a-b) < 32768
}

// AddPacket inserts a packet, dropping stale/duplicate packets once
// next_expected_seq is established, and evicting the oldest stored
// packet if the buffer is full. next_expected_seq is not latched to
// the literal first arrival: a burst that arrives out of order (spec
// §8 scenario 4: {102, 100, 101}) must still release in order starting
// from the lowest sequence number, so initialization is deferred to
// the first ReadyPackets call, which picks the wrap-aware minimum of
// whatever has accumulated by then.
func (b *ReorderingBuffer) AddPacket(p Packet) {
	if b.inited && !isSequenceGreater(p.SequenceNumber, b.nextSeq) && p.SequenceNumber != b.nextSeq {
		return // stale
	}
	if _, dup := b.buffer[p.SequenceNumber]; dup {
		return
	}
	if len(b.buffer) >= b.maxSize {
		b.evictOldest()
	}
	b.buffer[p.SequenceNumber] = p
}

// establishInitialSeq sets next_expected_seq to the wrap-aware minimum
// sequence number currently buffered, the first time ReadyPackets is
// called with pending packets. Using the same pairwise comparator as
// evictOldest keeps the "oldest"/"lowest" notion consistent across the
// buffer.
func (b *ReorderingBuffer) establishInitialSeq() {
	if b.inited || len(b.buffer) == 0 {
		return
	}
	var lowest uint16
	first := true
	for seq := range b.buffer {
		if first || isSequenceGreater(lowest, seq) {
			lowest = seq
			first = false
		}
	}
	b.nextSeq = lowest
	b.inited = true
}

func (b *ReorderingBuffer) evictOldest() {
	var oldestSeq uint16
	first := true
	for seq := range b.buffer {
		if first || isSequenceGreater(oldestSeq, seq) {
			oldestSeq = seq
			first = false
		}
	}
	if !first {
		delete(b.buffer, oldestSeq)
	}
}

// ReadyPackets drains, in sequence order, every packet ready to be
// released: on a gap it skips immediately to the next stored packet
// (never waits), and discards anything older than next_expected_seq.
// When Interpolate is set and the gap width is exactly one packet and
// the sample format is known, a single interpolated packet is
// synthesized to fill the hole.
func (b *ReorderingBuffer) ReadyPackets() []Packet {
	b.establishInitialSeq()
	if !b.inited {
		return nil
	}

	seqs := make([]uint16, 0, len(b.buffer))
	for s := range b.buffer {
		seqs = append(seqs, s)
	}
	// Sort by distance from next_expected_seq (wrap-safe): this walks the
	// buffer in the order it will actually be released.
	sort.Slice(seqs, func(i, j int) bool {
		return uint16(seqs[i]-b.nextSeq) < uint16(seqs[j]-b.nextSeq)
	})

	var ready []Packet
	for _, seq := range seqs {
		pkt, ok := b.buffer[seq]
		if !ok {
			continue // already consumed via interpolation bridging below
		}
		if seq == b.nextSeq {
			ready = append(ready, pkt)
			delete(b.buffer, seq)
			b.nextSeq++
			continue
		}
		if isSequenceGreater(seq, b.nextSeq) {
			gap := uint16(seq - b.nextSeq)
			if b.Interpolate && gap == 1 && b.SampleFormat.Known {
				if filler, ok := b.interpolateGap(b.nextSeq, pkt); ok {
					ready = append(ready, filler)
				}
			}
			b.nextSeq = seq + 1
			ready = append(ready, pkt)
			delete(b.buffer, seq)
			continue
		}
		// Older than expected (shouldn't reach here given the sort, but
		// stay defensive): discard.
		delete(b.buffer, seq)
	}
	return ready
}

// interpolateGap builds one synthetic packet for missing seq missingSeq
// by repeating next's first frame across a payload as long as next's;
// no linear interpolation between neighbouring packets is done.
// Preserves SSRC; rtp_timestamp is next's minus next's frame count.
func (b *ReorderingBuffer) interpolateGap(missingSeq uint16, next Packet) (Packet, bool) {
	bpf := b.SampleFormat.Channels * (b.SampleFormat.BitDepth / 8)
	if bpf <= 0 || len(next.Payload) < bpf {
		return Packet{}, false
	}
	// Without the previous packet's tail retained here, fall back to
	// duplicating next's first frame as the interpolated content; the
	// rtp_timestamp is synthesized at exactly one packet-duration before
	// next's timestamp, assuming constant packet duration.
	frames := len(next.Payload) / bpf
	synthesized := make([]byte, len(next.Payload))
	copy(synthesized, next.Payload[:bpf])
	for f := 1; f < frames; f++ {
		copy(synthesized[f*bpf:(f+1)*bpf], next.Payload[:bpf])
	}
	return Packet{
		SequenceNumber: missingSeq,
		RTPTimestamp:   next.RTPTimestamp - uint32(frames),
		ReceivedTime:   next.ReceivedTime,
		Payload:        synthesized,
		SSRC:           next.SSRC,
		CSRCs:          next.CSRCs,
		PayloadType:    next.PayloadType,
	}, true
}

// Reset clears all state; call on SSRC change.
func (b *ReorderingBuffer) Reset() {
	b.buffer = make(map[uint16]Packet)
	b.inited = false
	b.nextSeq = 0
}

// Size returns the number of packets currently stored.
func (b *ReorderingBuffer) Size() int { return len(b.buffer) }

// ToTaggedPacket is a convenience for building a types.TaggedAudioPacket
// shell from a reordered Packet; payload receivers fill in the decoded
// AudioData/format fields.
func ToTaggedPacket(p Packet, sourceTag string) types.TaggedAudioPacket {
	return types.TaggedAudioPacket{
		SourceTag:         sourceTag,
		ReceivedTime:      p.ReceivedTime,
		RTPTimestamp:      p.RTPTimestamp,
		HasRTPTimestamp:   true,
		RTPSequenceNumber: p.SequenceNumber,
		HasRTPSequence:    true,
		SSRCs:             append([]uint32{p.SSRC}, p.CSRCs...),
	}
}
