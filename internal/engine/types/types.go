// Package types holds the data model shared across the audio engine:
// the in-flight packet unit, the per-chunk unit handed to mixers, and
// the small set of format/layout structs every stage agrees on.
package types

import (
	"strings"
	"time"
)

// SinkMixingBufferSamples is the number of 32-bit samples a
// ProcessedAudioChunk carries: the count that yields 1152 bytes once
// downscaled to a 16-bit stereo sink (576 samples = 288 frames).
const SinkMixingBufferSamples = 576

// SinkChunkSizeBytes is the network payload size accumulated before a
// Scream frame is emitted.
const SinkChunkSizeBytes = 1152

// OutputChunkSamples is the number of samples a SourceInputProcessor
// buffers before splitting off one ProcessedAudioChunk.
const OutputChunkSamples = SinkMixingBufferSamples

// SentinelBucket is the RTP-timestamp bucket width used to mark sparse
// sentinel packets (one per bucket) for debug tracing.
const SentinelBucket = 100000

// TaggedAudioPacket is the universal in-flight unit: everything from a
// receiver to a mixer queue moves one of these around.
type TaggedAudioPacket struct {
	SourceTag           string
	ReceivedTime        time.Time
	RTPTimestamp        uint32
	HasRTPTimestamp     bool
	RTPSequenceNumber   uint16
	HasRTPSequence      bool
	SSRCs               []uint32
	SampleRate          int
	Channels            int
	BitDepth            int
	ChLayout1           byte
	ChLayout2           byte
	AudioData           []byte
	PlaybackRate        float64
	IngressFromLoopback bool
	IsSentinel          bool
}

// BytesPerFrame returns channels * bitDepth/8, the size of one
// interleaved audio frame.
func (p *TaggedAudioPacket) BytesPerFrame() int {
	return p.Channels * (p.BitDepth / 8)
}

// Frames returns the number of interleaved frames carried by AudioData,
// given the packet's declared format. Returns 0 if the format is
// degenerate.
func (p *TaggedAudioPacket) Frames() int {
	bpf := p.BytesPerFrame()
	if bpf <= 0 {
		return 0
	}
	return len(p.AudioData) / bpf
}

// PrimarySSRC returns the first SSRC (the primary source), or 0 if none
// is set.
func (p *TaggedAudioPacket) PrimarySSRC() uint32 {
	if len(p.SSRCs) == 0 {
		return 0
	}
	return p.SSRCs[0]
}

// ValidFormat reports whether channels/bit depth/sample rate fall
// within the invariants of spec §3.
func (p *TaggedAudioPacket) ValidFormat() bool {
	if p.Channels < 1 || p.Channels > 8 {
		return false
	}
	switch p.BitDepth {
	case 8, 16, 24, 32:
	default:
		return false
	}
	return p.SampleRate > 0
}

// ProcessedAudioChunk is the unit a SourceInputProcessor hands to a
// mixer: exactly SinkMixingBufferSamples interleaved 32-bit samples.
type ProcessedAudioChunk struct {
	Samples    []int32
	ProducedAt time.Time
	OriginAt   time.Time
	IsSentinel bool
}

// StreamProperties is what SAP resolution or format auto-probing
// ultimately produces for a given (SSRC, endpoint) pair.
type StreamProperties struct {
	SampleRate     int
	Channels       int
	BitDepth       int
	Codec          string // "pcm", "pcmu", "pcma", "opus"
	ChLayout1      byte
	ChLayout2      byte
	OpusStreams    int
	OpusCoupled    int
	OpusMapping    []byte
	OpusMappingFam int
	GUID           string
	SessionName    string
	Confidence     float64
	Resolved       bool
}

// SpeakerLayout is one entry of a SourceInputProcessor's
// input_channel_count -> layout map: an 8x8 matrix of per-channel gains,
// plus an "auto" flag meaning "use the built-in default for this channel
// count".
type SpeakerLayout struct {
	Auto   bool
	Matrix [8][8]float32
}

// MatchSourceTag implements the wildcard-matching rule the scheduler
// loop uses to resolve consumer filters: a filter ending in "*" matches
// any tag sharing its prefix; otherwise it is an exact match.
func MatchSourceTag(filter, tag string) bool {
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(tag, strings.TrimSuffix(filter, "*"))
	}
	return filter == tag
}

// IsWildcard reports whether a source tag filter is a wildcard pattern.
func IsWildcard(filter string) bool {
	return strings.HasSuffix(filter, "*")
}
