package rtpio

import (
	"fmt"
	"sync"
)

// OpusLayout describes the FMTP-derived (or probed) channel mapping for
// a multistream Opus source (spec §4.3): streams, coupled streams, and
// the channel->stream/position mapping table.
type OpusLayout struct {
	Streams        int
	CoupledStreams int
	Mapping        []byte
	MappingFamily  int
}

// MultistreamOpusDecoder is the black-box collaborator for surround
// Opus decode (> 2 channels), analogous to the Biquad and MP3 encoder
// interfaces elsewhere in the engine: the corpus carries no concrete
// multistream Opus binding, so callers that need one register an
// implementation via RegisterMultistreamOpusDecoderFactory.
type MultistreamOpusDecoder interface {
	Decode(payload []byte) (pcm16LE []byte, err error)
	Close() error
}

// MultistreamOpusDecoderFactory builds a MultistreamOpusDecoder for a
// given sample rate and layout.
type MultistreamOpusDecoderFactory func(sampleRate int, layout OpusLayout) (MultistreamOpusDecoder, error)

var (
	multistreamFactoryMu sync.Mutex
	multistreamFactory   MultistreamOpusDecoderFactory
)

// RegisterMultistreamOpusDecoderFactory installs the surround-Opus
// decoder builder used for channel counts above 2. Call during process
// init from a build that links a concrete multistream-capable decoder.
func RegisterMultistreamOpusDecoderFactory(f MultistreamOpusDecoderFactory) {
	multistreamFactoryMu.Lock()
	defer multistreamFactoryMu.Unlock()
	multistreamFactory = f
}

func buildMultistreamDecoder(sampleRate int, layout OpusLayout) (MultistreamOpusDecoder, error) {
	multistreamFactoryMu.Lock()
	f := multistreamFactory
	multistreamFactoryMu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("rtpio: no multistream opus decoder registered for %d channels", layout.Streams+layout.CoupledStreams)
	}
	return f(sampleRate, layout)
}

// decoderKey identifies when an Opus decoder must be rebuilt: any
// change to sample rate, channels, streams, coupled streams, or mapping
// invalidates the existing decoder (spec §4.3).
type decoderKey struct {
	sampleRate     int
	channels       int
	streams        int
	coupledStreams int
	mappingKey     string
}

func keyFor(sampleRate, channels int, layout OpusLayout) decoderKey {
	return decoderKey{
		sampleRate:     sampleRate,
		channels:       channels,
		streams:        layout.Streams,
		coupledStreams: layout.CoupledStreams,
		mappingKey:     string(layout.Mapping),
	}
}

// ssrcOpusState is what OpusDecoderRegistry keeps per SSRC.
type ssrcOpusState struct {
	key    decoderKey
	stereo *stereoOpusState
	multi  MultistreamOpusDecoder
}

func (s *ssrcOpusState) close() {
	if s.stereo != nil {
		_ = s.stereo.close()
	}
	if s.multi != nil {
		_ = s.multi.Close()
	}
}

// OpusDecoderRegistry owns one decoder per active SSRC, tearing down
// and rebuilding on format change or explicit Clear (spec §9: "on SSRC
// change, explicitly destroy the old decoder to release library
// resources").
type OpusDecoderRegistry struct {
	mu    sync.Mutex
	byKey map[uint32]*ssrcOpusState
}

// NewOpusDecoderRegistry creates an empty registry.
func NewOpusDecoderRegistry() *OpusDecoderRegistry {
	return &OpusDecoderRegistry{byKey: make(map[uint32]*ssrcOpusState)}
}

// Decode decodes one Opus payload for ssrc, rebuilding the per-SSRC
// decoder if the format changed or none exists yet. Decodes up to 120ms
// worth of frames per call is the caller's responsibility (bounded by
// the payload itself); this method decodes exactly what is handed to
// it.
func (r *OpusDecoderRegistry) Decode(ssrc uint32, payload []byte, sampleRate, channels int, layout OpusLayout) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := keyFor(sampleRate, channels, layout)
	st, ok := r.byKey[ssrc]
	if ok && st.key != want {
		st.close()
		delete(r.byKey, ssrc)
		ok = false
	}
	if !ok {
		built, err := r.build(sampleRate, channels, layout)
		if err != nil {
			return nil, 0, err
		}
		st = &ssrcOpusState{key: want}
		if built.stereo != nil {
			st.stereo = built.stereo
		} else {
			st.multi = built.multi
		}
		r.byKey[ssrc] = st
	}

	if st.stereo != nil {
		pcm, err := st.stereo.decode(payload)
		return pcm, channels, err
	}
	pcm, err := st.multi.Decode(payload)
	return pcm, channels, err
}

type builtDecoder struct {
	stereo *stereoOpusState
	multi  MultistreamOpusDecoder
}

func (r *OpusDecoderRegistry) build(sampleRate, channels int, layout OpusLayout) (builtDecoder, error) {
	if channels <= 2 {
		s, err := newOpusStereoDecoder(sampleRate, channels)
		if err != nil {
			return builtDecoder{}, err
		}
		return builtDecoder{stereo: s}, nil
	}
	m, err := buildMultistreamDecoder(sampleRate, layout)
	if err != nil {
		return builtDecoder{}, err
	}
	return builtDecoder{multi: m}, nil
}

// Clear tears down and removes the decoder for ssrc, if any.
func (r *OpusDecoderRegistry) Clear(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byKey[ssrc]; ok {
		st.close()
		delete(r.byKey, ssrc)
	}
}

// CanonicalOpusLayout derives a channel mapping for surround sources
// when SAP FMTP is silent on streams/coupledstreams/channelmapping, by
// table lookup on channel count (the "canonical layout table" fallback
// named in spec §4.3 for when probing the Opus surround encoder isn't
// available).
func CanonicalOpusLayout(channels int) (OpusLayout, bool) {
	switch channels {
	case 1:
		return OpusLayout{Streams: 1, CoupledStreams: 0, Mapping: []byte{0}, MappingFamily: 0}, true
	case 2:
		return OpusLayout{Streams: 1, CoupledStreams: 1, Mapping: []byte{0, 1}, MappingFamily: 1}, true
	case 4:
		return OpusLayout{Streams: 2, CoupledStreams: 2, Mapping: []byte{0, 1, 2, 3}, MappingFamily: 1}, true
	case 6:
		return OpusLayout{Streams: 4, CoupledStreams: 2, Mapping: []byte{0, 4, 1, 2, 3, 5}, MappingFamily: 1}, true
	case 8:
		return OpusLayout{Streams: 5, CoupledStreams: 3, Mapping: []byte{0, 6, 1, 2, 3, 4, 5, 7}, MappingFamily: 1}, true
	default:
		return OpusLayout{}, false
	}
}
