//go:build opus && cgo

package rtpio

import (
	"fmt"

	msdk "github.com/livekit/media-sdk"
	msdkopus "github.com/livekit/media-sdk/opus"
	"github.com/livekit/protocol/logger"
)

// capturingPCM16Writer satisfies msdk.PCM16Writer by stashing the most
// recently decoded frame instead of forwarding it anywhere; the Opus
// decode wrappers below use one per call to pull a single decoded frame
// back out of media-sdk's writer-oriented Opus pipeline.
type capturingPCM16Writer struct {
	sampleRate int
	last       msdk.PCM16Sample
}

func (c *capturingPCM16Writer) String() string    { return "capture" }
func (c *capturingPCM16Writer) SampleRate() int    { return c.sampleRate }
func (c *capturingPCM16Writer) Close() error       { return nil }
func (c *capturingPCM16Writer) WriteSample(s msdk.PCM16Sample) error {
	c.last = s
	return nil
}

// stereoOpusState decodes a single-stream Opus source (channels <= 2)
// using media-sdk's registered codec. Rebuilt whenever channels or
// sample rate change (spec §4.3).
type stereoOpusState struct {
	channels   int
	sampleRate int
	sink       *capturingPCM16Writer
	decoder    msdk.WriteCloser[msdkopus.Sample]
}

func newStereoOpusState(channels, sampleRate int) (*stereoOpusState, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("rtpio: stereo opus decoder requires channels in 1..2, got %d", channels)
	}
	sink := &capturingPCM16Writer{sampleRate: sampleRate}
	dec, err := msdkopus.Decode(sink, channels, logger.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("rtpio: building opus decoder: %w", err)
	}
	return &stereoOpusState{channels: channels, sampleRate: sampleRate, sink: sink, decoder: dec}, nil
}

func (s *stereoOpusState) decode(payload []byte) ([]byte, error) {
	if err := s.decoder.WriteSample(msdkopus.Sample(payload)); err != nil {
		return nil, fmt.Errorf("rtpio: opus decode: %w", err)
	}
	return pcm16SampleToLE(s.sink.last), nil
}

func (s *stereoOpusState) close() error { return s.decoder.Close() }

func pcm16SampleToLE(s msdk.PCM16Sample) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// newOpusStereoDecoder is the cgo-backed mono/stereo Opus decoder,
// built on media-sdk's registered codec (grounded on the teacher's
// lk_codecs_opus.go registration pattern).
func newOpusStereoDecoder(sampleRate, channels int) (*stereoOpusState, error) {
	return newStereoOpusState(channels, sampleRate)
}
