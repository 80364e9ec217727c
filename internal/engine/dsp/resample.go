package dsp

import (
	resampler "github.com/tphakala/go-audio-resampler"
)

// Resampler converts one channel's sample stream from one rate to
// another. The chain's upsample and downsample stages (spec §4.8
// steps 3 and 9) both go through this interface; AudioProcessor keeps
// one instance per channel so each has its own filter state across
// calls.
type Resampler interface {
	// Process resamples in and returns the resampled output. Internal
	// filter state carries across calls so streaming input produces a
	// continuous output stream.
	Process(in []float64) []float64
}

// polyphaseResampler wraps the black-box polyphase resampler library:
// the chain treats it exactly like libsamplerate/r8brain are treated
// in the original implementation — an opaque, high-quality external
// collaborator (spec §1).
type polyphaseResampler struct {
	inner *resampler.Resampler
}

// NewResampler builds a Resampler converting inRate -> outRate.
func NewResampler(inRate, outRate int) Resampler {
	return &polyphaseResampler{inner: resampler.New(float64(inRate), float64(outRate))}
}

func (p *polyphaseResampler) Process(in []float64) []float64 {
	return p.inner.Process(in)
}

// IdentityResampler passes samples through unchanged; used when
// input and output rates already match so the chain can skip building
// a real resampler per channel.
type IdentityResampler struct{}

func (IdentityResampler) Process(in []float64) []float64 {
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
