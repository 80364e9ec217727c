package dsp

import "math/rand"

// ScaleToInt32 left-shifts an input sample of bitDepth bits so its MSB
// aligns with bit 31 of the 32-bit intermediate, per spec §4.8 step 1.
func ScaleToInt32(sample int32, bitDepth int) int32 {
	shift := uint(32 - bitDepth)
	if shift == 0 {
		return sample
	}
	return sample << shift
}

// DownscaleBytes copies the top n=bitDepth/8 bytes of the 32-bit
// intermediate word into the sink's wire byte order: MSB-first except
// the top byte is written last, matching the Scream on-wire layout
// (spec §4.8 step 11, §6).
func DownscaleBytes(sample int32, bitDepth int) []byte {
	n := bitDepth / 8
	out := make([]byte, n)
	u := uint32(sample)
	// Most significant n bytes of the 32-bit word, highest byte first,
	// written in the order: byte[31:24] goes last; bytes below it go
	// first-to-last in descending significance.
	shifted := make([]byte, n)
	for i := 0; i < n; i++ {
		shiftAmount := uint(24 - 8*i)
		shifted[i] = byte(u >> shiftAmount)
	}
	// Rearrange so the most significant byte (shifted[0]) lands last.
	copy(out, shifted[1:])
	out[n-1] = shifted[0]
	return out
}

// DitherState holds the one-sample noise-shaping error accumulator used
// across a channel's consecutive samples (spec §4.8 step 10).
type DitherState struct {
	errAccum float64
}

// Apply adds a triangular-distributed dither sample, sized to one LSB
// of the eventual outputBits-deep output as represented in the 32-bit
// intermediate domain, scaled by shapingFactor (default 0.25) plus a
// fraction of the running quantization error fed back from the
// previous sample. sample is the pre-dither value on the same int32
// scale DownscaleBytes expects.
func (d *DitherState) Apply(sample float64, outputBits int, shapingFactor float64) float64 {
	lsb := float64(int64(1) << uint(32-outputBits))
	tri := (rand.Float64() - rand.Float64()) * lsb
	shaped := sample + tri + shapingFactor*d.errAccum
	quantized := float64(int32(shaped/lsb)) * lsb
	d.errAccum = shaped - quantized
	return shaped
}

// Reset clears the noise-shaping accumulator (on format reconfiguration).
func (d *DitherState) Reset() { d.errAccum = 0 }

// DitherAndDownscale applies per-channel noise-shaped dither to an
// interleaved int32 buffer and downscales each sample to outputBits,
// returning the concatenated wire bytes. states must have one entry
// per channel and persists across calls so the error-feedback
// accumulator carries over between chunks.
func DitherAndDownscale(samples []int32, states []*DitherState, channels, outputBits int, shapingFactor float64) []byte {
	out := make([]byte, 0, len(samples)*outputBits/8)
	for i, s := range samples {
		ch := i % channels
		dithered := states[ch].Apply(float64(s), outputBits, shapingFactor)
		out = append(out, DownscaleBytes(int32(dithered), outputBits)...)
	}
	return out
}
