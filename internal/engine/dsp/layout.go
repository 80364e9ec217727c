package dsp

import "github.com/screamrouter/audioengine/internal/engine/types"

// MaxChannels bounds the speaker-mix matrix (spec §4.8: "MAX_CHANNELS x
// MAX_CHANNELS float matrix").
const MaxChannels = 8

// DefaultSpeakerMatrix returns the built-in [input][output] gain matrix
// for one (inputChannels, outputChannels) pair. Only the pairs listed in
// defaultMatrices have a built-in entry; every other pair falls back to a
// simple identity-on-overlap / equal-split mix so the chain never has to
// special-case an unexpected channel count.
func DefaultSpeakerMatrix(inputChannels, outputChannels int) [MaxChannels][MaxChannels]float32 {
	if m, ok := defaultMatrices[[2]int{inputChannels, outputChannels}]; ok {
		return m
	}
	return fallbackMatrix(inputChannels, outputChannels)
}

func identityMatrix(n int) [MaxChannels][MaxChannels]float32 {
	var m [MaxChannels][MaxChannels]float32
	for i := 0; i < n && i < MaxChannels; i++ {
		m[i][i] = 1.0
	}
	return m
}

func fallbackMatrix(in, out int) [MaxChannels][MaxChannels]float32 {
	var m [MaxChannels][MaxChannels]float32
	if in <= 0 || out <= 0 {
		return m
	}
	if in == out {
		return identityMatrix(in)
	}
	if in == 1 {
		// Mono source: duplicate into every output channel at unity.
		for o := 0; o < out && o < MaxChannels; o++ {
			m[0][o] = 1.0
		}
		return m
	}
	if out == 1 {
		// Downmix to mono: equal-weight sum of all inputs.
		g := float32(1.0 / float64(in))
		for i := 0; i < in && i < MaxChannels; i++ {
			m[i][0] = g
		}
		return m
	}
	// Generic case: map the overlapping channel range 1:1, drop the rest.
	n := in
	if out < n {
		n = out
	}
	for i := 0; i < n && i < MaxChannels; i++ {
		m[i][i] = 1.0
	}
	return m
}

var defaultMatrices = map[[2]int][MaxChannels][MaxChannels]float32{
	{1, 1}: identityMatrix(1),
	{2, 2}: identityMatrix(2),
	{4, 4}: identityMatrix(4),
	{6, 6}: identityMatrix(6),
	{8, 8}: identityMatrix(8),
	{1, 2}: matFrom([][2]float32{{0, 0}, {0, 1}}, 1.0),
	{2, 1}: matFrom([][2]float32{{0, 0}, {1, 0}}, 0.5),
	{1, 6}: matFrom([][2]float32{{0, 2}}, 1.0), // mono -> center
	{2, 6}: matFrom([][2]float32{{0, 0}, {1, 1}}, 1.0),
	{6, 2}: stereoDownmix6,
	{1, 8}: matFrom([][2]float32{{0, 2}}, 1.0),
	{2, 8}: matFrom([][2]float32{{0, 0}, {1, 1}}, 1.0),
	{8, 2}: stereoDownmix8,
}

func matFrom(pairs [][2]float32, gain float32) [MaxChannels][MaxChannels]float32 {
	var m [MaxChannels][MaxChannels]float32
	for _, p := range pairs {
		m[int(p[0])][int(p[1])] = gain
	}
	return m
}

// stereoDownmix6/8 fold 5.1/7.1 to stereo per the common ITU-style
// downmix weights (front L/R unity, center/LFE/surrounds at -3/-6dB
// equivalents), expressed directly as linear gains.
var stereoDownmix6 = func() [MaxChannels][MaxChannels]float32 {
	var m [MaxChannels][MaxChannels]float32
	m[0][0], m[1][1] = 1.0, 1.0 // FL, FR
	m[2][0], m[2][1] = 0.707, 0.707 // FC
	m[3][0], m[3][1] = 0.5, 0.5 // LFE
	m[4][0] = 0.707 // BL -> L
	m[5][1] = 0.707 // BR -> R
	return m
}()

var stereoDownmix8 = func() [MaxChannels][MaxChannels]float32 {
	m := stereoDownmix6
	m[6][0] = 0.5 // side-L -> L
	m[7][1] = 0.5 // side-R -> R
	return m
}()

// ResolveSpeakerLayout returns the matrix to use for a given input
// channel count given the per-processor layout map, falling back to
// the engine default when the map has no entry or marks "auto".
func ResolveSpeakerLayout(layouts map[int]types.SpeakerLayout, inputChannels, outputChannels int) [MaxChannels][MaxChannels]float32 {
	if layout, ok := layouts[inputChannels]; ok && !layout.Auto {
		return layout.Matrix
	}
	return DefaultSpeakerMatrix(inputChannels, outputChannels)
}
