package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftClipIdentityBelowThreshold(t *testing.T) {
	assert.InDelta(t, 0.5, SoftClip(0.5), 1e-9)
	assert.InDelta(t, -0.5, SoftClip(-0.5), 1e-9)
}

func TestSoftClipSaturatesAboveKnee(t *testing.T) {
	got := SoftClip(2.0)
	assert.Less(t, got, 2.0)
	assert.Greater(t, got, 0.0)
}

func TestScaleToInt32AlignsMSB(t *testing.T) {
	// 16-bit max positive value, left-shifted by 16.
	got := ScaleToInt32(0x7FFF, 16)
	assert.Equal(t, int32(0x7FFF0000), got)
}

func TestDownscaleBytes16Bit(t *testing.T) {
	// u = 0x12345678; top 16 bits = 0x1234. LE 16-bit = {0x34, 0x12}.
	got := DownscaleBytes(0x12345678, 16)
	assert.Equal(t, []byte{0x34, 0x12}, got)
}

func TestBiquadHighpassPassesNothingAtDC(t *testing.T) {
	f := NewHighpass(20.0, 48000, 0.707)
	var last float64
	for i := 0; i < 2000; i++ {
		last = f.Process(1.0) // constant DC input
	}
	assert.InDelta(t, 0, last, 0.01)
}

func TestEQGainDBFlatAtUnity(t *testing.T) {
	assert.InDelta(t, 0, EQGainDB(1.0), 1e-9)
}

func TestDefaultSpeakerMatrixMonoToStereoDuplicates(t *testing.T) {
	m := DefaultSpeakerMatrix(1, 2)
	assert.Equal(t, float32(1.0), m[0][0])
	assert.Equal(t, float32(1.0), m[0][1])
}

func TestDefaultSpeakerMatrixIdentityWhenChannelsMatch(t *testing.T) {
	m := DefaultSpeakerMatrix(2, 2)
	assert.Equal(t, float32(1.0), m[0][0])
	assert.Equal(t, float32(0), m[0][1])
	assert.Equal(t, float32(1.0), m[1][1])
}

func TestNewAudioProcessorRejectsBadChannelCount(t *testing.T) {
	_, err := NewAudioProcessor(0, 48000, 16, 2, 48000, 16, DefaultSettings())
	assert.Error(t, err)
}

func TestShortCircuitWhenFormatsMatchAndFlat(t *testing.T) {
	p, err := NewAudioProcessor(2, 48000, 16, 2, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, p.ShortCircuit())
}

func TestShortCircuitFalseWhenVolumeChanged(t *testing.T) {
	p, err := NewAudioProcessor(2, 48000, 16, 2, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	p.SetVolume(0.5)
	assert.False(t, p.ShortCircuit())
}

func TestProcessShortCircuitProducesSampleCount(t *testing.T) {
	p, err := NewAudioProcessor(2, 48000, 16, 2, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	// 4 frames of stereo 16-bit = 16 bytes.
	data := make([]byte, 16)
	out := p.Process(data, 1.0)
	assert.Len(t, out, 8) // 4 frames * 2 channels
}

func TestUpsamplerForRateReturnsPersistentInstanceAtUnityRate(t *testing.T) {
	p, err := NewAudioProcessor(1, 48000, 16, 1, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	internalRate := p.outputRate * p.oversample
	r := p.upsamplerForRate(0, internalRate, 1.0)
	assert.Same(t, p.channels[0].upsampler, r)
}

func TestUpsamplerForRateBuildsScratchResamplerAwayFromUnity(t *testing.T) {
	p, err := NewAudioProcessor(1, 48000, 16, 1, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	internalRate := p.outputRate * p.oversample
	r := p.upsamplerForRate(0, internalRate, 1.04)
	assert.NotSame(t, p.channels[0].upsampler, r)
}

func TestProcessAppliesAnnotatedPlaybackRateThroughFullChain(t *testing.T) {
	p, err := NewAudioProcessor(1, 48000, 16, 1, 48000, 16, DefaultSettings())
	require.NoError(t, err)
	p.SetVolume(0.5) // force the full chain instead of the short-circuit path
	data := make([]byte, 32)
	out := p.Process(data, 1.04)
	assert.NotNil(t, out)
}

func TestDitherAndDownscaleProducesExpectedByteLength(t *testing.T) {
	states := []*DitherState{{}, {}}
	samples := []int32{100, 200, 300, 400}
	out := DitherAndDownscale(samples, states, 2, 16, DefaultDitherShaping)
	assert.Len(t, out, 8)
}
