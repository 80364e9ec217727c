package rtpio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineWaveLE16(n int, freqHz, sampleRate float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freqHz*float64(i)/sampleRate))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestProberNotReadyBeforeMinDelay(t *testing.T) {
	p := NewProber(16)
	data := sineWaveLE16(4000, 440, 48000)
	p.Feed(1, data, 0)
	_, ok := p.Feed(1, data, int64(100*1e6)) // only 100ms since the first Feed
	assert.False(t, ok)
}

func TestProberDetectsPCMAfterGate(t *testing.T) {
	p := NewProber(16)
	data := sineWaveLE16(4000, 440, 48000)
	p.Feed(1, data, 0)
	props, ok := p.Feed(1, data, int64(600*1e6))
	require.True(t, ok)
	assert.Equal(t, "pcm", props.Codec)
	assert.Greater(t, props.Channels, 0)
	assert.Greater(t, props.BitDepth, 0)
}

func TestProberIsStickyAfterDetection(t *testing.T) {
	p := NewProber(16)
	data := sineWaveLE16(4000, 440, 48000)
	p.Feed(1, data, 0)
	first, ok := p.Feed(1, data, int64(600*1e6))
	require.True(t, ok)

	second, ok := p.Feed(1, []byte{0x01, 0x02}, int64(700*1e6))
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestProberClearResetsState(t *testing.T) {
	p := NewProber(16)
	data := sineWaveLE16(4000, 440, 48000)
	p.Feed(1, data, 0)
	_, ok := p.Feed(1, data, int64(600*1e6))
	require.True(t, ok)
	p.Clear(1)
	_, ok = p.Resolved(1)
	assert.False(t, ok)
}

func TestSnapSampleRateSnapsToNearestCanonical(t *testing.T) {
	rate := snapSampleRate(48000*2, 1.0, 1, 2) // 96000 bytes in 1s = 48000 samples/sec at 1ch*2bytes
	assert.Equal(t, 48000, rate)
}

func TestDiscontinuityScoreIgnoresSmallSteps(t *testing.T) {
	samples := []int32{0, 10, 20, 30, 20, 10, 0}
	assert.Zero(t, discontinuityScore(samples))
}
