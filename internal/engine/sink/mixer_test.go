package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
	"github.com/screamrouter/audioengine/internal/engine/wire"
)

type fakeSender struct {
	udpFrames [][]byte
	tcpFrames [][]byte
	tcpOK     bool
}

func (f *fakeSender) SendUDP(frame []byte) error {
	f.udpFrames = append(f.udpFrames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeSender) SendTCP(frame []byte) (bool, error) {
	if !f.tcpOK {
		return false, nil
	}
	f.tcpFrames = append(f.tcpFrames, append([]byte(nil), frame...))
	return true, nil
}

func fullChunk(fill int32) types.ProcessedAudioChunk {
	samples := make([]int32, types.SinkMixingBufferSamples)
	for i := range samples {
		samples[i] = fill
	}
	return types.ProcessedAudioChunk{Samples: samples}
}

func noSleep(time.Duration) {}

func TestCycleMixesTwoActiveSourcesAndEmitsExactlyOneFrame(t *testing.T) {
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 2}
	sender := &fakeSender{}
	m := New(cfg, sender, nil)

	qa := queue.New[types.ProcessedAudioChunk](4)
	qb := queue.New[types.ProcessedAudioChunk](4)
	qa.Push(fullChunk(1000))
	qb.Push(fullChunk(2000))
	m.AddInputQueue("a", qa)
	m.AddInputQueue("b", qb)

	m.Cycle(noSleep)

	// At 16-bit, one mixing cycle's SinkMixingBufferSamples downscale
	// exactly fills one Scream payload, so the frame emits immediately
	// with nothing left buffered.
	require.Len(t, sender.udpFrames, 1)
	assert.Len(t, sender.udpFrames[0], wire.FrameSize)
	assert.Empty(t, m.accumulator)
}

func TestCycleEmitsFrameOncePerCycleAt16Bit(t *testing.T) {
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 2}
	sender := &fakeSender{}
	m := New(cfg, sender, nil)

	qa := queue.New[types.ProcessedAudioChunk](8)
	m.AddInputQueue("a", qa)

	for i := 0; i < 3; i++ {
		qa.Push(fullChunk(100))
		m.Cycle(noSleep)
	}

	require.Len(t, sender.udpFrames, 3)
	assert.Len(t, sender.udpFrames[0], wire.FrameSize)
}

func TestCycleInactiveSourceContributesSilenceWithoutGrace(t *testing.T) {
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 2}
	sender := &fakeSender{}
	m := New(cfg, sender, nil)

	qa := queue.New[types.ProcessedAudioChunk](4)
	m.AddInputQueue("a", qa) // never pushed to; never active

	slept := 0
	m.Cycle(func(time.Duration) { slept++ })
	assert.Equal(t, 0, slept)
}

func TestCycleActiveSourceGoingQuietWaitsOutGracePeriod(t *testing.T) {
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 2, GracePeriod: 3 * time.Millisecond}
	sender := &fakeSender{}
	m := New(cfg, sender, nil)

	qa := queue.New[types.ProcessedAudioChunk](4)
	m.AddInputQueue("a", qa)
	qa.Push(fullChunk(1))
	m.Cycle(noSleep) // marks source "a" active

	slept := time.Duration(0)
	m.Cycle(func(d time.Duration) { slept += d })
	assert.GreaterOrEqual(t, slept, cfg.GracePeriod)
}

func TestClampMixSaturatesAtInt32Bounds(t *testing.T) {
	mixed := []int32{1 << 30, 1 << 30}
	addChunk(mixed, []int32{1 << 30, 1 << 30})
	clampMix(mixed)
	assert.Equal(t, int32(1<<31-1), mixed[0])
}

func TestSetMp3EncoderSuspendsOnBacklog(t *testing.T) {
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 2}
	m := New(cfg, &fakeSender{}, nil)
	enc := &countingMp3Encoder{}
	m.SetMp3Encoder(enc, mp3QueueHighWater+5)

	mixed := make([]int32, types.SinkMixingBufferSamples)
	for i := 0; i < mp3QueueHighWater+2; i++ {
		m.feedMp3(mixed)
	}
	assert.True(t, m.mp3Suspended)
}

type countingMp3Encoder struct{ calls int }

func (c *countingMp3Encoder) Encode(pcm []byte) ([]byte, error) {
	c.calls++
	return []byte{0x01}, nil
}

func (c *countingMp3Encoder) Flush() ([]byte, error) { return nil, nil }
