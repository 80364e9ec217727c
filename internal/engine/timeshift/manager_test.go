package timeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

func samplePacket(sourceTag string, rtpTS uint32, at time.Time) types.TaggedAudioPacket {
	return types.TaggedAudioPacket{
		SourceTag:       sourceTag,
		ReceivedTime:    at,
		RTPTimestamp:    rtpTS,
		HasRTPTimestamp: true,
		SampleRate:      48000,
		Channels:        2,
		BitDepth:        16,
		AudioData:       make([]byte, 4*4), // 4 frames stereo 16-bit
	}
}

func TestAddPacketRejectsMissingTimestamp(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	pkt := samplePacket("a", 0, time.Now())
	pkt.HasRTPTimestamp = false
	m.AddPacket(pkt)
	assert.Equal(t, 0, m.RingSize())
}

func TestAddPacketAppendsToRing(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.AddPacket(samplePacket("a", 0, time.Now()))
	assert.Equal(t, 1, m.RingSize())
}

func TestRegisterProcessorEmptyRingStartsAtEnd(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	q := queue.New[types.TaggedAudioPacket](8)
	m.RegisterProcessor("p1", "a", q, 0, 0)
	idx, ok := m.ConsumerReadIndex("p1")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestTickDispatchesReadyPacket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTargetBufferLevelMs = 0
	m := NewManager(cfg, nil)
	q := queue.New[types.TaggedAudioPacket](8)
	m.RegisterProcessor("p1", "a", q, 0, 0)

	base := time.Now().Add(-time.Second)
	m.AddPacket(samplePacket("a", 0, base))

	// Well past ideal_playout (expected_arrival ~= base, latency ~0).
	m.Tick(base.Add(2 * time.Second))
	_, ok := q.Pop()
	assert.True(t, ok)
}

func TestTickHoldsFuturePacket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTargetBufferLevelMs = 1000 // 1s of latency
	m := NewManager(cfg, nil)
	q := queue.New[types.TaggedAudioPacket](8)
	m.RegisterProcessor("p1", "a", q, 0, 0)

	now := time.Now()
	m.AddPacket(samplePacket("a", 0, now))
	m.Tick(now) // ideal_playout is ~1s in the future; nothing ready yet
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestCleanupEvictsOldPacketsAndClampsCursor(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	q := queue.New[types.TaggedAudioPacket](8)
	m.RegisterProcessor("p1", "other*", q, 0, 0)

	old := time.Now().Add(-10 * time.Second)
	for i := 0; i < 10; i++ {
		m.AddPacket(samplePacket("a", uint32(i*960), old.Add(time.Duration(i)*time.Millisecond)))
	}
	// Consumer cursor stays at 0 (wildcard never matched "a"), ring has 10.
	require.Equal(t, 10, m.RingSize())

	m.Cleanup(time.Now()) // everything is older than MaxBufferDuration
	assert.Equal(t, 0, m.RingSize())
	idx, ok := m.ConsumerReadIndex("p1")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestChunkDurationMsComputesFromFrames(t *testing.T) {
	pkt := samplePacket("a", 0, time.Now())
	got := chunkDurationMs(pkt)
	assert.InDelta(t, 1000*4.0/48000.0, got, 1e-9)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, clamp(0.5, 1.0, 2.0))
	assert.Equal(t, 2.0, clamp(3.0, 1.0, 2.0))
	assert.Equal(t, 1.5, clamp(1.5, 1.0, 2.0))
}

func TestCatchupRateCeilingScenario(t *testing.T) {
	// Spec §8 scenario 6: target_recovery=20ms/s, gain=0.0005,
	// lateness=40ms, absolute_max=1.05, max_playback_rate=1.02 =>
	// desired_rate = 1 + min(0.020 + 0.0005*40, 0.05) = 1.04,
	// clamped by max_playback_rate to 1.02.
	targetRecoveryMsPerSec := 20.0
	gain := 0.0005
	lateness := 40.0
	absoluteMax := 1.05
	maxPlaybackRate := 1.02

	desired := 1.0 + minFloat(targetRecoveryMsPerSec/1000+gain*lateness, absoluteMax-1.0)
	desired = clamp(desired, 1.0, maxPlaybackRate)
	assert.InDelta(t, 1.02, desired, 1e-9)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
