package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstUpdateInitializesOffset(t *testing.T) {
	c := New(48000)
	require.False(t, c.Initialized())

	now := time.Now()
	c.Update(48000, now) // rtp_ts=48000 -> 1.0s of frames at 48kHz

	require.True(t, c.Initialized())
	got, ok := c.ExpectedArrivalTime(48000)
	require.True(t, ok)
	assert.WithinDuration(t, now, got, time.Microsecond)
}

func TestUpdateConvergesOffsetUnderConstantRate(t *testing.T) {
	c := New(48000)
	base := time.Now()
	rtpTS := uint32(0)
	at := base
	for i := 0; i < 200; i++ {
		c.Update(rtpTS, at)
		rtpTS += 960 // 20ms of frames
		at = at.Add(20 * time.Millisecond)
	}
	got, ok := c.ExpectedArrivalTime(rtpTS)
	require.True(t, ok)
	assert.WithinDuration(t, at, got, 2*time.Millisecond)
}

func TestZeroDeltaTSkipsUpdate(t *testing.T) {
	c := New(48000)
	now := time.Now()
	c.Update(0, now)
	before := c.Offset()
	c.Update(960, now) // same arrival time => delta_t == 0, must be a no-op
	assert.Equal(t, before, c.Offset())
}

func TestResetClearsInitialization(t *testing.T) {
	c := New(48000)
	c.Update(0, time.Now())
	require.True(t, c.Initialized())
	c.Reset()
	assert.False(t, c.Initialized())
	_, ok := c.ExpectedArrivalTime(0)
	assert.False(t, ok)
}
