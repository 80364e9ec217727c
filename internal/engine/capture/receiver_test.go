package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

type fakeDispatcher struct {
	packets []types.TaggedAudioPacket
}

func (f *fakeDispatcher) AddPacket(pkt types.TaggedAudioPacket) {
	f.packets = append(f.packets, pkt)
}

// fakeSource hands back a fixed sequence of periods, then repeats the
// last one forever.
type fakeSource struct {
	periods [][]int16
	pos     int
	closed  bool
}

func (s *fakeSource) ReadInt16(buf []int16) error {
	p := s.periods[s.pos]
	if s.pos < len(s.periods)-1 {
		s.pos++
	}
	copy(buf, p)
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func TestReadOnceProducesPCM16LEWithUnitPlaybackRate(t *testing.T) {
	disp := &fakeDispatcher{}
	src := &fakeSource{periods: [][]int16{{1, -1, 2, -2}}}
	cfg := Config{HwID: "hw:0,0", Channels: 2, SampleRate: 48000, BitDepth: 16, PeriodSize: 2}
	r := New(cfg, src, disp, nil)

	require.NoError(t, r.ReadOnce(time.Now()))
	require.Len(t, disp.packets, 1)
	pkt := disp.packets[0]
	assert.Equal(t, "hw:0,0", pkt.SourceTag)
	assert.Equal(t, 1.0, pkt.PlaybackRate)
	assert.Equal(t, 2, pkt.Channels)
	assert.Equal(t, 16, pkt.BitDepth)
	assert.Len(t, pkt.AudioData, 8)
	assert.Equal(t, byte(1), pkt.AudioData[0])
	assert.Equal(t, byte(0), pkt.AudioData[1])
	assert.Equal(t, byte(0xff), pkt.AudioData[2])
	assert.Equal(t, byte(0xff), pkt.AudioData[3])
}

func TestReadOnceAdvancesSyntheticTimestampByPeriodSize(t *testing.T) {
	disp := &fakeDispatcher{}
	src := &fakeSource{periods: [][]int16{{0, 0, 0, 0}}}
	cfg := Config{HwID: "hw:0,0", Channels: 2, SampleRate: 48000, BitDepth: 16, PeriodSize: 2}
	r := New(cfg, src, disp, nil)

	require.NoError(t, r.ReadOnce(time.Now()))
	require.NoError(t, r.ReadOnce(time.Now()))
	require.Len(t, disp.packets, 2)
	assert.Equal(t, uint32(0), disp.packets[0].RTPTimestamp)
	assert.Equal(t, uint32(2), disp.packets[1].RTPTimestamp)
}

func TestReadOnceUsesHwIDAsDefaultSourceTag(t *testing.T) {
	disp := &fakeDispatcher{}
	src := &fakeSource{periods: [][]int16{{0, 0}}}
	cfg := Config{HwID: "fifo:/tmp/sink1", Channels: 1, SampleRate: 44100, BitDepth: 16, PeriodSize: 2}
	r := New(cfg, src, disp, nil)

	require.NoError(t, r.ReadOnce(time.Now()))
	assert.Equal(t, "fifo:/tmp/sink1", disp.packets[0].SourceTag)
}

func TestReadOnceHonorsExplicitSourceTag(t *testing.T) {
	disp := &fakeDispatcher{}
	src := &fakeSource{periods: [][]int16{{0, 0}}}
	cfg := Config{HwID: "hw:0,0", SourceTag: "living_room_capture", Channels: 1, SampleRate: 44100, BitDepth: 16, PeriodSize: 2}
	r := New(cfg, src, disp, nil)

	require.NoError(t, r.ReadOnce(time.Now()))
	assert.Equal(t, "living_room_capture", disp.packets[0].SourceTag)
}

func TestCloseClosesUnderlyingSource(t *testing.T) {
	src := &fakeSource{periods: [][]int16{{0, 0}}}
	cfg := Config{HwID: "hw:0,0", Channels: 1, SampleRate: 44100, BitDepth: 16, PeriodSize: 2}
	r := New(cfg, src, nil, nil)

	require.NoError(t, r.Close())
	assert.True(t, src.closed)
}
