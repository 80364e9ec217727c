package receiver

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/wire"
)

func buildScreamFrame(t *testing.T) []byte {
	t.Helper()
	h := wire.Header{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0x03}
	payload := make([]byte, wire.PayloadSize)
	frame, err := wire.BuildFrame(h, payload)
	require.NoError(t, err)
	return frame
}

func TestScreamReceiverUsesSenderIPAsSourceTag(t *testing.T) {
	disp := &fakeDispatcher{}
	r := NewScreamReceiver(nil, disp)
	r.HandleDatagram("192.168.1.50:4010", buildScreamFrame(t), time.Now())

	require.Len(t, disp.packets, 1)
	assert.Equal(t, "192.168.1.50", disp.packets[0].SourceTag)
	assert.Equal(t, 48000, disp.packets[0].SampleRate)
	assert.Equal(t, 2, disp.packets[0].Channels)
	assert.Equal(t, 16, disp.packets[0].BitDepth)
	assert.True(t, disp.packets[0].IsSentinel)
}

func TestScreamReceiverDropsWrongSizedFrame(t *testing.T) {
	disp := &fakeDispatcher{}
	r := NewScreamReceiver(nil, disp)
	r.HandleDatagram("192.168.1.50:4010", make([]byte, 10), time.Now())
	assert.Empty(t, disp.packets)
}

func TestScreamReceiverAdvancesSyntheticTimestamp(t *testing.T) {
	disp := &fakeDispatcher{}
	r := NewScreamReceiver(nil, disp)
	frame := buildScreamFrame(t)
	r.HandleDatagram("192.168.1.50:4010", frame, time.Now())
	r.HandleDatagram("192.168.1.50:4010", frame, time.Now())

	require.Len(t, disp.packets, 2)
	assert.Equal(t, uint32(0), disp.packets[0].RTPTimestamp)
	// 1152 bytes / (2ch * 2 bytes) = 288 frames per packet.
	assert.Equal(t, uint32(288), disp.packets[1].RTPTimestamp)
}

func buildPerProcessFrame(t *testing.T, programTag string) []byte {
	t.Helper()
	tag := make([]byte, programTagSize)
	copy(tag, []byte(programTag))
	for i := len(programTag); i < programTagSize; i++ {
		tag[i] = ' '
	}
	return append(tag, buildScreamFrame(t)...)
}

func TestPerProcessScreamReceiverBuildsCompositeSourceTag(t *testing.T) {
	disp := &fakeDispatcher{}
	r := NewPerProcessScreamReceiver(nil, disp)
	r.HandleDatagram("10.0.0.9:4011", buildPerProcessFrame(t, "spotify"), time.Now())

	require.Len(t, disp.packets, 1)
	tag := disp.packets[0].SourceTag
	assert.True(t, strings.HasPrefix(tag, "10.0.0.9       ")) // IP left-justified to 15 chars
	assert.True(t, strings.HasSuffix(tag, "spotify"))
}

func TestPerProcessScreamReceiverDropsWrongSizedFrame(t *testing.T) {
	disp := &fakeDispatcher{}
	r := NewPerProcessScreamReceiver(nil, disp)
	r.HandleDatagram("10.0.0.9:4011", make([]byte, 20), time.Now())
	assert.Empty(t, disp.packets)
}
