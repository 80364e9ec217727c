package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

type fakeReporter struct {
	delayMs     float64
	timeshiftS  float64
}

func (f *fakeReporter) ReportDelay(instanceID string, delayMs float64)       { f.delayMs = delayMs }
func (f *fakeReporter) ReportTimeshift(instanceID string, timeshiftSec float64) { f.timeshiftS = timeshiftSec }

func newTestProcessor() (*Processor, *queue.Bounded[types.TaggedAudioPacket], *queue.Bounded[Command], *queue.Bounded[types.ProcessedAudioChunk], *fakeReporter) {
	in := queue.New[types.TaggedAudioPacket](16)
	cmds := queue.New[Command](16)
	out := queue.New[types.ProcessedAudioChunk](16)
	rep := &fakeReporter{}
	p := New("p1", 48000, 2, 16, in, cmds, out, rep, nil)
	return p, in, cmds, out, rep
}

func TestPumpReturnsFalseWhenEmpty(t *testing.T) {
	p, _, _, _, _ := newTestProcessor()
	assert.False(t, p.Pump())
}

func TestPumpConsumesPacketAndEmitsChunk(t *testing.T) {
	p, in, _, out, _ := newTestProcessor()
	// Stereo 16-bit, enough samples (576, i.e. 288 frames) to emit exactly one chunk.
	pkt := types.TaggedAudioPacket{
		SourceTag:  "a",
		SampleRate: 48000,
		Channels:   2,
		BitDepth:   16,
		AudioData:  make([]byte, types.OutputChunkSamples/2*4), // 288 frames * 4 bytes
	}
	in.Push(pkt)
	require.True(t, p.Pump())
	chunk, ok := out.Pop()
	require.True(t, ok)
	assert.Len(t, chunk.Samples, types.OutputChunkSamples)
}

func TestApplyCommandReportsDelayUpward(t *testing.T) {
	p, _, cmds, _, rep := newTestProcessor()
	cmds.Push(Command{Kind: SetDelay, DelayMs: 42})
	require.True(t, p.Pump())
	assert.Equal(t, 42.0, rep.delayMs)
}

func TestApplyCommandSetsVolumeOnLiveProcessor(t *testing.T) {
	p, in, cmds, _, _ := newTestProcessor()
	pkt := types.TaggedAudioPacket{
		SourceTag: "a", SampleRate: 48000, Channels: 2, BitDepth: 16,
		AudioData: make([]byte, 16),
	}
	in.Push(pkt)
	p.Pump() // builds p.proc

	cmds.Push(Command{Kind: SetVolume, Volume: 0.5})
	p.Pump()
	assert.Equal(t, 0.5, p.settings.Volume)
	require.NotNil(t, p.proc)
	assert.False(t, p.proc.ShortCircuit()) // the live processor no longer runs at unity gain
}

func TestConsumeDropsMalformedPacket(t *testing.T) {
	p, in, _, out, _ := newTestProcessor()
	in.Push(types.TaggedAudioPacket{SourceTag: "a", Channels: 0})
	p.Pump()
	_, ok := out.Pop()
	assert.False(t, ok)
}
