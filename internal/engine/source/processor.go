// Package source implements SourceInputProcessor (spec §4.7): the
// per-source command loop that consumes a TimeshiftManager dispatch
// queue, keeps an AudioProcessor in sync with the stream's current
// format, and emits fixed-size ProcessedAudioChunks to a mixer queue.
package source

import (
	"log/slog"
	"sync"

	"github.com/screamrouter/audioengine/internal/engine/dsp"
	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

// Command is one out-of-band control message (spec §4.7). Delay and
// timeshift changes are reported upward (to the TimeshiftManager via
// Reporter) rather than applied to the live AudioProcessor.
type Command struct {
	Kind          CommandKind
	Volume        float64
	EQ            [dsp.EQBandCount]float32
	DelayMs       float64
	TimeshiftSec  float64
	SpeakerInputChannels int
	SpeakerLayout types.SpeakerLayout
}

type CommandKind int

const (
	SetVolume CommandKind = iota
	SetEQ
	SetDelay
	SetTimeshift
	SetSpeakerLayout
)

// Reporter receives control changes that belong to the TimeshiftManager
// rather than the local AudioProcessor (SET_DELAY, SET_TIMESHIFT).
type Reporter interface {
	ReportDelay(instanceID string, delayMs float64)
	ReportTimeshift(instanceID string, timeshiftSec float64)
}

// Processor is one SourceInputProcessor instance.
type Processor struct {
	instanceID string
	outputRate, outputChannels, outputBits int

	queue    *queue.Bounded[types.TaggedAudioPacket]
	commands *queue.Bounded[Command]
	out      *queue.Bounded[types.ProcessedAudioChunk]
	reporter Reporter
	log      *slog.Logger

	mu            sync.Mutex
	proc          *dsp.AudioProcessor
	settings      dsp.Settings
	curChannels   int
	curSampleRate int
	curBitDepth   int
	working       []int32
}

// New builds a Processor that targets the given output format. The
// AudioProcessor itself is built lazily on the first packet, since the
// input format isn't known until then.
func New(instanceID string, outputRate, outputChannels, outputBits int, in *queue.Bounded[types.TaggedAudioPacket], commands *queue.Bounded[Command], out *queue.Bounded[types.ProcessedAudioChunk], reporter Reporter, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		instanceID:     instanceID,
		outputRate:     outputRate,
		outputChannels: outputChannels,
		outputBits:     outputBits,
		queue:          in,
		commands:       commands,
		out:            out,
		reporter:       reporter,
		log:            log,
		settings:       dsp.DefaultSettings(),
	}
}

// Pump drains exactly one command (if any) and one packet (if any),
// returning true if it did any work. Callers loop this on a dedicated
// goroutine; splitting it out this way keeps it directly testable.
func (p *Processor) Pump() bool {
	did := false
	if cmd, ok := p.commands.TryPop(); ok {
		p.applyCommand(cmd)
		did = true
	}
	if pkt, ok := p.queue.TryPop(); ok {
		p.consume(pkt)
		did = true
	}
	return did
}

func (p *Processor) applyCommand(cmd Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch cmd.Kind {
	case SetVolume:
		p.settings.Volume = cmd.Volume
		if p.proc != nil {
			p.proc.SetVolume(cmd.Volume)
		}
	case SetEQ:
		p.settings.EQ = cmd.EQ
		if p.proc != nil {
			p.proc.SetEQ(cmd.EQ)
		}
	case SetDelay:
		if p.reporter != nil {
			p.reporter.ReportDelay(p.instanceID, cmd.DelayMs)
		}
	case SetTimeshift:
		if p.reporter != nil {
			p.reporter.ReportTimeshift(p.instanceID, cmd.TimeshiftSec)
		}
	case SetSpeakerLayout:
		if p.settings.SpeakerLayout == nil {
			p.settings.SpeakerLayout = make(map[int]types.SpeakerLayout)
		}
		p.settings.SpeakerLayout[cmd.SpeakerInputChannels] = cmd.SpeakerLayout
		if p.proc != nil {
			p.proc.SetSpeakerLayout(cmd.SpeakerInputChannels, cmd.SpeakerLayout)
		}
	}
}

// consume runs one input packet through the chain (rebuilding the
// AudioProcessor first if the declared format changed) and splits the
// accumulated output into OutputChunkSamples-sized ProcessedAudioChunks.
func (p *Processor) consume(pkt types.TaggedAudioPacket) {
	if !pkt.ValidFormat() {
		p.log.Warn("source processor dropping malformed packet", "instance", p.instanceID)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil || pkt.Channels != p.curChannels || pkt.SampleRate != p.curSampleRate || pkt.BitDepth != p.curBitDepth {
		newProc, err := dsp.NewAudioProcessor(pkt.Channels, pkt.SampleRate, pkt.BitDepth, p.outputChannels, p.outputRate, p.outputBits, p.settings)
		if err != nil {
			p.log.Error("source processor rebuild failed", "instance", p.instanceID, "error", err)
			return
		}
		p.proc = newProc
		p.curChannels = pkt.Channels
		p.curSampleRate = pkt.SampleRate
		p.curBitDepth = pkt.BitDepth
	}

	produced := p.proc.Process(pkt.AudioData, pkt.PlaybackRate)
	p.working = append(p.working, produced...)

	for len(p.working) >= types.OutputChunkSamples {
		chunk := types.ProcessedAudioChunk{
			Samples:    append([]int32(nil), p.working[:types.OutputChunkSamples]...),
			ProducedAt: pkt.ReceivedTime,
			OriginAt:   pkt.ReceivedTime,
			IsSentinel: pkt.IsSentinel,
		}
		p.working = p.working[types.OutputChunkSamples:]

		if p.out != nil {
			result := p.out.Push(chunk)
			if result == queue.QueueFull {
				p.out.DropFront(1)
				p.out.Push(chunk)
			}
		}
	}
}
