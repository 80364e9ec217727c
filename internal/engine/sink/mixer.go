// Package sink implements SinkAudioMixer (spec §4.9): multi-source
// synchronized mixing, downscale to the sink's wire format, Scream
// framing, dual UDP/TCP emit, and a gated MP3 branch.
package sink

import (
	"log/slog"
	"time"

	"github.com/screamrouter/audioengine/internal/engine/dsp"
	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
	"github.com/screamrouter/audioengine/internal/engine/wire"
)

// PacketSender abstracts the UDP/TCP emit targets so the mixer is
// testable without real sockets. Grounded on the network-boundary
// interface style used throughout the corpus's RTP/media writers.
type PacketSender interface {
	SendUDP(frame []byte) error
	// SendTCP sends frame over the optional TCP descriptor. ok is false
	// when no TCP descriptor is currently set; err is non-nil only on a
	// real write failure that isn't EWOULDBLOCK (the spec's "drop the
	// TCP copy only" rule is implemented by the sender implementation).
	SendTCP(frame []byte) (ok bool, err error)
}

// Mp3Encoder is the black-box LAME collaborator named in spec §1.
type Mp3Encoder interface {
	Encode(pcm []byte) ([]byte, error)
	Flush() ([]byte, error)
}

const (
	defaultGracePeriod = 12 * time.Millisecond
	gracePollInterval  = 1 * time.Millisecond
	mp3QueueHighWater  = 10
)

type sourceState struct {
	queue  *queue.Bounded[types.ProcessedAudioChunk]
	active bool
}

// Config describes one sink's declared output format and framing.
type Config struct {
	SampleRate  int
	BitDepth    int
	Channels    int
	ChLayout1   byte
	ChLayout2   byte
	GracePeriod time.Duration
}

// Mixer is one SinkAudioMixer instance.
type Mixer struct {
	cfg    Config
	header wire.Header
	sender PacketSender
	log    *slog.Logger

	sources map[string]*sourceState

	accumulator  []byte
	ditherStates []*dsp.DitherState

	mp3Queue     *queue.Bounded[[]byte]
	mp3Encoder   Mp3Encoder
	mp3Proc      *dsp.AudioProcessor
	mp3Suspended bool
}

// New builds a Mixer for the given sink config and sender.
func New(cfg Config, sender PacketSender, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	states := make([]*dsp.DitherState, cfg.Channels)
	for i := range states {
		states[i] = &dsp.DitherState{}
	}
	return &Mixer{
		cfg: cfg,
		header: wire.Header{
			SampleRate: cfg.SampleRate,
			BitDepth:   cfg.BitDepth,
			Channels:   cfg.Channels,
			ChLayout1:  cfg.ChLayout1,
			ChLayout2:  cfg.ChLayout2,
		},
		sender:       sender,
		log:          log,
		sources:      make(map[string]*sourceState),
		ditherStates: states,
	}
}

// AddInputQueue wires a source's chunk queue into the mixer (spec §6
// control surface: add_input_queue).
func (m *Mixer) AddInputQueue(instanceID string, q *queue.Bounded[types.ProcessedAudioChunk]) {
	m.sources[instanceID] = &sourceState{queue: q}
}

// RemoveInputQueue unwires a source (remove_input_queue).
func (m *Mixer) RemoveInputQueue(instanceID string) {
	delete(m.sources, instanceID)
}

// SetMp3Encoder wires the optional MP3 branch with a queue of queueSize
// encoded frames.
func (m *Mixer) SetMp3Encoder(enc Mp3Encoder, queueSize int) {
	m.mp3Encoder = enc
	m.mp3Queue = queue.New[[]byte](queueSize)
}

// Cycle runs exactly one mixer cycle (spec §4.9 steps 1-4): determine
// the active set (with grace period), mix, downscale, and emit any
// complete Scream frames. sleep is the caller's grace-period sleep
// function, overridable in tests to avoid real waits.
func (m *Mixer) Cycle(sleep func(time.Duration)) {
	if sleep == nil {
		sleep = time.Sleep
	}
	mixed := make([]int32, types.SinkMixingBufferSamples)
	anyActive := false

	elapsed := time.Duration(0)
	pending := make(map[string]bool, len(m.sources))
	for id := range m.sources {
		pending[id] = true
	}

	for len(pending) > 0 {
		for id := range pending {
			st := m.sources[id]
			chunk, ok := st.queue.TryPop()
			if ok {
				st.active = true
				anyActive = true
				addChunk(mixed, chunk.Samples)
				delete(pending, id)
				continue
			}
			if !st.active {
				// Never-active source contributes silence immediately,
				// no grace period needed.
				delete(pending, id)
				continue
			}
			if elapsed >= m.cfg.GracePeriod {
				st.active = false
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		sleep(gracePollInterval)
		elapsed += gracePollInterval
	}

	clampMix(mixed)
	payload := dsp.DitherAndDownscale(mixed, m.ditherStates, m.cfg.Channels, m.cfg.BitDepth, dsp.DefaultDitherShaping)
	m.accumulator = append(m.accumulator, payload...)
	m.drainAccumulator()

	if m.mp3Encoder != nil {
		m.feedMp3(mixed)
	}
	_ = anyActive
}

func addChunk(mixed []int32, samples []int32) {
	n := len(mixed)
	if len(samples) < n {
		n = len(samples)
	}
	const maxV = int64(1<<31 - 1)
	const minV = -int64(1) << 31
	for i := 0; i < n; i++ {
		sum := int64(mixed[i]) + int64(samples[i])
		if sum > maxV {
			sum = maxV
		} else if sum < minV {
			sum = minV
		}
		mixed[i] = int32(sum)
	}
}

func clampMix(mixed []int32) {
	const maxV = int64(1<<31 - 1)
	const minV = -int64(1) << 31
	for i, v := range mixed {
		vv := int64(v)
		if vv > maxV {
			mixed[i] = int32(maxV)
		} else if vv < minV {
			mixed[i] = int32(minV)
		}
	}
}

func (m *Mixer) drainAccumulator() {
	for len(m.accumulator) >= wire.PayloadSize {
		payload := m.accumulator[:wire.PayloadSize]
		frame, err := wire.BuildFrame(m.header, payload)
		if err != nil {
			m.log.Error("sink mixer frame build failed", "error", err)
		} else {
			m.emit(frame)
		}
		m.accumulator = append(m.accumulator[:0], m.accumulator[wire.PayloadSize:]...)
	}
}

func (m *Mixer) emit(frame []byte) {
	if m.sender == nil {
		return
	}
	if err := m.sender.SendUDP(frame); err != nil {
		m.log.Warn("sink mixer udp send failed", "error", err)
	}
	if ok, err := m.sender.SendTCP(frame); ok && err != nil {
		m.log.Warn("sink mixer tcp send failed", "error", err)
	}
}

// feedMp3 preprocesses the mixed 32-bit buffer through an internal
// AudioProcessor down to 32-bit stereo at the sink rate (LAME only
// ever sees stereo, regardless of the sink's channel count), then
// hands PCM to the encoder. Encoding is suspended while the MP3 queue
// backs up (spec §4.9 step 5: "consumer is assumed absent/slow").
func (m *Mixer) feedMp3(mixed []int32) {
	if m.mp3Queue.Len() > mp3QueueHighWater {
		m.mp3Suspended = true
		return
	}
	if m.mp3Suspended && m.mp3Queue.Len() == 0 {
		m.mp3Suspended = false
	}
	if m.mp3Suspended {
		return
	}

	stereo := mixed
	if m.cfg.Channels != 2 {
		if m.mp3Proc == nil {
			proc, err := dsp.NewAudioProcessor(m.cfg.Channels, m.cfg.SampleRate, 32, 2, m.cfg.SampleRate, 32, dsp.DefaultSettings())
			if err != nil {
				m.log.Error("mp3 preprocessor build failed", "error", err)
				return
			}
			m.mp3Proc = proc
		}
		stereo = m.mp3Proc.Process(int32sToLE(mixed), 1.0)
	}

	pcm := make([]byte, 0, len(stereo)*4)
	for _, s := range stereo {
		pcm = append(pcm, byte(s), byte(s>>8), byte(s>>16), byte(s>>24))
	}
	encoded, err := m.mp3Encoder.Encode(pcm)
	if err != nil {
		m.log.Error("mp3 encode failed", "error", err)
		return
	}
	if len(encoded) > 0 {
		m.mp3Queue.Push(encoded)
	}
}

func int32sToLE(samples []int32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		u := uint32(s)
		out[i*4] = byte(u)
		out[i*4+1] = byte(u >> 8)
		out[i*4+2] = byte(u >> 16)
		out[i*4+3] = byte(u >> 24)
	}
	return out
}

// Shutdown flushes the MP3 encoder if one is wired.
func (m *Mixer) Shutdown() {
	if m.mp3Encoder != nil {
		if tail, err := m.mp3Encoder.Flush(); err == nil && len(tail) > 0 {
			m.mp3Queue.Push(tail)
		}
	}
}
