// Package capture implements the ALSA/FIFO capture receiver (spec §6):
// a configured hardware device delivers fixed-size PCM chunks with
// playback_rate always 1.0 and a synthetic, monotonically advancing
// rtp_timestamp (there is no wire RTP clock to recover one from).
// Device I/O is grounded on github.com/gordonklaus/portaudio, the only
// audio-device library in the retrieved corpus (doismellburning-samoyed
// go.mod); the read loop itself is a plain blocking loop on its own
// goroutine, paced by the device reads rather than by a ticker.
package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/screamrouter/audioengine/internal/engine/receiver"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

// Config describes one capture device (spec §6: "configured hw_id,
// channel count, sample rate, bit depth, period size").
type Config struct {
	HwID       string
	SourceTag  string
	Channels   int
	SampleRate int
	BitDepth   int
	PeriodSize int
}

// Source abstracts the device backend so the receiver is testable
// without real audio hardware.
type Source interface {
	// ReadInt16 blocks until one period of interleaved int16 samples is
	// available and fills buf (len(buf) == periodSize*channels).
	ReadInt16(buf []int16) error
	Close() error
}

// portaudioSource is the production Source backed by a portaudio
// blocking-I/O stream.
type portaudioSource struct {
	stream *portaudio.Stream
	buf    []int16
}

// OpenPortAudioSource opens cfg.HwID as a portaudio input device. HwID
// matches a device's Name as reported by portaudio.Devices().
func OpenPortAudioSource(cfg Config) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: portaudio init failed: %w", err)
	}
	device, err := findDevice(cfg.HwID)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.PeriodSize

	buf := make([]int16, cfg.PeriodSize*cfg.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("capture: open stream for %q failed: %w", cfg.HwID, err)
	}
	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("capture: start stream for %q failed: %w", cfg.HwID, err)
	}
	return &portaudioSource{stream: stream, buf: buf}, nil
}

func findDevice(hwID string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices failed: %w", err)
	}
	for _, d := range devices {
		if d.Name == hwID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("capture: no device named %q", hwID)
}

func (s *portaudioSource) ReadInt16(buf []int16) error {
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(buf, s.buf)
	return nil
}

func (s *portaudioSource) Close() error {
	_ = s.stream.Stop()
	return s.stream.Close()
}

// Receiver drives one capture Source, converting each period into a
// TaggedAudioPacket and handing it to a Dispatcher (TimeshiftManager).
type Receiver struct {
	cfg        Config
	source     Source
	dispatcher receiver.Dispatcher
	log        *slog.Logger

	nextTS     uint32
	lastBucket int64
	hasBucket  bool
}

// New builds a capture Receiver around an already-open Source.
func New(cfg Config, source Source, dispatcher receiver.Dispatcher, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SourceTag == "" {
		cfg.SourceTag = cfg.HwID
	}
	return &Receiver{cfg: cfg, source: source, dispatcher: dispatcher, log: log}
}

// ReadOnce reads exactly one period from the source, converts it to
// little-endian 16-bit PCM, and dispatches it. Callers loop this on a
// dedicated goroutine (see Run); it is exposed directly so tests can
// drive it deterministically against a fake Source.
func (r *Receiver) ReadOnce(now time.Time) error {
	samples := make([]int16, r.cfg.PeriodSize*r.cfg.Channels)
	if err := r.source.ReadInt16(samples); err != nil {
		return fmt.Errorf("capture: read failed: %w", err)
	}

	audioData := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(audioData[i*2:], uint16(s))
	}

	ts := r.nextTS
	r.nextTS += uint32(r.cfg.PeriodSize)
	sentinel := r.markSentinel(ts)

	pkt := types.TaggedAudioPacket{
		SourceTag:       r.cfg.SourceTag,
		ReceivedTime:    now,
		RTPTimestamp:    ts,
		HasRTPTimestamp: true,
		SampleRate:      r.cfg.SampleRate,
		Channels:        r.cfg.Channels,
		BitDepth:        r.cfg.BitDepth,
		AudioData:       audioData,
		PlaybackRate:    1.0,
		IsSentinel:      sentinel,
	}
	if r.dispatcher != nil {
		r.dispatcher.AddPacket(pkt)
	}
	return nil
}

func (r *Receiver) markSentinel(rtpTimestamp uint32) bool {
	bucket := int64(rtpTimestamp) / types.SentinelBucket
	if r.hasBucket && r.lastBucket == bucket {
		return false
	}
	r.lastBucket = bucket
	r.hasBucket = true
	return true
}

// Run reads continuously until stop is closed, logging (not
// terminating on) transient read errors.
func (r *Receiver) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := r.ReadOnce(time.Now()); err != nil {
			r.log.Warn("capture receiver read failed", "hw_id", r.cfg.HwID, "error", err)
		}
	}
}

// Close releases the underlying source.
func (r *Receiver) Close() error {
	return r.source.Close()
}
