package receiver

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/screamrouter/audioengine/internal/engine/types"
	"github.com/screamrouter/audioengine/internal/engine/wire"
)

const programTagSize = 30

// ScreamReceiver decodes raw Scream payloads (spec §6 "Raw Scream
// payload"): a 5-byte header followed by exactly 1152 bytes of PCM,
// with no RTP framing at all. source_tag is the sender's bare IP.
// Since Scream carries no RTP timestamp, this receiver synthesizes a
// monotonically advancing one per source, exactly as the ALSA/FIFO
// capture receiver does (spec §6 "ALSA/FIFO capture").
type ScreamReceiver struct {
	log        *slog.Logger
	dispatcher Dispatcher

	mu     sync.Mutex
	states map[string]*screamSourceState
}

type screamSourceState struct {
	nextTS     uint32
	lastBucket int64
	hasBucket  bool
}

// NewScreamReceiver builds a raw Scream receiver.
func NewScreamReceiver(log *slog.Logger, dispatcher Dispatcher) *ScreamReceiver {
	if log == nil {
		log = slog.Default()
	}
	return &ScreamReceiver{log: log, dispatcher: dispatcher, states: make(map[string]*screamSourceState)}
}

// HandleDatagram processes one raw Scream UDP payload.
func (r *ScreamReceiver) HandleDatagram(remoteAddr string, data []byte, now time.Time) {
	if len(data) != wire.FrameSize {
		r.log.Debug("scream receiver dropping malformed frame", "addr", remoteAddr, "size", len(data))
		return
	}
	var hdr [wire.HeaderSize]byte
	copy(hdr[:], data[:wire.HeaderSize])
	h := wire.Decode(hdr)
	payload := append([]byte(nil), data[wire.HeaderSize:]...)

	ip, _ := splitHostPort(remoteAddr)
	r.dispatch(ip, h, payload, now)
}

func (r *ScreamReceiver) dispatch(sourceTag string, h wire.Header, payload []byte, now time.Time) {
	r.mu.Lock()
	st, ok := r.states[sourceTag]
	if !ok {
		st = &screamSourceState{}
		r.states[sourceTag] = st
	}
	ts := st.nextTS
	bpf := h.Channels * (h.BitDepth / 8)
	frames := 0
	if bpf > 0 {
		frames = len(payload) / bpf
	}
	st.nextTS = ts + uint32(frames)
	sentinel := markSentinelBucket(st, ts)
	r.mu.Unlock()

	pkt := types.TaggedAudioPacket{
		SourceTag:       sourceTag,
		ReceivedTime:    now,
		RTPTimestamp:    ts,
		HasRTPTimestamp: true,
		SampleRate:      h.SampleRate,
		Channels:        h.Channels,
		BitDepth:        h.BitDepth,
		ChLayout1:       h.ChLayout1,
		ChLayout2:       h.ChLayout2,
		AudioData:       payload,
		PlaybackRate:    1.0,
		IsSentinel:      sentinel,
	}
	if r.dispatcher != nil {
		r.dispatcher.AddPacket(pkt)
	}
}

// markSentinelBucket mirrors Receiver.markSentinel for the synthetic-
// timestamp Scream receivers: true once per SentinelBucket-wide
// rtp_timestamp bucket.
func markSentinelBucket(st *screamSourceState, rtpTimestamp uint32) bool {
	bucket := int64(rtpTimestamp) / types.SentinelBucket
	if st.hasBucket && st.lastBucket == bucket {
		return false
	}
	st.lastBucket = bucket
	st.hasBucket = true
	return true
}

// PerProcessScreamReceiver decodes the per-process Scream payload (spec
// §6): a 30-byte space-padded program tag, then a 5-byte Scream header,
// then 1152 bytes of PCM. source_tag is the sender's IP left-justified
// to exactly 15 characters, concatenated with the trimmed program tag.
type PerProcessScreamReceiver struct {
	log        *slog.Logger
	dispatcher Dispatcher

	mu     sync.Mutex
	states map[string]*screamSourceState
}

// NewPerProcessScreamReceiver builds a per-process Scream receiver.
func NewPerProcessScreamReceiver(log *slog.Logger, dispatcher Dispatcher) *PerProcessScreamReceiver {
	if log == nil {
		log = slog.Default()
	}
	return &PerProcessScreamReceiver{log: log, dispatcher: dispatcher, states: make(map[string]*screamSourceState)}
}

const perProcessFrameSize = programTagSize + wire.FrameSize

// HandleDatagram processes one per-process Scream UDP payload.
func (r *PerProcessScreamReceiver) HandleDatagram(remoteAddr string, data []byte, now time.Time) {
	if len(data) != perProcessFrameSize {
		r.log.Debug("per-process scream receiver dropping malformed frame", "addr", remoteAddr, "size", len(data))
		return
	}
	programTag := strings.TrimRight(string(data[:programTagSize]), " \x00")
	rest := data[programTagSize:]

	var hdr [wire.HeaderSize]byte
	copy(hdr[:], rest[:wire.HeaderSize])
	h := wire.Decode(hdr)
	payload := append([]byte(nil), rest[wire.HeaderSize:]...)

	ip, _ := splitHostPort(remoteAddr)
	sourceTag := fmt.Sprintf("%-15s%s", ip, programTag)

	r.dispatch(sourceTag, h, payload, now)
}

func (r *PerProcessScreamReceiver) dispatch(sourceTag string, h wire.Header, payload []byte, now time.Time) {
	r.mu.Lock()
	st, ok := r.states[sourceTag]
	if !ok {
		st = &screamSourceState{}
		r.states[sourceTag] = st
	}
	ts := st.nextTS
	bpf := h.Channels * (h.BitDepth / 8)
	frames := 0
	if bpf > 0 {
		frames = len(payload) / bpf
	}
	st.nextTS = ts + uint32(frames)
	sentinel := markSentinelBucket(st, ts)
	r.mu.Unlock()

	pkt := types.TaggedAudioPacket{
		SourceTag:       sourceTag,
		ReceivedTime:    now,
		RTPTimestamp:    ts,
		HasRTPTimestamp: true,
		SampleRate:      h.SampleRate,
		Channels:        h.Channels,
		BitDepth:        h.BitDepth,
		ChLayout1:       h.ChLayout1,
		ChLayout2:       h.ChLayout2,
		AudioData:       payload,
		PlaybackRate:    1.0,
		IsSentinel:      sentinel,
	}
	if r.dispatcher != nil {
		r.dispatcher.AddPacket(pkt)
	}
}
