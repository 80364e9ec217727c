// Package receiver implements NetworkAudioReceiver (spec §4.5): RTP
// header parsing, source-identity tracking, insertion into a per-SSRC
// reordering buffer, format resolution (SAP, then auto-probe, then
// payload defaults), and dispatch of decoded canonical PCM packets to
// a TimeshiftManager. Grounded on the teacher's RTP read loop
// (bridge/media_bridge.go's readSIP) generalized from a single fixed
// SIP peer to an arbitrary number of discovered sources.
package receiver

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/screamrouter/audioengine/internal/engine/rtpio"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

// SAPResolver looks up SAP-announced StreamProperties for an SSRC seen
// on a given remote address. Implemented by rtpio.SAPDirectory; nil is a
// valid "no SAP directory wired" resolver.
type SAPResolver interface {
	Lookup(ssrc uint32, remoteAddr string) (types.StreamProperties, bool)
}

// Dispatcher receives fully-decoded packets (TimeshiftManager).
type Dispatcher interface {
	AddPacket(pkt types.TaggedAudioPacket)
}

// DiscoveryNotifier is told exactly once per newly-seen (or
// SSRC-changed) source identity (spec §4.5 step 3).
type DiscoveryNotifier interface {
	OnSourceDiscovered(remoteAddr string, ssrc uint32)
}

const probingPort = true

type ssrcState struct {
	reorder    *rtpio.ReorderingBuffer
	opus       *rtpio.OpusDecoderRegistry
	lastBucket int64
	hasBucket  bool
}

// Receiver is one NetworkAudioReceiver instance: it owns no socket
// itself (HandleDatagram is driven by a caller-owned UDP read loop, so
// both a real net.PacketConn and a test harness can feed it), only the
// per-source/per-SSRC state machine and the decode-and-dispatch path.
type Receiver struct {
	log        *slog.Logger
	sap        SAPResolver
	prober     *rtpio.Prober
	dispatcher Dispatcher
	discovery  DiscoveryNotifier

	mu          sync.Mutex
	lastSSRCby  map[string]uint32 // "ip:port" -> last seen SSRC
	states      map[uint32]*ssrcState
	staticProps map[uint32]types.StreamProperties // caller-injected overrides (tests, fixed-format sinks)
}

// New builds a Receiver. sap and discovery may be nil.
func New(log *slog.Logger, sap SAPResolver, discovery DiscoveryNotifier, dispatcher Dispatcher) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		log:         log,
		sap:         sap,
		prober:      rtpio.NewProber(256),
		dispatcher:  dispatcher,
		discovery:   discovery,
		lastSSRCby:  make(map[string]uint32),
		states:      make(map[uint32]*ssrcState),
		staticProps: make(map[uint32]types.StreamProperties),
	}
}

// HandleDatagram processes one received UDP datagram from remoteAddr
// (formatted "ip:port") at time now (spec §4.5 steps 1-5).
func (r *Receiver) HandleDatagram(remoteAddr string, data []byte, now time.Time) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		r.log.Debug("receiver dropping unparseable rtp packet", "addr", remoteAddr, "error", err)
		return
	}

	pt := rtpio.CanonicalizePayloadType(uint8(pkt.PayloadType), probingPort)
	if pt == rtpio.PayloadUnknown {
		return
	}

	ssrc := pkt.SSRC
	r.trackIdentity(remoteAddr, ssrc)

	st := r.stateFor(ssrc)
	st.reorder.AddPacket(rtpio.Packet{
		SequenceNumber: pkt.SequenceNumber,
		RTPTimestamp:   pkt.Timestamp,
		ReceivedTime:   now,
		Payload:        append([]byte(nil), pkt.Payload...),
		SSRC:           ssrc,
		CSRCs:          append([]uint32(nil), pkt.CSRC...),
		PayloadType:    uint8(pkt.PayloadType),
	})

	for _, ready := range st.reorder.ReadyPackets() {
		r.decodeAndDispatch(remoteAddr, pt, ready, st)
	}
}

func (r *Receiver) trackIdentity(remoteAddr string, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, seen := r.lastSSRCby[remoteAddr]
	if seen && last == ssrc {
		return
	}
	r.lastSSRCby[remoteAddr] = ssrc
	if seen {
		r.clearStateLocked(last)
	}
	if r.discovery != nil {
		r.discovery.OnSourceDiscovered(remoteAddr, ssrc)
	}
}

func (r *Receiver) clearStateLocked(ssrc uint32) {
	delete(r.states, ssrc)
	r.prober.Clear(ssrc)
	delete(r.staticProps, ssrc)
}

func (r *Receiver) stateFor(ssrc uint32) *ssrcState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[ssrc]
	if !ok {
		st = &ssrcState{
			reorder: rtpio.New(),
			opus:    rtpio.NewOpusDecoderRegistry(),
		}
		r.states[ssrc] = st
	}
	return st
}

// SetStaticProperties injects a fixed StreamProperties for an SSRC,
// bypassing SAP and auto-probe, for callers that already know the
// stream's format.
func (r *Receiver) SetStaticProperties(ssrc uint32, props types.StreamProperties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staticProps[ssrc] = props
}

func (r *Receiver) resolveProperties(ssrc uint32, remoteAddr string, pt rtpio.PayloadType, payload []byte, now time.Time) types.StreamProperties {
	r.mu.Lock()
	static, ok := r.staticProps[ssrc]
	r.mu.Unlock()
	if ok {
		return static
	}
	if r.sap != nil {
		if props, ok := r.sap.Lookup(ssrc, remoteAddr); ok {
			return props
		}
	}
	if pt != rtpio.PayloadOpus {
		if props, ok := r.prober.Feed(ssrc, payload, now.UnixNano()); ok {
			return props
		}
	}
	return types.StreamProperties{}
}

func (r *Receiver) decodeAndDispatch(remoteAddr string, pt rtpio.PayloadType, p rtpio.Packet, st *ssrcState) {
	props := r.resolveProperties(p.SSRC, remoteAddr, pt, p.Payload, p.ReceivedTime)

	var (
		audioData            []byte
		channels, bits, rate int
		ok                   bool
	)

	if pt == rtpio.PayloadOpus {
		layout, haveLayout := opusLayoutFrom(props)
		sr := orDefaultInt(props.SampleRate, 48000)
		ch := orDefaultInt(props.Channels, 2)
		if !haveLayout {
			layout, haveLayout = rtpio.CanonicalOpusLayout(ch)
		}
		if !haveLayout {
			r.log.Warn("receiver cannot resolve opus layout", "ssrc", p.SSRC, "channels", ch)
			return
		}
		pcm, decCh, err := st.opus.Decode(p.SSRC, p.Payload, sr, ch, layout)
		if err != nil {
			r.log.Warn("receiver opus decode failed", "ssrc", p.SSRC, "error", err)
			return
		}
		audioData, channels, bits, rate, ok = pcm, decCh, 16, sr, true
	} else {
		audioData, channels, bits, rate, ok = rtpio.DecodeStatic(pt, p.Payload, props)
	}
	if !ok {
		return
	}

	sourceTag := BuildSourceTag(props, remoteAddr)
	pkt := types.TaggedAudioPacket{
		SourceTag:         sourceTag,
		ReceivedTime:      p.ReceivedTime,
		RTPTimestamp:      p.RTPTimestamp,
		HasRTPTimestamp:   true,
		RTPSequenceNumber: p.SequenceNumber,
		HasRTPSequence:    true,
		SSRCs:             append([]uint32{p.SSRC}, p.CSRCs...),
		SampleRate:        rate,
		Channels:          channels,
		BitDepth:          bits,
		ChLayout1:         props.ChLayout1,
		ChLayout2:         props.ChLayout2,
		AudioData:         audioData,
		PlaybackRate:      1.0,
	}
	pkt.IsSentinel = r.markSentinel(st, pkt.RTPTimestamp)

	if r.dispatcher != nil {
		r.dispatcher.AddPacket(pkt)
	}
}

// markSentinel reports true once per SentinelBucket-wide RTP-timestamp
// bucket (spec §4.5 step 5: "mark sentinel once per 100 000-unit RTP-
// timestamp bucket").
func (r *Receiver) markSentinel(st *ssrcState, rtpTimestamp uint32) bool {
	bucket := int64(rtpTimestamp) / types.SentinelBucket
	if st.hasBucket && st.lastBucket == bucket {
		return false
	}
	st.lastBucket = bucket
	st.hasBucket = true
	return true
}

func opusLayoutFrom(props types.StreamProperties) (rtpio.OpusLayout, bool) {
	if props.OpusStreams == 0 {
		return rtpio.OpusLayout{}, false
	}
	return rtpio.OpusLayout{
		Streams:        props.OpusStreams,
		CoupledStreams: props.OpusCoupled,
		Mapping:        props.OpusMapping,
		MappingFamily:  props.OpusMappingFam,
	}, true
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// BuildSourceTag implements the spec §4.5 source_tag construction
// rules: "rtp:<guid>#<ip>.<port>" when SAP supplies a GUID, else a
// sanitized session name, else the bare "ip:port".
func BuildSourceTag(props types.StreamProperties, remoteAddr string) string {
	ip, port := splitHostPort(remoteAddr)
	if props.GUID != "" {
		return fmt.Sprintf("rtp:%s#%s.%s", props.GUID, ip, port)
	}
	if name := sanitizeSessionName(props.SessionName); name != "" {
		return name
	}
	return remoteAddr
}

func splitHostPort(addr string) (string, string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "0"
	}
	return addr[:idx], addr[idx+1:]
}

// sanitizeSessionName keeps only alphanumerics, '-', '_', and '.',
// matching the conservative tag-safe charset used elsewhere in the
// engine's source_tag/instance_id identifiers.
func sanitizeSessionName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}
