// SAP directory (spec §6 "SAP (in)"): parses Session Announcement
// Protocol multicast packets, extracts the embedded SDP, and resolves
// (SSRC, endpoint) to StreamProperties for the receiver base. SDP
// parsing is grounded on github.com/pion/sdp/v3, already an indirect
// dependency of the teacher's go.mod (pulled in by its SIP stack) and
// promoted here to a direct one.
package rtpio

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

// SAP multicast groups and port (spec §6).
const (
	SAPGroupA = "224.2.127.254"
	SAPGroupB = "224.0.0.56"
	SAPPort   = 9875
)

const sapMimePrefix = "application/sdp"

// SAPDirectory resolves SSRCs announced over SAP to StreamProperties.
// It implements the receiver package's SAPResolver interface
// structurally (no import cycle: rtpio never imports receiver).
type SAPDirectory struct {
	mu     sync.RWMutex
	bySSRC map[uint32]types.StreamProperties
	local  *LocalSSRCRegistry
	log    *slog.Logger
}

// NewSAPDirectory builds an empty directory. local may be nil, in which
// case a private registry is created (spec §9: "a fresh instance per
// process suffices").
func NewSAPDirectory(local *LocalSSRCRegistry, log *slog.Logger) *SAPDirectory {
	if log == nil {
		log = slog.Default()
	}
	if local == nil {
		local = NewLocalSSRCRegistry()
	}
	return &SAPDirectory{bySSRC: make(map[uint32]types.StreamProperties), local: local, log: log}
}

// Lookup implements receiver.SAPResolver. remoteAddr is accepted for
// interface compatibility but unused: SAP announcements key on the
// SDP origin's session ID (the SSRC), not on the RTP socket address,
// which may differ from the announcement's own source.
func (d *SAPDirectory) Lookup(ssrc uint32, remoteAddr string) (types.StreamProperties, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	props, ok := d.bySSRC[ssrc]
	return props, ok
}

// HandleDatagram processes one SAP multicast datagram: strips the SAP
// header, parses the embedded SDP, and records (or ignores, if
// self-authored) the resulting StreamProperties.
func (d *SAPDirectory) HandleDatagram(data []byte) {
	sdpText, err := stripSAPHeader(data)
	if err != nil {
		d.log.Debug("sap directory dropping malformed packet", "error", err)
		return
	}
	var sess sdp.SessionDescription
	if err := sess.Unmarshal(sdpText); err != nil {
		d.log.Debug("sap directory failed to parse sdp", "error", err)
		return
	}

	ssrc := uint32(sess.Origin.SessionID)
	if d.local.IsLocal(ssrc) {
		return
	}

	props := parseStreamProperties(sess)
	d.mu.Lock()
	d.bySSRC[ssrc] = props
	d.mu.Unlock()
}

// stripSAPHeader removes the fixed RFC 2974 SAP header, any
// authentication data, and an optional "application/sdp\0" payload-type
// string, returning the raw SDP text.
func stripSAPHeader(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("rtpio: sap packet too short")
	}
	flags := data[0]
	authLen := int(data[1])
	addrLen := 4
	if flags&0x10 != 0 { // A bit: IPv6 originating source
		addrLen = 16
	}
	offset := 4 + addrLen + authLen*4
	if offset > len(data) {
		return nil, fmt.Errorf("rtpio: sap packet header overruns payload")
	}
	rest := data[offset:]
	if idx := bytes.IndexByte(rest, 0); idx >= 0 && strings.HasPrefix(string(rest[:idx]), sapMimePrefix) {
		rest = rest[idx+1:]
	}
	return rest, nil
}

// parseStreamProperties extracts routing hints and the first audio
// media description's format from a parsed SDP session. The GUID hint
// is read at session level, or from that audio media section when the
// session carries none; the target hint is read at session level only.
func parseStreamProperties(sess sdp.SessionDescription) types.StreamProperties {
	var props types.StreamProperties
	if guid, ok := attrValue(sess.Attributes, "x-screamrouter-guid"); ok {
		props.GUID = guid
	}
	if target, ok := attrValue(sess.Attributes, "x-screamrouter-target"); ok {
		props.SessionName = target
	} else {
		props.SessionName = string(sess.SessionName)
	}

	for _, md := range sess.MediaDescriptions {
		if md.MediaName.Media != "audio" || len(md.MediaName.Formats) == 0 {
			continue
		}
		applyMediaProperties(&props, md.MediaName.Formats[0], md.Attributes)
		if props.GUID == "" {
			if guid, ok := attrValue(md.Attributes, "x-screamrouter-guid"); ok {
				props.GUID = guid
			}
		}
		break
	}
	props.Confidence = 1.0
	props.Resolved = props.SampleRate > 0
	return props
}

func applyMediaProperties(props *types.StreamProperties, pt string, attrs []sdp.Attribute) {
	if rtpmap, ok := findAttrForPT(attrs, "rtpmap", pt); ok {
		parts := strings.SplitN(rtpmap, "/", 3)
		if len(parts) >= 1 {
			props.Codec = strings.ToLower(parts[0])
		}
		if len(parts) >= 2 {
			if rate, err := strconv.Atoi(parts[1]); err == nil {
				props.SampleRate = rate
			}
		}
		if len(parts) >= 3 {
			if ch, err := strconv.Atoi(parts[2]); err == nil {
				props.Channels = ch
			}
		}
	}
	if props.Codec == "" {
		if ptNum, err := strconv.Atoi(pt); err == nil {
			props.Codec = defaultCodecForPT(ptNum)
		}
	}
	if props.Channels == 0 {
		props.Channels = 2
	}
	if props.BitDepth == 0 {
		props.BitDepth = 16
	}

	fmtp, ok := findAttrForPT(attrs, "fmtp", pt)
	if !ok {
		return
	}
	for _, kv := range strings.Split(fmtp, ";") {
		parts := strings.SplitN(strings.TrimSpace(kv), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.ToLower(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1])
		switch key {
		case "streams":
			if n, err := strconv.Atoi(val); err == nil {
				props.OpusStreams = n
			}
		case "coupledstreams":
			if n, err := strconv.Atoi(val); err == nil {
				props.OpusCoupled = n
			}
		case "channelmapping":
			props.OpusMapping = parseChannelMapping(val)
		case "mappingfamily":
			if n, err := strconv.Atoi(val); err == nil {
				props.OpusMappingFam = n
			}
		case "stereo", "sprop-stereo":
			if val == "1" {
				props.Channels = 2
			}
		}
	}
}

func parseChannelMapping(val string) []byte {
	fields := strings.Split(val, ",")
	mapping := make([]byte, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil
		}
		mapping = append(mapping, byte(n))
	}
	return mapping
}

func defaultCodecForPT(pt int) string {
	switch pt {
	case 0:
		return "pcmu"
	case 8:
		return "pcma"
	case 10, 11, 127:
		return "pcm"
	case 111:
		return "opus"
	default:
		return "pcm"
	}
}

func findAttrForPT(attrs []sdp.Attribute, key, pt string) (string, bool) {
	prefix := pt + " "
	for _, a := range attrs {
		if a.Key == key && strings.HasPrefix(a.Value, prefix) {
			return strings.TrimPrefix(a.Value, prefix), true
		}
	}
	return "", false
}

func attrValue(attrs []sdp.Attribute, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// ListenAndServe joins both SAP multicast groups and feeds every
// datagram received to HandleDatagram until stop is closed.
func (d *SAPDirectory) ListenAndServe(stop <-chan struct{}) error {
	groups := []string{SAPGroupA, SAPGroupB}
	conns := make([]*net.UDPConn, 0, len(groups))
	for _, group := range groups {
		conn, err := joinSAPGroup(group)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("rtpio: join sap group %s: %w", group, err)
		}
		conns = append(conns, conn)
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *net.UDPConn) {
			defer wg.Done()
			defer c.Close()
			d.readLoop(c, stop)
		}(conn)
	}
	wg.Wait()
	return nil
}

func (d *SAPDirectory) readLoop(conn *net.UDPConn, stop <-chan struct{}) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.log.Debug("sap directory read error", "error", err)
			continue
		}
		d.HandleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func joinSAPGroup(group string) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(group), Port: SAPPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(1024 * 1024)
	return conn, nil
}
