package rtpio

import (
	"encoding/binary"

	"github.com/zaf/g711"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

// PayloadType is a canonicalized RTP payload type: the raw wire type
// folded down to the handler that owns it (spec §4.3).
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadPCM
	PayloadPCMU
	PayloadPCMA
	PayloadOpus
)

// CanonicalizePayloadType folds a wire RTP payload type number to the
// handler that owns it. Static types per RFC 3551 plus the screamrouter
// Opus convention (dynamic PT 111); identifiers 10 and 11 (L16
// stereo/mono) collapse onto the PCM handler, as does any dynamic PT in
// 96-127 when probing is enabled on that listening port.
func CanonicalizePayloadType(wireType uint8, probingPort bool) PayloadType {
	switch wireType {
	case 0:
		return PayloadPCMU
	case 8:
		return PayloadPCMA
	case 10, 11, 127:
		return PayloadPCM
	case 111:
		return PayloadOpus
	}
	if probingPort && wireType >= 96 && wireType <= 127 {
		return PayloadPCM
	}
	return PayloadUnknown
}

// DefaultChannelMask returns the WAVEFORMATEXTENSIBLE speaker mask used
// when neither SAP nor auto-probe supplies one, keyed by channel count.
// Matches the canonical layouts also used by the speaker-mix stage.
func DefaultChannelMask(channels int) uint16 {
	switch channels {
	case 1:
		return 0x0004 // FC
	case 2:
		return 0x0003 // FL | FR
	case 4:
		return 0x0033 // FL FR BL BR
	case 6:
		return 0x003F // 5.1
	case 8:
		return 0x063F // 7.1
	default:
		return 0x0003
	}
}

// DecodePCM copies an L16/L24/L32 payload to little-endian interleaved
// PCM, byte-swapping if the wire format is big-endian (per RFC 3551, RTP
// PCM payloads are network byte order / big-endian on the wire).
func DecodePCM(payload []byte, bitDepth int, wireBigEndian bool) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	if !wireBigEndian {
		return out
	}
	bytesPerSample := bitDepth / 8
	if bytesPerSample < 2 {
		return out
	}
	for i := 0; i+bytesPerSample <= len(out); i += bytesPerSample {
		for l, r := i, i+bytesPerSample-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}
	return out
}

// DecodePCMU table-decodes a mu-law payload to 16-bit LE PCM.
func DecodePCMU(payload []byte) []byte {
	samples := g711.DecodeUlaw(payload)
	return int16sToLE(samples)
}

// DecodePCMA table-decodes an a-law payload to 16-bit LE PCM.
func DecodePCMA(payload []byte) []byte {
	samples := g711.DecodeAlaw(payload)
	return int16sToLE(samples)
}

func int16sToLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeStatic fills a TaggedAudioPacket's AudioData/format fields given
// a canonicalized payload type and the StreamProperties resolved for
// this source (SAP or auto-probe). It does not handle Opus, which needs
// per-SSRC decoder state; see the opus_*.go files.
func DecodeStatic(pt PayloadType, payload []byte, props types.StreamProperties) (audioData []byte, channels, bitDepth, sampleRate int, ok bool) {
	switch pt {
	case PayloadPCM:
		channels, bitDepth, sampleRate = pcmDefaults(props)
		return DecodePCM(payload, bitDepth, true), channels, bitDepth, sampleRate, true
	case PayloadPCMU:
		channels = orDefault(props.Channels, 1)
		sampleRate = orDefault(props.SampleRate, 8000)
		return DecodePCMU(payload), channels, 16, sampleRate, true
	case PayloadPCMA:
		channels = orDefault(props.Channels, 1)
		sampleRate = orDefault(props.SampleRate, 8000)
		return DecodePCMA(payload), channels, 16, sampleRate, true
	default:
		return nil, 0, 0, 0, false
	}
}

func pcmDefaults(props types.StreamProperties) (channels, bitDepth, sampleRate int) {
	return orDefault(props.Channels, 2), orDefault(props.BitDepth, 16), orDefault(props.SampleRate, 48000)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
