// Package wire implements the Scream on-wire frame format: a 5-byte
// header (sample rate, bit depth, channel count, channel mask) followed
// by exactly 1152 bytes of interleaved PCM (spec §6).
package wire

import "fmt"

// HeaderSize and FrameSize are the fixed Scream frame dimensions.
const (
	HeaderSize  = 5
	PayloadSize = 1152
	FrameSize   = HeaderSize + PayloadSize
)

// Header is the 5-byte Scream frame header, in on-wire field order.
type Header struct {
	SampleRate int
	BitDepth   int
	Channels   int
	ChLayout1  byte
	ChLayout2  byte
}

// Encode builds the 5 on-wire header bytes. Byte 0's high bit is 1 iff
// the rate is a 44.1kHz-family multiple; its low 7 bits are
// base_rate/rate where base_rate is 48000 or 44100 respectively (spec
// §6, verified against the two worked examples in spec §8).
func (h Header) Encode() ([HeaderSize]byte, error) {
	b0, err := encodeSampleRateByte(h.SampleRate)
	if err != nil {
		return [HeaderSize]byte{}, err
	}
	if h.BitDepth <= 0 || h.BitDepth > 255 {
		return [HeaderSize]byte{}, fmt.Errorf("wire: bit depth out of range: %d", h.BitDepth)
	}
	if h.Channels <= 0 || h.Channels > 255 {
		return [HeaderSize]byte{}, fmt.Errorf("wire: channel count out of range: %d", h.Channels)
	}
	return [HeaderSize]byte{b0, byte(h.BitDepth), byte(h.Channels), h.ChLayout1, h.ChLayout2}, nil
}

func encodeSampleRateByte(rate int) (byte, error) {
	is44Family := rate%44100 == 0 && rate > 0
	is48Family := rate%48000 == 0 && rate > 0
	switch {
	case is48Family:
		div := rate / 48000
		if div <= 0 || div > 0x7F {
			return 0, fmt.Errorf("wire: sample rate %d out of encodable range", rate)
		}
		return byte(div), nil
	case is44Family:
		div := rate / 44100
		if div <= 0 || div > 0x7F {
			return 0, fmt.Errorf("wire: sample rate %d out of encodable range", rate)
		}
		return 0x80 | byte(div), nil
	default:
		return 0, fmt.Errorf("wire: sample rate %d is neither a 48kHz nor 44.1kHz multiple", rate)
	}
}

// Decode parses a 5-byte Scream header.
func Decode(b [HeaderSize]byte) Header {
	rate := 48000
	div := int(b[0] & 0x7F)
	if div == 0 {
		div = 1
	}
	if b[0]&0x80 != 0 {
		rate = 44100 * div
	} else {
		rate = 48000 * div
	}
	return Header{
		SampleRate: rate,
		BitDepth:   int(b[1]),
		Channels:   int(b[2]),
		ChLayout1:  b[3],
		ChLayout2:  b[4],
	}
}

// BuildFrame prepends the encoded header to exactly PayloadSize bytes
// of payload, producing the full FrameSize-byte wire frame.
func BuildFrame(h Header, payload []byte) ([]byte, error) {
	if len(payload) != PayloadSize {
		return nil, fmt.Errorf("wire: payload must be exactly %d bytes, got %d", PayloadSize, len(payload))
	}
	hdr, err := h.Encode()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, FrameSize)
	frame = append(frame, hdr[:]...)
	frame = append(frame, payload...)
	return frame, nil
}
