package rtpio

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/screamrouter/audioengine/internal/engine/types"
)

func TestCanonicalizePayloadType(t *testing.T) {
	assert.Equal(t, PayloadPCMU, CanonicalizePayloadType(0, false))
	assert.Equal(t, PayloadPCMA, CanonicalizePayloadType(8, false))
	assert.Equal(t, PayloadPCM, CanonicalizePayloadType(10, false))
	assert.Equal(t, PayloadPCM, CanonicalizePayloadType(11, false))
	assert.Equal(t, PayloadOpus, CanonicalizePayloadType(111, false))
	assert.Equal(t, PayloadUnknown, CanonicalizePayloadType(97, false))
	assert.Equal(t, PayloadPCM, CanonicalizePayloadType(97, true))
}

func TestDecodePCMByteSwapsBigEndianWire(t *testing.T) {
	// One 16-bit big-endian sample 0x0102 on the wire -> LE bytes {0x02, 0x01}.
	got := DecodePCM([]byte{0x01, 0x02}, 16, true)
	assert.Equal(t, []byte{0x02, 0x01}, got)
}

func TestDecodePCMLeavesLittleEndianWireAlone(t *testing.T) {
	got := DecodePCM([]byte{0x02, 0x01}, 16, false)
	assert.Equal(t, []byte{0x02, 0x01}, got)
}

func TestDecodePCMUSignBits(t *testing.T) {
	// Spec scenario: 0xFF -> LE int16 0x0000; 0x80 -> 0x7FFF (sign bit inverted).
	out := DecodePCMU([]byte{0xFF, 0x80})
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x7F}, out)
}

func TestDefaultChannelMask(t *testing.T) {
	assert.Equal(t, uint16(0x0003), DefaultChannelMask(2))
	assert.Equal(t, uint16(0x003F), DefaultChannelMask(6))
}

func TestDecodeStaticPCMUAppliesDefaults(t *testing.T) {
	data, channels, bitDepth, rate, ok := DecodeStatic(PayloadPCMU, []byte{0xFF, 0xFF}, types.StreamProperties{})
	assert.True(t, ok)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 16, bitDepth)
	assert.Equal(t, 8000, rate)
	assert.Len(t, data, 4)
}
