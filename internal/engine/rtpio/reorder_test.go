package rtpio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqs(pkts []Packet) []uint16 {
	out := make([]uint16, len(pkts))
	for i, p := range pkts {
		out[i] = p.SequenceNumber
	}
	return out
}

func TestReorderingBufferPermutation(t *testing.T) {
	b := New()
	now := time.Now()
	b.AddPacket(Packet{SequenceNumber: 102, ReceivedTime: now})
	b.AddPacket(Packet{SequenceNumber: 100, ReceivedTime: now})
	b.AddPacket(Packet{SequenceNumber: 101, ReceivedTime: now})

	ready := b.ReadyPackets()
	assert.Equal(t, []uint16{100, 101, 102}, seqs(ready))
}

func TestReorderingBufferSkipsGapImmediately(t *testing.T) {
	b := New()
	now := time.Now()
	b.AddPacket(Packet{SequenceNumber: 100, ReceivedTime: now})
	first := b.ReadyPackets()
	require.Equal(t, []uint16{100}, seqs(first))

	// 101 never arrives; 102 does.
	b.AddPacket(Packet{SequenceNumber: 102, ReceivedTime: now})
	second := b.ReadyPackets()
	assert.Equal(t, []uint16{102}, seqs(second))
}

func TestReorderingBufferSequenceWrap(t *testing.T) {
	b := New()
	now := time.Now()
	for _, s := range []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001} {
		b.AddPacket(Packet{SequenceNumber: s, ReceivedTime: now})
	}
	ready := b.ReadyPackets()
	assert.Equal(t, []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001}, seqs(ready))
}

func TestReorderingBufferDropsDuplicateAndStale(t *testing.T) {
	b := New()
	now := time.Now()
	b.AddPacket(Packet{SequenceNumber: 10, ReceivedTime: now})
	b.ReadyPackets() // advances next_expected_seq to 11

	b.AddPacket(Packet{SequenceNumber: 10, ReceivedTime: now}) // stale
	b.AddPacket(Packet{SequenceNumber: 11, ReceivedTime: now})
	b.AddPacket(Packet{SequenceNumber: 11, ReceivedTime: now}) // duplicate

	ready := b.ReadyPackets()
	assert.Equal(t, []uint16{11}, seqs(ready))
}

func TestReorderingBufferEvictsOldestWhenFull(t *testing.T) {
	b := New()
	b.maxSize = 4
	now := time.Now()
	b.AddPacket(Packet{SequenceNumber: 1, ReceivedTime: now})
	// Fill with out-of-order packets; ReadyPackets is never called, so
	// nothing drains and adding 2 evicts the oldest stored packet (1).
	for _, s := range []uint16{5, 4, 3, 2} {
		b.AddPacket(Packet{SequenceNumber: s, ReceivedTime: now})
	}
	assert.LessOrEqual(t, b.Size(), 4)
}

func TestResetClearsState(t *testing.T) {
	b := New()
	b.AddPacket(Packet{SequenceNumber: 5, ReceivedTime: time.Now()})
	b.Reset()
	assert.Equal(t, 0, b.Size())
	assert.False(t, b.inited)
}
