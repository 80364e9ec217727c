package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushUntilFull(t *testing.T) {
	q := New[int](2)
	require.Equal(t, Pushed, q.Push(1))
	require.Equal(t, Pushed, q.Push(2))
	require.Equal(t, QueueFull, q.Push(3))
	assert.Equal(t, 2, q.Len())
}

func TestPopOrdersFIFO(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTrimPushDropsOldest(t *testing.T) {
	q := New[int](10)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	dropped, result := q.TrimPush(99, 3)
	assert.Equal(t, Pushed, result)
	assert.Equal(t, 3, dropped) // 5 -> need < 3 before push, so drop 3 (5,4,3 leaving 2 items)
	assert.Equal(t, 3, q.Len())
	v, _ := q.Pop()
	assert.Equal(t, 3, v)
}

func TestStopRejectsPushAndDrainsThenEmpty(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Stop()
	assert.Equal(t, QueueStopped, q.Push(2))
	v, ok := q.Pop()
	assert.False(t, ok)
	assert.Zero(t, v)
}
