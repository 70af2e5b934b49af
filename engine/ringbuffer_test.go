package engine

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rbEvent(i int) OutputEvent {
	return OutputEvent{Type: EventStdout, Data: []byte(strconv.Itoa(i))}
}

func TestRingBufferPartialFill(t *testing.T) {
	rb := newRingBuffer(5)
	for i := 0; i < 3; i++ {
		rb.Write(rbEvent(i))
	}
	snap := rb.Snapshot()
	require.Len(t, snap, 3)
	for i, ev := range snap {
		assert.Equal(t, strconv.Itoa(i), string(ev.Data))
	}
}

func TestRingBufferWraparoundKeepsNewest(t *testing.T) {
	rb := newRingBuffer(4)
	for i := 0; i < 10; i++ {
		rb.Write(rbEvent(i))
	}
	snap := rb.Snapshot()
	require.Len(t, snap, 4)
	for i, ev := range snap {
		assert.Equal(t, strconv.Itoa(6+i), string(ev.Data), "snapshot must be chronological")
	}
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	rb := newRingBuffer(0)
	rb.Write(rbEvent(1))
	rb.Write(rbEvent(2))
	snap := rb.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "2", string(snap[0].Data))
}
