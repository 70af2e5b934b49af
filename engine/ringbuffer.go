package engine

// ringBuffer is a fixed-capacity circular buffer of OutputEvents, used to
// replay recent output to late subscribers. Not goroutine-safe; the session
// guards it with its subscriber lock.
type ringBuffer struct {
	buf      []OutputEvent
	capacity int
	pos      int // next write position
	full     bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		buf:      make([]OutputEvent, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) Write(ev OutputEvent) {
	rb.buf[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Snapshot returns the buffered events in chronological order.
func (rb *ringBuffer) Snapshot() []OutputEvent {
	if !rb.full {
		out := make([]OutputEvent, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}
	out := make([]OutputEvent, rb.capacity)
	copy(out, rb.buf[rb.pos:])
	copy(out[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return out
}
