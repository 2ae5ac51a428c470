package session

import (
	"sync"

	"wishbridge/internal/protocol"
)

// RingBuffer is a fixed-capacity circular buffer of frames.
// It allows late subscribers to catch up on recent events.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []protocol.Frame
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]protocol.Frame, capacity),
		capacity: capacity,
	}
}

// Write adds a frame to the ring buffer.
func (rb *RingBuffer) Write(f protocol.Frame) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = f
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all frames in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []protocol.Frame {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]protocol.Frame, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]protocol.Frame, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
