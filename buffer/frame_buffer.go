package buffer

import (
	"errors"
	"fmt"
	"sync"

	"strzcam.com/livesign/frame"
)

var ErrInvalidCapacity = errors.New("buffer: invalid capacity")

// FrameBuffer holds the most recent frames of one connection in a ring of
// fixed capacity, replacing the oldest frame once full.
type FrameBuffer struct {
	mu        sync.Mutex
	data      []frame.Frame
	capacity  int
	retention int
	head      int // next write position
	size      int
	released  bool
}

// New creates a buffer of the given capacity. After every successful
// ExtractBatch only the newest retention frames are kept.
func New(capacity, retention int) (*FrameBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidCapacity, capacity)
	}
	if retention <= 0 || retention > capacity {
		return nil, fmt.Errorf("%w: retention %d with capacity %d", ErrInvalidCapacity, retention, capacity)
	}
	return &FrameBuffer{
		data:      make([]frame.Frame, capacity),
		capacity:  capacity,
		retention: retention,
	}, nil
}

// Ingest appends f, evicting the oldest frame when the buffer is full.
// Frames offered after Release are dropped.
func (b *FrameBuffer) Ingest(f frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.data[b.head] = f
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// ExtractBatch returns the newest size frames, oldest first, when at least
// size frames are buffered. On success the buffer is cut down to its
// retention window.
func (b *FrameBuffer) ExtractBatch(size int) (Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || size <= 0 || b.size < size {
		return Batch{}, false
	}
	frames := make([]frame.Frame, size)
	start := b.head - size
	for i := range frames {
		frames[i] = b.data[(start+i+b.capacity)%b.capacity]
	}
	b.truncate(b.retention)
	return Batch{frames: frames}, true
}

// truncate drops the oldest frames until at most keep remain.
func (b *FrameBuffer) truncate(keep int) {
	for b.size > keep {
		oldest := (b.head - b.size + b.capacity) % b.capacity
		b.data[oldest] = frame.Frame{}
		b.size--
	}
}

// Frames returns all buffered frames, oldest first.
func (b *FrameBuffer) Frames() []frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	result := make([]frame.Frame, b.size)
	start := b.head - b.size
	for i := range result {
		result[i] = b.data[(start+i+b.capacity)%b.capacity]
	}
	return result
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FrameBuffer) Cap() int {
	return b.capacity
}

func (b *FrameBuffer) Retention() int {
	return b.retention
}

// Reset empties the buffer.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = frame.Frame{}
	}
	b.size = 0
	b.head = 0
}

// Release drops every frame and turns later calls into no-ops.
func (b *FrameBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.data = nil
	b.size = 0
	b.head = 0
}

func (b *FrameBuffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
