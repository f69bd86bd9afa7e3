package router

import (
	"sync"
)

// GrowableBuffer is a FIFO between the router loop and one consumer.
// It doubles when full until maxCapacity, then drops the oldest item, so
// Send never blocks the router loop.
type GrowableBuffer[T any] struct {
	mu          sync.Mutex
	buf         []T
	head        int
	count       int
	maxCapacity int
	closed      bool
	ready       chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// NewGrowableBuffer creates a buffer. maxCapacity < initialCapacity means
// the buffer never grows.
func NewGrowableBuffer[T any](initialCapacity, maxCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	return &GrowableBuffer[T]{
		buf:         make([]T, initialCapacity),
		maxCapacity: maxCapacity,
		ready:       make(chan struct{}, 1),
	}
}

// Send appends item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.count == len(b.buf) {
		if len(b.buf) < b.maxCapacity {
			b.grow()
		} else {
			var zero T
			b.buf[b.head] = zero
			b.head = (b.head + 1) % len(b.buf)
			b.count--
			b.dropped++
		}
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.totalReceived++

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after Send. Consumers select on it and then drain.
func (b *GrowableBuffer[T]) Ready() <-chan struct{} {
	return b.ready
}

// TryReceive removes the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	return item, true
}

// DrainTo removes up to max items (all if max <= 0), oldest first.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	n := b.count
	if max > 0 && max < n {
		n = max
	}

	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = b.buf[b.head]
		b.buf[b.head] = zero
		b.head = (b.head + 1) % len(b.buf)
	}
	b.count -= n
	b.totalSent += int64(n)
	return out
}

// Close stops accepting items. Buffered items can still be drained.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ready)
}

// Closed reports whether Close was called.
func (b *GrowableBuffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// grow doubles capacity up to maxCapacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCap := len(b.buf) * 2
	if newCap > b.maxCapacity {
		newCap = b.maxCapacity
	}
	newBuf := make([]T, newCap)
	for i := 0; i < b.count; i++ {
		newBuf[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.buf = newBuf
	b.head = 0
	b.resizeCount++
}
