package audio

import "sync"

// FrameQueue is a bounded FIFO bridging the hardware callback thread to
// consumers on the async side. Push never blocks: when the queue is full the
// oldest frame is discarded, trading bounded staleness for a callback that
// always returns within microseconds. TryPop likewise never blocks.
//
// Safe for one producer and any number of consumers.
type FrameQueue struct {
	mu      sync.Mutex
	buf     []Frame
	head    int
	size    int
	dropped uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{buf: make([]Frame, capacity)}
}

// Push enqueues f, evicting the oldest frame when full. Never blocks.
func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	if q.size == len(q.buf) {
		// Overwrite the oldest entry.
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()
}

// TryPop dequeues the oldest frame if one is available. Never blocks.
func (q *FrameQueue) TryPop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, true
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many frames have been evicted since creation.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued frames.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.head = 0
	q.size = 0
	q.mu.Unlock()
}
