package frame

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("frame: queue closed")

// Frame is one encoded capture waiting to be sent.
type Frame struct {
	Seq        uint64
	SessionID  string
	CapturedAt time.Time
	Payload    string
}

// Queue is a bounded FIFO between the capture ticker and the socket writer.
// Push never blocks: when full, the oldest frame is dropped to make room, so
// a slow backend sees the freshest frames rather than a growing backlog.
// Any number of goroutines may Push; only one may Pop.
type Queue struct {
	mu     sync.Mutex
	items  []Frame
	head   int
	size   int
	closed bool
	notify chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends f and reports whether an older frame was dropped for it.
// Pushing to a closed queue drops f.
func (q *Queue) Push(f Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	if q.size == len(q.items) {
		q.items[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
		dropped = true
	}
	q.items[(q.head+q.size)%len(q.items)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a frame is available, the queue is closed or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.items[q.head]
			q.items[q.head] = Frame{}
			q.head = (q.head + 1) % len(q.items)
			q.size--
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Frame{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Clear discards every queued frame and returns how many were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for i := 0; i < q.size; i++ {
		q.items[(q.head+i)%len(q.items)] = Frame{}
	}
	q.head, q.size = 0, 0
	return n
}

// Close wakes blocked consumers. Frames still queued can be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
