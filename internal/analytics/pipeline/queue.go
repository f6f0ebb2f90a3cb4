package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Queue is the bounded hand-off between sample sources and the pipeline
// goroutine. Producers never block: when the queue is full the oldest
// sample is dropped and counted.
type Queue struct {
	mu     sync.Mutex
	buf    []telemetry.Sample
	head   int
	n      int
	closed bool

	ready   chan struct{}
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most size samples.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		buf:   make([]telemetry.Sample, size),
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues s. It reports whether an older sample was dropped to make
// room. Pushing to a closed queue is a no-op.
func (q *Queue) Push(s telemetry.Sample) (overflow bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		overflow = true
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.n)%len(q.buf)] = s
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return overflow
}

// TryPop removes the oldest sample without waiting.
func (q *Queue) TryPop() (telemetry.Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return telemetry.Sample{}, false
	}
	s := q.buf[q.head]
	q.buf[q.head] = telemetry.Sample{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return s, true
}

// Pop waits for a sample. It returns false once ctx is done, or once the
// queue is closed and empty.
func (q *Queue) Pop(ctx context.Context) (telemetry.Sample, bool) {
	for {
		if ctx.Err() != nil {
			return telemetry.Sample{}, false
		}
		if s, ok := q.TryPop(); ok {
			return s, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return telemetry.Sample{}, false
		}
		select {
		case <-ctx.Done():
			return telemetry.Sample{}, false
		case <-q.ready:
		}
	}
}

// Discard empties the queue and returns how many samples were removed.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.n
	for i := range q.buf {
		q.buf[i] = telemetry.Sample{}
	}
	q.head, q.n = 0, 0
	return n
}

// Close stops accepting samples and wakes a waiting Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns the number of samples lost to overflow.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
