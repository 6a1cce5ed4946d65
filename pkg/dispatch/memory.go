package dispatch

import (
	"context"
	"sync"
)

const defaultMemoryQueueSize = 1024

// Compile-time interface check.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-process FIFO queue. Ids enqueued here are lost on
// restart; the worker's recovery pass re-enqueues unfinished runs.
type MemoryQueue struct {
	items chan string
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	queued map[string]struct{}
}

// NewMemoryQueue creates a queue holding up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}

	return &MemoryQueue{
		items:  make(chan string, size),
		done:   make(chan struct{}),
		queued: make(map[string]struct{}, size),
	}
}

// Enqueue blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, runID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if !q.mark(runID) {
		return nil
	}

	select {
	case q.items <- runID:
		return nil
	case <-q.done:
		q.unmark(runID)

		return ErrQueueClosed
	case <-ctx.Done():
		q.unmark(runID)

		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case runID := <-q.items:
		q.unmark(runID)

		return runID, nil
	case <-q.done:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })

	return nil
}

// mark records runID as waiting. It reports false if it already was.
func (q *MemoryQueue) mark(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[runID]; ok {
		return false
	}

	q.queued[runID] = struct{}{}

	return true
}

func (q *MemoryQueue) unmark(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queued, runID)
}
