package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue hands run ids from the API to the workers. Delivery is at least
// once; the worker tolerates duplicates.
type Queue interface {
	// Enqueue schedules runID for driving. It is a no-op while runID is
	// already waiting in the queue.
	Enqueue(ctx context.Context, runID string) error
	// Dequeue blocks until a run id is available, ctx is done or the
	// queue is closed.
	Dequeue(ctx context.Context) (string, error)
	// Len returns the number of waiting run ids.
	Len(ctx context.Context) (int64, error)
	// Close releases the queue. Blocked Dequeue calls return ErrQueueClosed.
	Close() error
}

// NewQueue creates the queue selected by cfg.
func NewQueue(log logrus.FieldLogger, cfg *config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(defaultMemoryQueueSize), nil
	case "redis":
		return NewRedisQueue(log, &cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
