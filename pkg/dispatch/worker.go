package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency      = 4
	defaultRecoveryInterval = 30 * time.Second
	dequeueRetryDelay       = time.Second
)

// Driver advances a run until it is terminal or ctx is done.
type Driver interface {
	Drive(ctx context.Context, runID string) (*store.Run, error)
}

// Worker consumes run ids from a queue and drives them with bounded
// concurrency. A periodic recovery pass re-enqueues pending runs and
// running runs that have gone stale, e.g. after a crash or a lost in-memory
// queue.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// WorkerOption configures a Worker.
type WorkerOption func(*worker)

// WithStaleAfter sets how long a running run may go without a store write
// before the recovery pass re-enqueues it. Defaults to the recovery
// interval.
func WithStaleAfter(d time.Duration) WorkerOption {
	return func(w *worker) {
		w.staleAfter = d
	}
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log              logrus.FieldLogger
	store            store.Store
	queue            Queue
	driver           Driver
	concurrency      int
	recoveryInterval time.Duration
	staleAfter       time.Duration
	now              func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  errgroup.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewWorker creates a new worker pool.
func NewWorker(
	log logrus.FieldLogger,
	st store.Store,
	queue Queue,
	driver Driver,
	concurrency int,
	recoveryInterval time.Duration,
	opts ...WorkerOption,
) Worker {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	if recoveryInterval <= 0 {
		recoveryInterval = defaultRecoveryInterval
	}

	w := &worker{
		log:              log.WithField("component", "worker"),
		store:            st,
		queue:            queue,
		driver:           driver,
		concurrency:      concurrency,
		recoveryInterval: recoveryInterval,
		staleAfter:       recoveryInterval,
		now:              time.Now,
		inFlight:         make(map[string]struct{}, concurrency),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.group.SetLimit(concurrency)

	return w
}

// Start launches the consume loop and the recovery loop. It does not block.
func (w *worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.log.WithFields(logrus.Fields{
		"concurrency":       w.concurrency,
		"recovery_interval": w.recoveryInterval.String(),
		"stale_after":       w.staleAfter.String(),
	}).Info("Starting worker")

	w.wg.Add(2)

	go func() {
		defer w.wg.Done()

		w.consume(ctx)
	}()

	go func() {
		defer w.wg.Done()

		w.recover(ctx)

		ticker := time.NewTicker(w.recoveryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.recover(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop cancels in-flight drives and waits for them. Interrupted runs keep
// their stored state and are picked up by the next recovery pass.
func (w *worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	w.wg.Wait()

	if err := w.group.Wait(); err != nil {
		return err
	}

	w.log.Info("Worker stopped")

	return nil
}

func (w *worker) consume(ctx context.Context) {
	for {
		runID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}

			w.log.WithError(err).Warn("Dequeue failed")

			select {
			case <-time.After(dequeueRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		if !w.acquire(runID) {
			w.log.WithField("run_id", runID).Debug("Run already in flight, skipping")

			continue
		}

		// Blocks while the pool is full.
		w.group.Go(func() error {
			defer w.release(runID)

			w.drive(ctx, runID)

			return nil
		})
	}
}

func (w *worker) drive(ctx context.Context, runID string) {
	log := w.log.WithField("run_id", runID)
	start := time.Now()

	run, err := w.driver.Drive(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Run interrupted by shutdown")

			return
		}

		if store.IsNotFound(err) {
			log.Warn("Queued run no longer exists")

			return
		}

		log.WithError(err).Error("Driving run failed")

		return
	}

	log.WithFields(logrus.Fields{
		"status":   run.Status,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Run finished")
}

// recover re-enqueues pending runs and running runs without a write for
// staleAfter. Runs driven by this worker are skipped.
func (w *worker) recover(ctx context.Context) {
	pending, err := w.store.ListRunIDsByStatus(ctx, store.RunStatusPending)
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Warn("Listing pending runs failed")
		}

		return
	}

	stale, err := w.store.ListStaleRunIDs(ctx,
		w.now().Add(-w.staleAfter), store.RunStatusRunning)
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Warn("Listing stale runs failed")
		}

		return
	}

	requeued := 0

	for _, id := range append(pending, stale...) {
		if w.isInFlight(id) {
			continue
		}

		if err := w.queue.Enqueue(ctx, id); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrQueueClosed) {
				w.log.WithError(err).WithField("run_id", id).Warn("Re-enqueueing run failed")
			}

			return
		}

		requeued++
	}

	if requeued == 0 {
		return
	}

	entry := w.log.WithFields(logrus.Fields{
		"pending": len(pending),
		"stale":   len(stale),
	})

	if depth, err := w.queue.Len(ctx); err == nil {
		entry = entry.WithField("queued", depth)
	}

	entry.Debug("Recovery pass re-enqueued runs")
}

func (w *worker) acquire(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.inFlight[runID]; ok {
		return false
	}

	w.inFlight[runID] = struct{}{}

	return true
}

func (w *worker) release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.inFlight, runID)
}

func (w *worker) isInFlight(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.inFlight[runID]

	return ok
}
