package pipeline

import (
	"context"
	"fmt"

	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
)

// Enqueuer hands a run over to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID string) error
}

// Result is the state of a run as reported to callers. Verdict is set once
// the run has succeeded.
type Result struct {
	Run     *store.Run `json:"run"`
	Verdict *Verdict   `json:"verdict,omitempty"`
}

// Service is the entry point used by the API and the CLI.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
	queue Enqueuer
}

// NewService creates a Service. queue may be nil when runs are driven
// synchronously by the caller.
func NewService(log logrus.FieldLogger, st store.Store, queue Enqueuer) *Service {
	return &Service{
		log:   log.WithField("component", "service"),
		store: st,
		queue: queue,
	}
}

// Submit validates raw, creates a run and enqueues it. Invalid input is
// rejected with a *ValidationError before any run exists. A failed enqueue
// is logged but not returned: the run is persisted as pending and the
// workers' recovery loop picks it up.
func (s *Service) Submit(ctx context.Context, raw string) (*store.Run, error) {
	normalized, err := ValidateURL(raw)
	if err != nil {
		return nil, err
	}

	run, err := s.store.CreateRun(ctx, normalized)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"url":    run.URL,
	})

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, run.RunID); err != nil {
			log.WithError(err).Warn("Failed to enqueue run, leaving it for recovery")

			return run, nil
		}
	}

	log.Info("Run submitted")

	return run, nil
}

// Get returns the run and, when it succeeded, its verdict.
func (s *Service) Get(ctx context.Context, runID string) (*Result, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return ResultFromRun(run)
}

// ResultFromRun builds a Result from a loaded run.
func ResultFromRun(run *store.Run) (*Result, error) {
	verdict, err := VerdictFromRun(run)
	if err != nil {
		return nil, fmt.Errorf("reading verdict: %w", err)
	}

	return &Result{Run: run, Verdict: verdict}, nil
}

// Cancel requests cancellation of a run. The run stops before its next
// stage; a stage already running is allowed to finish.
func (s *Service) Cancel(ctx context.Context, runID string) (*store.Run, error) {
	run, err := s.store.RequestCancel(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.WithField("run_id", runID).Info("Run cancellation requested")

	return run, nil
}

// ListByURL returns recent runs for raw, which is normalized first.
func (s *Service) ListByURL(ctx context.Context, raw string, limit int) ([]store.Run, error) {
	normalized, err := ValidateURL(raw)
	if err != nil {
		return nil, err
	}

	return s.store.ListRunsByURL(ctx, normalized, limit)
}
