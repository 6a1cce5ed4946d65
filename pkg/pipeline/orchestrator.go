package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// ReasonCancelled is the failure reason of a cancelled run.
	ReasonCancelled = "run cancelled"

	// leaseGrace is added to a stage timeout before an in_progress record
	// is considered abandoned by a crashed process.
	leaseGrace = 5 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// VerdictArchiver receives the verdict of every run this process finishes.
type VerdictArchiver interface {
	ArchiveVerdict(ctx context.Context, run *store.Run, verdict *Verdict) error
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(sleep Sleeper) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithArchiver sets the verdict archive.
func WithArchiver(archiver VerdictArchiver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.archiver = archiver
	}
}

// Orchestrator drives runs through the stage sequence. All of its state
// lives in the run store, so any process can resume any run.
type Orchestrator struct {
	log      logrus.FieldLogger
	store    store.Store
	executor *Executor
	policy   Policy
	metrics  *Metrics
	sleep    Sleeper
	archiver VerdictArchiver
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	log logrus.FieldLogger,
	st store.Store,
	executor *Executor,
	policy Policy,
	metrics *Metrics,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		log:      log.WithField("component", "orchestrator"),
		store:    st,
		executor: executor,
		policy:   policy,
		metrics:  metrics,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

type waitKey struct {
	stage   store.StageName
	attempt int
}

// Drive runs the run to a terminal status and returns it. It returns early
// only when ctx is done or the run store fails; the run can then be resumed
// by calling Drive again, from this or any other process.
func (o *Orchestrator) Drive(ctx context.Context, runID string) (*store.Run, error) {
	log := o.log.WithField("run_id", runID)

	// The retry whose backoff has already elapsed.
	var waited waitKey

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}

		if run.Status.IsTerminal() {
			return run, nil
		}

		if run.CancelRequested {
			if err := o.finish(ctx, run, store.RunStatusFailed, ReasonCancelled); err != nil {
				if o.shouldReread(err) {
					continue
				}

				return nil, err
			}

			log.Info("Run cancelled")

			continue
		}

		if run.Status == store.RunStatusPending {
			if err := o.claim(ctx, run); err != nil {
				if o.shouldReread(err) {
					continue
				}

				return nil, err
			}

			log.Debug("Run claimed")

			continue
		}

		rec := nextStage(run)
		if rec == nil {
			if err := o.settle(ctx, run); err != nil && !o.shouldReread(err) {
				return nil, err
			}

			continue
		}

		policy := o.policy.For(rec.Name)

		if rec.Status == store.StageInProgress && rec.StartedAt != nil {
			lease := rec.StartedAt.Add(policy.Timeout + leaseGrace).Sub(o.now())
			if lease > 0 {
				// Another process may still be working on this attempt.
				if err := o.sleep(ctx, lease); err != nil {
					return nil, err
				}

				continue
			}
		}

		if rec.Status == store.StageFailedRetryable || rec.Status == store.StageInProgress {
			if rec.Name != store.StageFinalize && rec.AttemptCount >= policy.MaxAttempts {
				if err := o.exhaust(ctx, run, rec, policy); err != nil && !o.shouldReread(err) {
					return nil, err
				}

				continue
			}

			key := waitKey{stage: rec.Name, attempt: rec.AttemptCount}
			if waited != key {
				delay := policy.Backoff(rec.AttemptCount)

				log.WithFields(logrus.Fields{
					"stage":   rec.Name,
					"attempt": rec.AttemptCount,
					"delay":   delay,
				}).Debug("Backing off before retry")

				if err := o.sleep(ctx, delay); err != nil {
					return nil, err
				}

				waited = key

				// Re-read so that a cancellation during the backoff is seen.
				continue
			}
		}

		outcome, err := o.executor.Execute(ctx, runID, rec.Name)
		if err != nil {
			if o.shouldReread(err) {
				continue
			}

			return nil, err
		}

		if outcome.Stage == store.StageFinalize && outcome.Status == store.StageSucceeded {
			log.Info("Run succeeded")
			o.archive(ctx, outcome.Run)
		} else if outcome.Run.Status == store.RunStatusFailed {
			log.WithField("reason", outcome.Run.Reason).Warn("Run failed")
		}
	}
}

// nextStage returns the first stage that is not terminal.
func nextStage(run *store.Run) *store.StageRecord {
	for i := range run.Stages {
		if !run.Stages[i].Status.IsTerminal() {
			return &run.Stages[i]
		}
	}

	return nil
}

func (o *Orchestrator) claim(ctx context.Context, run *store.Run) error {
	_, err := o.store.UpdateRun(ctx, run.RunID, run.Version, func(r *store.Run) error {
		if r.Status != store.RunStatusPending {
			return errStale
		}

		r.Status = store.RunStatusRunning

		return nil
	})

	return err
}

func (o *Orchestrator) finish(
	ctx context.Context, run *store.Run, status store.RunStatus, reason string,
) error {
	updated, err := o.store.UpdateRun(ctx, run.RunID, run.Version, func(r *store.Run) error {
		if r.Status.IsTerminal() {
			return errStale
		}

		r.Status = status
		r.Reason = reason

		return nil
	})
	if err != nil {
		return err
	}

	o.metrics.runFinished(updated.Status)

	return nil
}

// settle finishes a run whose stages are all terminal but whose status was
// never updated.
func (o *Orchestrator) settle(ctx context.Context, run *store.Run) error {
	if fin := run.Stage(store.StageFinalize); fin != nil && fin.Status == store.StageSucceeded {
		return o.finish(ctx, run, store.RunStatusSucceeded, "")
	}

	return o.finish(ctx, run, store.RunStatusFailed, "pipeline ended without a verdict")
}

// exhaust marks a stage that used up its attempts as failed_terminal, and
// fails the run in the same write when the stage is critical.
func (o *Orchestrator) exhaust(
	ctx context.Context, run *store.Run, rec *store.StageRecord, policy StagePolicy,
) error {
	now := o.now()

	updated, err := o.store.UpdateStage(ctx, run.RunID, run.Version, rec.Name,
		func(r *store.Run, sr *store.StageRecord) error {
			if sr.Status != store.StageFailedRetryable && sr.Status != store.StageInProgress {
				return errStale
			}

			if sr.Status == store.StageInProgress {
				sr.Error = "attempt did not complete"
				sr.ErrorKind = string(adapter.KindTransient)
			}

			sr.Status = store.StageFailedTerminal
			sr.FinishedAt = &now

			if policy.Critical {
				r.Status = store.RunStatusFailed
				r.Reason = criticalReason(sr.Name, sr.Error)
			}

			return nil
		})
	if err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":   run.RunID,
		"stage":    rec.Name,
		"attempts": rec.AttemptCount,
		"critical": policy.Critical,
	}).Warn("Stage attempts exhausted")

	if updated.Status.IsTerminal() {
		o.metrics.runFinished(updated.Status)
	}

	return nil
}

func (o *Orchestrator) archive(ctx context.Context, run *store.Run) {
	if o.archiver == nil {
		return
	}

	log := o.log.WithField("run_id", run.RunID)

	verdict, err := VerdictFromRun(run)
	if err != nil || verdict == nil {
		log.WithError(err).Warn("No verdict to archive")

		return
	}

	if err := o.archiver.ArchiveVerdict(ctx, run, verdict); err != nil {
		log.WithError(err).Warn("Failed to archive verdict")
	}
}

// shouldReread reports whether err means the caller acted on stale state
// and must re-read the run.
func (o *Orchestrator) shouldReread(err error) bool {
	if store.IsConflict(err) {
		o.metrics.conflict()

		return true
	}

	return errors.Is(err, errStale) || errors.Is(err, errAttemptsExhausted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
