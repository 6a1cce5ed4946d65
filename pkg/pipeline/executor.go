package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// errStale aborts a write whose precondition no longer holds. The
	// caller re-reads the run and decides again.
	errStale = errors.New("run state changed")

	// errAttemptsExhausted aborts an attempt that would exceed the stage's
	// maximum number of attempts.
	errAttemptsExhausted = errors.New("attempts exhausted")
)

// Adapters maps the external stages to their adapters.
type Adapters map[store.StageName]adapter.Adapter

// Outcome is the persisted result of one stage attempt.
type Outcome struct {
	Stage   store.StageName
	Status  store.StageStatus
	Attempt int
	Kind    adapter.ErrorKind
	Err     error
	Run     *store.Run
}

// Executor runs single stage attempts.
type Executor struct {
	log      logrus.FieldLogger
	store    store.Store
	adapters Adapters
	policy   Policy
	metrics  *Metrics
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(
	log logrus.FieldLogger,
	st store.Store,
	adapters Adapters,
	policy Policy,
	metrics *Metrics,
) *Executor {
	return &Executor{
		log:      log.WithField("component", "executor"),
		store:    st,
		adapters: adapters,
		policy:   policy,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one attempt of stage for the run. The record is marked
// in_progress first; the adapter is then called under the stage timeout and
// the classified outcome is persisted before returning.
// Adapter failures are reported through the Outcome, never as an error. An
// error is returned only when the run store rejects a write, in which case
// the caller must re-read the run.
func (e *Executor) Execute(ctx context.Context, runID string, stage store.StageName) (*Outcome, error) {
	policy := e.policy.For(stage)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	started := e.now()

	run, err = e.store.UpdateStage(ctx, runID, run.Version, stage,
		func(r *store.Run, rec *store.StageRecord) error {
			if r.Status != store.RunStatusRunning || r.CancelRequested || rec.Status.IsTerminal() {
				return errStale
			}

			// Stages run strictly in order.
			for _, other := range r.Stages {
				if other.Name == stage {
					break
				}

				if !other.Status.IsTerminal() {
					return errStale
				}
			}

			if stage != store.StageFinalize && rec.AttemptCount >= policy.MaxAttempts {
				return errAttemptsExhausted
			}

			rec.Status = store.StageInProgress
			rec.AttemptCount++
			rec.StartedAt = &started
			rec.FinishedAt = nil
			rec.Error = ""
			rec.ErrorKind = ""
			rec.OutputJSON = ""

			return nil
		})
	if err != nil {
		return nil, err
	}

	rec := run.Stage(stage)
	attempt := rec.AttemptCount

	log := e.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"stage":   stage,
		"attempt": attempt,
	})

	e.metrics.attemptStarted(stage)
	log.Debug("Stage attempt started")

	evidence, err := collectEvidence(run, stage)
	if err != nil {
		return nil, fmt.Errorf("collecting evidence: %w", err)
	}

	var (
		output  any
		callErr error
	)

	if stage == store.StageFinalize {
		output = Synthesize(run.URL, evidence)
	} else {
		output, callErr = e.call(ctx, run.URL, stage, policy.Timeout, evidence)
	}

	outcome := &Outcome{
		Stage:   stage,
		Attempt: attempt,
	}

	switch {
	case callErr == nil:
		outcome.Status = store.StageSucceeded
	case adapter.Classify(callErr) == adapter.KindPermanent:
		outcome.Status = store.StageFailedTerminal
		outcome.Kind = adapter.KindPermanent
		outcome.Err = callErr
	default:
		outcome.Status = store.StageFailedRetryable
		outcome.Kind = adapter.KindTransient
		outcome.Err = callErr
	}

	finished := e.now()

	run, err = e.persistOutcome(ctx, runID, run.Version, outcome, policy, output, finished)
	if err != nil {
		return nil, err
	}

	outcome.Run = run

	e.metrics.attemptFinished(stage, outcome.Status, finished.Sub(started))

	if run.Status.IsTerminal() {
		e.metrics.runFinished(run.Status)
	}

	entry := log.WithField("status", outcome.Status)
	if outcome.Err != nil {
		entry.WithError(outcome.Err).Warn("Stage attempt failed")
	} else {
		entry.Debug("Stage attempt succeeded")
	}

	return outcome, nil
}

// persistOutcome records outcome on the attempt it belongs to. The write is
// retried on conflict as long as the record still shows this attempt in
// progress, so a cancellation request arriving mid-call does not discard
// the result. It runs even when ctx was cancelled during the call.
func (e *Executor) persistOutcome(
	ctx context.Context,
	runID string,
	version int64,
	outcome *Outcome,
	policy StagePolicy,
	output any,
	finished time.Time,
) (*store.Run, error) {
	writeCtx := context.WithoutCancel(ctx)
	stage := outcome.Stage

	mutate := func(r *store.Run, rec *store.StageRecord) error {
		if rec.Status != store.StageInProgress || rec.AttemptCount != outcome.Attempt {
			return errStale
		}

		rec.Status = outcome.Status
		rec.FinishedAt = &finished

		if outcome.Status == store.StageSucceeded {
			if err := rec.SetOutput(output); err != nil {
				return err
			}

			if stage == store.StageFinalize && !r.Status.IsTerminal() {
				r.Status = store.RunStatusSucceeded
				r.Reason = ""
			}

			return nil
		}

		rec.Error = outcome.Err.Error()
		rec.ErrorKind = string(outcome.Kind)

		if outcome.Status == store.StageFailedTerminal && policy.Critical && !r.Status.IsTerminal() {
			r.Status = store.RunStatusFailed
			r.Reason = criticalReason(stage, rec.Error)
		}

		return nil
	}

	const maxWriteAttempts = 3

	for i := 0; ; i++ {
		run, err := e.store.UpdateStage(writeCtx, runID, version, stage, mutate)
		if err == nil {
			return run, nil
		}

		if !store.IsConflict(err) || i+1 == maxWriteAttempts {
			return nil, err
		}

		e.metrics.conflict()

		fresh, err := e.store.GetRun(writeCtx, runID)
		if err != nil {
			return nil, err
		}

		version = fresh.Version
	}
}

// call invokes the adapter for stage under timeout. A panic in the adapter
// is reported as a permanent failure.
func (e *Executor) call(
	ctx context.Context,
	target string,
	stage store.StageName,
	timeout time.Duration,
	evidence adapter.Evidence,
) (out adapter.Output, err error) {
	a, ok := e.adapters[stage]
	if !ok || a == nil {
		return nil, adapter.Permanentf("no adapter configured for stage %s", stage)
	}

	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = adapter.Permanentf("adapter panicked: %v", r)
		}
	}()

	out, err = a.Run(callCtx, target, evidence)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, adapter.Transientf("stage %s timed out after %s: %v", stage, timeout, err)
		}

		return nil, err
	}

	if out == nil {
		out = adapter.Output{}
	}

	// The outcome write must not fail on the adapter's payload.
	if _, err := json.Marshal(out); err != nil {
		return nil, adapter.Permanentf("malformed %s output: %v", stage, err)
	}

	return out, nil
}

func criticalReason(stage store.StageName, errMsg string) string {
	return fmt.Sprintf("stage %q failed: %s", stage, errMsg)
}
