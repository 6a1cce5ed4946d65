package pipeline

import (
	"fmt"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
)

const (
	// DefaultMaxAttempts is the number of attempts a stage gets before it is
	// marked failed_terminal.
	DefaultMaxAttempts = 3

	// DefaultStageTimeout bounds a single adapter call.
	DefaultStageTimeout = 10 * time.Second

	// DefaultBaseDelay is the backoff before the second attempt.
	DefaultBaseDelay = 2 * time.Second

	// DefaultMaxDelay caps the backoff between attempts.
	DefaultMaxDelay = 30 * time.Second
)

// StagePolicy controls how a single stage is executed and retried.
type StagePolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Critical    bool
}

// Backoff returns the delay before the attempt following attempt n (n >= 1):
// BaseDelay doubled for every earlier attempt, capped at MaxDelay. The result
// is non-decreasing in n.
func (p StagePolicy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay

	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}

		delay *= 2
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay
}

// Policy holds the policy of every stage.
type Policy map[store.StageName]StagePolicy

// DefaultPolicy returns the built-in policy: three attempts everywhere,
// metadata and scan are critical, reputation and ai_verdict are not. The
// scan stage polls an asynchronous report and therefore waits longer.
func DefaultPolicy() Policy {
	base := StagePolicy{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultStageTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}

	metadata := base
	metadata.Critical = true

	scan := base
	scan.Critical = true
	scan.BaseDelay = 10 * time.Second
	scan.MaxDelay = time.Minute

	finalize := base
	finalize.MaxAttempts = 1
	finalize.Critical = true

	return Policy{
		store.StageMetadata:   metadata,
		store.StageScan:       scan,
		store.StageReputation: base,
		store.StageAIVerdict:  base,
		store.StageFinalize:   finalize,
	}
}

// PolicyFromConfig applies the configured overrides on top of the defaults.
func PolicyFromConfig(cfg *config.PipelineConfig) (Policy, error) {
	policy := DefaultPolicy()

	for name, override := range cfg.Stages {
		stage := store.StageName(name)

		p, ok := policy[stage]
		if !ok || stage == store.StageFinalize {
			return nil, fmt.Errorf("unknown stage %q", name)
		}

		timeout, baseDelay, maxDelay, err := override.Durations()
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}

		if override.MaxAttempts > 0 {
			p.MaxAttempts = override.MaxAttempts
		}

		if timeout > 0 {
			p.Timeout = timeout
		}

		if baseDelay > 0 {
			p.BaseDelay = baseDelay
		}

		if maxDelay > 0 {
			p.MaxDelay = maxDelay
		}

		if override.Critical != nil {
			p.Critical = *override.Critical
		}

		policy[stage] = p
	}

	return policy, nil
}

// For returns the policy of stage, falling back to the defaults.
func (p Policy) For(stage store.StageName) StagePolicy {
	if sp, ok := p[stage]; ok {
		return sp
	}

	return StagePolicy{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultStageTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}
