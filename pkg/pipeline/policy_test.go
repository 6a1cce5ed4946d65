package pipeline_test

import (
	"testing"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	policy := pipeline.DefaultPolicy()

	critical := map[store.StageName]bool{
		store.StageMetadata:   true,
		store.StageScan:       true,
		store.StageReputation: false,
		store.StageAIVerdict:  false,
	}

	for stage, want := range critical {
		p := policy.For(stage)
		assert.Equal(t, want, p.Critical, stage)
		assert.Equal(t, pipeline.DefaultMaxAttempts, p.MaxAttempts, stage)
		assert.Equal(t, pipeline.DefaultStageTimeout, p.Timeout, stage)
	}
}

func TestStagePolicy_Backoff(t *testing.T) {
	p := pipeline.StagePolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(500))

	prev := time.Duration(0)
	for n := 1; n <= 100; n++ {
		d := p.Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)

		prev = d
	}

	assert.Equal(t, time.Duration(0), pipeline.StagePolicy{}.Backoff(3))
}

func TestPolicyFromConfig(t *testing.T) {
	yes := true

	policy, err := pipeline.PolicyFromConfig(&config.PipelineConfig{
		Stages: map[string]config.StageConfig{
			"reputation": {MaxAttempts: 5, Timeout: "3s"},
			"ai_verdict": {Critical: &yes, BaseDelay: "100ms", MaxDelay: "1s"},
		},
	})
	require.NoError(t, err)

	rep := policy.For(store.StageReputation)
	assert.Equal(t, 5, rep.MaxAttempts)
	assert.Equal(t, 3*time.Second, rep.Timeout)
	assert.Equal(t, pipeline.DefaultBaseDelay, rep.BaseDelay)
	assert.False(t, rep.Critical)

	ai := policy.For(store.StageAIVerdict)
	assert.True(t, ai.Critical)
	assert.Equal(t, 100*time.Millisecond, ai.BaseDelay)
	assert.Equal(t, time.Second, ai.MaxDelay)
	assert.Equal(t, pipeline.DefaultMaxAttempts, ai.MaxAttempts)

	_, err = pipeline.PolicyFromConfig(&config.PipelineConfig{
		Stages: map[string]config.StageConfig{"finalize": {MaxAttempts: 2}},
	})
	require.Error(t, err)
}
