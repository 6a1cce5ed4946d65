package pipeline

import (
	"testing"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.attemptStarted(store.StageScan)
	m.attemptStarted(store.StageScan)
	m.attemptFinished(store.StageScan, store.StageFailedRetryable, 50*time.Millisecond)
	m.runFinished(store.RunStatusSucceeded)
	m.conflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageAttempts.WithLabelValues("scan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.stageOutcomes.WithLabelValues("scan", "failed_retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeConflicts))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.attemptStarted(store.StageScan)
		m.attemptFinished(store.StageScan, store.StageSucceeded, time.Second)
		m.runFinished(store.RunStatusFailed)
		m.conflict()
	})
}
