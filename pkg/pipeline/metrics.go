package pipeline

import (
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "urlanalyzer"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	stageAttempts  *prometheus.CounterVec
	stageOutcomes  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	runsFinished   *prometheus.CounterVec
	writeConflicts prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_attempts_total",
			Help:      "Stage attempts started.",
		}, []string{"stage"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_outcomes_total",
			Help:      "Stage attempts finished, by resulting status.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		writeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_conflicts_total",
			Help:      "Run store writes rejected because of a concurrent writer.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.stageAttempts,
			m.stageOutcomes,
			m.stageDuration,
			m.runsFinished,
			m.writeConflicts,
		)
	}

	return m
}

func (m *Metrics) attemptStarted(stage store.StageName) {
	if m == nil {
		return
	}

	m.stageAttempts.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) attemptFinished(stage store.StageName, status store.StageStatus, d time.Duration) {
	if m == nil {
		return
	}

	m.stageOutcomes.WithLabelValues(string(stage), string(status)).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) runFinished(status store.RunStatus) {
	if m == nil {
		return
	}

	m.runsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}

	m.writeConflicts.Inc()
}
