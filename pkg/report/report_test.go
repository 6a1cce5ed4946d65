package report_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/report"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleResult() *pipeline.Result {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	finished := started.Add(250 * time.Millisecond)

	stages := make([]store.StageRecord, 0, len(store.StageOrder))
	for _, name := range store.StageOrder {
		stages = append(stages, store.StageRecord{
			Name:         name,
			Status:       store.StageSucceeded,
			AttemptCount: 1,
			StartedAt:    &started,
			FinishedAt:   &finished,
		})
	}

	stages[2].Status = store.StageFailedTerminal
	stages[2].AttemptCount = 3
	stages[2].Error = "intel lookup: status 503"

	return &pipeline.Result{
		Run: &store.Run{
			RunID:     "run-1",
			URL:       "https://example.com/",
			Status:    store.RunStatusSucceeded,
			CreatedAt: created,
			UpdatedAt: created.Add(2 * time.Minute),
			Stages:    stages,
		},
		Verdict: &pipeline.Verdict{
			URL:            "https://example.com/",
			RiskScore:      4,
			RiskLevel:      pipeline.RiskMedium,
			Recommendation: "Proceed with caution (reduced confidence: reputation unavailable)",
			Confidence:     pipeline.ConfidenceReduced,
			Summary:        "Looks like a parked domain.",
			Signals:        []string{"domain has no popularity rank"},
			Missing:        []string{"reputation"},
			Evidence: adapter.Evidence{
				"metadata": {"host": "example.com"},
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range report.Formats {
		got, err := report.ParseFormat(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	got, err := report.ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, report.FormatMarkdown, got)

	_, err = report.ParseFormat("xml")
	require.Error(t, err)
}

func TestRender_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, report.FormatText, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "Run:     run-1")
	assert.Contains(t, out, "Status:  succeeded")
	assert.Contains(t, out, "Elapsed: 2 minutes")
	assert.Contains(t, out, "reputation")
	assert.Contains(t, out, "failed_terminal")
	assert.Contains(t, out, "250ms")
	assert.Contains(t, out, "Risk:           4/10 (medium)")
	assert.Contains(t, out, "  - domain has no popularity rank")
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, report.FormatJSON, sampleResult()))

	var doc report.Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, "run-1", doc.RunID)
	require.Len(t, doc.Stages, len(store.StageOrder))
	assert.Equal(t, 250*time.Millisecond, doc.Stages[0].Duration)
	assert.Equal(t, 3, doc.Stages[2].Attempts)
	require.NotNil(t, doc.Verdict)
	assert.Equal(t, 4, doc.Verdict.RiskScore)
}

func TestRender_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, report.FormatYAML, sampleResult()))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, "succeeded", doc["status"])

	verdict, ok := doc["verdict"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "medium", verdict["risk_level"])
}

func TestRender_Markdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, report.FormatMarkdown, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "# URL Analysis Report")
	assert.Contains(t, out, "## Verdict")
	assert.Contains(t, out, "[!IMPORTANT]")
	assert.Contains(t, out, "## Stages")
	assert.Contains(t, out, "intel lookup: status 503")
	assert.Contains(t, out, "Unavailable evidence: reputation.")
	assert.Contains(t, out, "```json")
	assert.Contains(t, out, `"host": "example.com"`)
}

func TestRender_PendingRunHasNoVerdict(t *testing.T) {
	result := sampleResult()
	result.Run.Status = store.RunStatusPending
	result.Verdict = nil

	for _, format := range report.Formats {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, report.Render(&buf, format, result))
			assert.NotContains(t, buf.String(), "Proceed with caution")
		})
	}
}

func TestRender_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, report.Render(&buf, report.Format("xml"), sampleResult()))
}
