package pipeline_test

import (
	"testing"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/stretchr/testify/assert"
)

func baseEvidence() adapter.Evidence {
	return adapter.Evidence{
		"metadata": {
			"scheme":       "https",
			"host":         "example.com",
			"default_port": true,
		},
		"scan": {
			"malicious":  false,
			"categories": []any{},
		},
		"reputation": {
			"risk_types":      []any{},
			"popularity_rank": float64(500),
		},
		"ai_verdict": {
			"risk_score": float64(3),
			"summary":    "fine",
		},
	}
}

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name           string
		mutate         func(e adapter.Evidence)
		wantScore      int
		wantLevel      string
		wantConfidence string
		wantMissing    []string
	}{
		{
			name:           "benign and well ranked",
			mutate:         func(_ adapter.Evidence) {},
			wantScore:      2,
			wantLevel:      pipeline.RiskLow,
			wantConfidence: pipeline.ConfidenceFull,
		},
		{
			name: "malicious scan verdict",
			mutate: func(e adapter.Evidence) {
				e["scan"]["malicious"] = true
				e["scan"]["categories"] = []any{"Phishing", "Malware", "Spam"}
				e["ai_verdict"]["risk_score"] = float64(9)
			},
			// heuristic: 6 + 2 categories - 1 rank = 7; (7 + 9 + 1) / 2 = 8
			wantScore:      8,
			wantLevel:      pipeline.RiskCritical,
			wantConfidence: pipeline.ConfidenceFull,
		},
		{
			name: "raw ip over http on odd port, no ai",
			mutate: func(e adapter.Evidence) {
				e["metadata"]["scheme"] = "http"
				e["metadata"]["is_ip"] = true
				e["metadata"]["default_port"] = false
				e["metadata"]["port"] = "8080"
				e["reputation"]["popularity_rank"] = float64(0)
				delete(e, "ai_verdict")
			},
			// 1 + 2 + 1 + 1 (unranked) = 5
			wantScore:      5,
			wantLevel:      pipeline.RiskMedium,
			wantConfidence: pipeline.ConfidenceReduced,
			wantMissing:    []string{"ai_verdict"},
		},
		{
			name: "threat intel risk types",
			mutate: func(e adapter.Evidence) {
				e["reputation"]["risk_types"] = []any{"Malware", "Command and Control"}
				e["reputation"]["popularity_rank"] = float64(0)
				delete(e, "ai_verdict")
			},
			// 2 + 1 (several types) + 1 (unranked) = 4
			wantScore:      4,
			wantLevel:      pipeline.RiskMedium,
			wantConfidence: pipeline.ConfidenceReduced,
			wantMissing:    []string{"ai_verdict"},
		},
		{
			name: "reputation and ai missing",
			mutate: func(e adapter.Evidence) {
				delete(e, "reputation")
				delete(e, "ai_verdict")
			},
			wantScore:      0,
			wantLevel:      pipeline.RiskLow,
			wantConfidence: pipeline.ConfidenceReduced,
			wantMissing:    []string{"reputation", "ai_verdict"},
		},
		{
			name: "score is clamped",
			mutate: func(e adapter.Evidence) {
				e["metadata"]["scheme"] = "http"
				e["metadata"]["is_ip"] = true
				e["metadata"]["is_idn"] = true
				e["metadata"]["default_port"] = false
				e["scan"]["malicious"] = true
				e["scan"]["categories"] = []any{"a", "b"}
				e["reputation"]["risk_types"] = []any{"x", "y"}
				e["reputation"]["popularity_rank"] = float64(0)
				e["ai_verdict"]["risk_score"] = float64(10)
			},
			wantScore:      10,
			wantLevel:      pipeline.RiskCritical,
			wantConfidence: pipeline.ConfidenceFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evidence := baseEvidence()
			tt.mutate(evidence)

			v := pipeline.Synthesize("https://example.com/", evidence)

			assert.Equal(t, tt.wantScore, v.RiskScore)
			assert.Equal(t, tt.wantLevel, v.RiskLevel)
			assert.Equal(t, tt.wantConfidence, v.Confidence)
			assert.Equal(t, tt.wantMissing, v.Missing)
			assert.NotEmpty(t, v.Recommendation)

			if tt.wantConfidence == pipeline.ConfidenceReduced {
				assert.Contains(t, v.Recommendation, "reduced confidence")
			}

			for _, stage := range tt.wantMissing {
				assert.NotContains(t, v.Evidence, stage)
			}

			// Same input, same verdict.
			assert.Equal(t, v, pipeline.Synthesize("https://example.com/", evidence))
		})
	}
}

func TestSynthesize_NoEvidence(t *testing.T) {
	v := pipeline.Synthesize("https://example.com/", adapter.Evidence{})

	assert.Equal(t, 0, v.RiskScore)
	assert.Equal(t, pipeline.ConfidenceReduced, v.Confidence)
	assert.Len(t, v.Missing, 4)
	assert.Empty(t, v.Evidence)
}

func TestSynthesize_RecommendationByLevel(t *testing.T) {
	tests := []struct {
		aiScore float64
		want    string
	}{
		{aiScore: 0, want: "Safe to proceed"},
		{aiScore: 7, want: "Proceed with caution"},
		{aiScore: 10, want: "Not recommended"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			evidence := baseEvidence()
			evidence["reputation"]["popularity_rank"] = float64(0)
			evidence["ai_verdict"]["risk_score"] = tt.aiScore

			v := pipeline.Synthesize("https://example.com/", evidence)
			assert.Equal(t, tt.want, v.Recommendation)
		})
	}
}
