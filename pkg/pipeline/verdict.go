package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
)

// Confidence of a verdict.
const (
	ConfidenceFull    = "full"
	ConfidenceReduced = "reduced"
)

// Risk levels derived from the score.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// topRankedThreshold marks a domain as well established.
const topRankedThreshold = 10000

// evidenceStages are the stages whose outputs feed the verdict.
var evidenceStages = []store.StageName{
	store.StageMetadata,
	store.StageScan,
	store.StageReputation,
	store.StageAIVerdict,
}

// Verdict is the final structured risk assessment of a run.
type Verdict struct {
	URL            string           `json:"url" yaml:"url"`
	RiskScore      int              `json:"risk_score" yaml:"risk_score"`
	RiskLevel      string           `json:"risk_level" yaml:"risk_level"`
	Recommendation string           `json:"recommendation" yaml:"recommendation"`
	Confidence     string           `json:"confidence" yaml:"confidence"`
	Summary        string           `json:"summary,omitempty" yaml:"summary,omitempty"`
	Signals        []string         `json:"signals" yaml:"signals"`
	Missing        []string         `json:"missing,omitempty" yaml:"missing,omitempty"`
	Evidence       adapter.Evidence `json:"evidence" yaml:"evidence"`
}

// Synthesize combines the evidence gathered for url into a verdict. It is
// pure: the same evidence always yields the same verdict.
func Synthesize(url string, evidence adapter.Evidence) *Verdict {
	v := &Verdict{
		URL:      url,
		Evidence: adapter.Evidence{},
		Signals:  []string{},
	}

	for _, stage := range evidenceStages {
		out, ok := evidence[string(stage)]
		if !ok || out == nil {
			v.Missing = append(v.Missing, string(stage))

			continue
		}

		v.Evidence[string(stage)] = out
	}

	heuristic := 0
	add := func(points int, signal string) {
		heuristic += points
		v.Signals = append(v.Signals, signal)
	}

	var meta adapter.MetadataOutput
	if decodeEvidence(v.Evidence, store.StageMetadata, &meta) {
		if meta.Scheme == "http" {
			add(1, "connection is not encrypted (http)")
		}

		if meta.IsIP {
			add(2, "host is a raw IP address")
		}

		if meta.IsIDN {
			add(1, "host uses internationalized characters")
		}

		if !meta.DefaultPort {
			add(1, fmt.Sprintf("non-standard port %s", meta.Port))
		}
	}

	var scan adapter.ScanOutput
	if decodeEvidence(v.Evidence, store.StageScan, &scan) {
		if scan.Malicious {
			add(6, "scanner flagged the page as malicious")
		}

		categories := sortedCopy(scan.Categories)
		for i, c := range categories {
			if i == 2 {
				break
			}

			add(1, fmt.Sprintf("scanner category: %s", c))
		}
	}

	var rep adapter.ReputationOutput
	if decodeEvidence(v.Evidence, store.StageReputation, &rep) {
		if len(rep.RiskTypes) > 0 {
			add(2, fmt.Sprintf("threat intel risk types: %s",
				strings.Join(sortedCopy(rep.RiskTypes), ", ")))

			if len(rep.RiskTypes) > 1 {
				heuristic++
			}
		}

		switch {
		case rep.PopularityRank <= 0:
			add(1, "domain is not ranked")
		case rep.PopularityRank <= topRankedThreshold:
			add(-1, fmt.Sprintf("domain is in the top %d", topRankedThreshold))
		}
	}

	score := clamp(heuristic, 0, 10)

	var ai adapter.AIOutput
	if decodeEvidence(v.Evidence, store.StageAIVerdict, &ai) {
		score = (score + clamp(ai.RiskScore, 0, 10) + 1) / 2
		v.Summary = ai.Summary
	}

	v.RiskScore = score
	v.RiskLevel, v.Recommendation = classify(score)

	v.Confidence = ConfidenceFull
	if len(v.Missing) > 0 {
		v.Confidence = ConfidenceReduced
		v.Recommendation = fmt.Sprintf(
			"%s (reduced confidence: %s unavailable)",
			v.Recommendation, strings.Join(v.Missing, ", "),
		)
	}

	return v
}

// decodeEvidence decodes the output of stage into v. Undecodable evidence is
// treated as absent.
func decodeEvidence(evidence adapter.Evidence, stage store.StageName, v any) bool {
	out, ok := evidence[string(stage)]
	if !ok {
		return false
	}

	return adapter.Decode(out, v) == nil
}

func classify(score int) (level, recommendation string) {
	switch {
	case score <= 2:
		return RiskLow, "Safe to proceed"
	case score <= 5:
		return RiskMedium, "Proceed with caution"
	case score <= 7:
		return RiskHigh, "Not recommended"
	default:
		return RiskCritical, "Do not visit"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)

	return out
}

// VerdictFromRun returns the verdict stored by the finalize stage, or nil if
// the run has not finished successfully.
func VerdictFromRun(run *store.Run) (*Verdict, error) {
	rec := run.Stage(store.StageFinalize)
	if rec == nil || rec.Status != store.StageSucceeded || rec.OutputJSON == "" {
		return nil, nil
	}

	out, err := rec.Output()
	if err != nil {
		return nil, err
	}

	var v Verdict
	if err := adapter.Decode(out, &v); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}

	return &v, nil
}

// collectEvidence returns the outputs of the succeeded stages that precede
// stage.
func collectEvidence(run *store.Run, stage store.StageName) (adapter.Evidence, error) {
	evidence := adapter.Evidence{}

	for i := range run.Stages {
		rec := &run.Stages[i]
		if rec.Name == stage {
			break
		}

		if rec.Status != store.StageSucceeded {
			continue
		}

		out, err := rec.Output()
		if err != nil {
			return nil, err
		}

		if out != nil {
			evidence[string(rec.Name)] = out
		}
	}

	return evidence, nil
}
