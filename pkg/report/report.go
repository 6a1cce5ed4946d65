package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"gopkg.in/yaml.v3"
)

// Format selects the report encoding.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatJSON, FormatYAML, FormatMarkdown}

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}

	if s == "md" {
		return FormatMarkdown, nil
	}

	return "", fmt.Errorf("unsupported output format %q", s)
}

// Document is the format-independent view of a run.
type Document struct {
	RunID     string            `json:"run_id" yaml:"run_id"`
	URL       string            `json:"url" yaml:"url"`
	Status    store.RunStatus   `json:"status" yaml:"status"`
	Reason    string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
	Stages    []Stage           `json:"stages" yaml:"stages"`
	Verdict   *pipeline.Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
}

// Stage summarizes one stage record.
type Stage struct {
	Name     store.StageName   `json:"name" yaml:"name"`
	Status   store.StageStatus `json:"status" yaml:"status"`
	Attempts int               `json:"attempts" yaml:"attempts"`
	Duration time.Duration     `json:"duration_ns,omitempty" yaml:"duration,omitempty"`
	Error    string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewDocument builds a Document from a result.
func NewDocument(result *pipeline.Result) *Document {
	run := result.Run

	doc := &Document{
		RunID:     run.RunID,
		URL:       run.URL,
		Status:    run.Status,
		Reason:    run.Reason,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Stages:    make([]Stage, 0, len(run.Stages)),
		Verdict:   result.Verdict,
	}

	for i := range run.Stages {
		rec := &run.Stages[i]

		s := Stage{
			Name:     rec.Name,
			Status:   rec.Status,
			Attempts: rec.AttemptCount,
			Error:    rec.Error,
		}

		if rec.StartedAt != nil && rec.FinishedAt != nil {
			s.Duration = rec.FinishedAt.Sub(*rec.StartedAt)
		}

		doc.Stages = append(doc.Stages, s)
	}

	return doc
}

// Render writes result to w in the given format.
func Render(w io.Writer, format Format, result *pipeline.Result) error {
	doc := NewDocument(result)

	switch format {
	case FormatText, "":
		return renderText(w, doc)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding json: %w", err)
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		return nil
	case FormatMarkdown:
		return renderMarkdown(w, doc)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
