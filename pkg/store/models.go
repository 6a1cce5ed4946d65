package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run will not change anymore.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// StageName identifies one stage of the analysis pipeline.
type StageName string

const (
	StageMetadata   StageName = "metadata"
	StageScan       StageName = "scan"
	StageReputation StageName = "reputation"
	StageAIVerdict  StageName = "ai_verdict"
	StageFinalize   StageName = "finalize"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []StageName{
	StageMetadata,
	StageScan,
	StageReputation,
	StageAIVerdict,
	StageFinalize,
}

// StageStatus represents the state of a single stage within a run.
type StageStatus string

const (
	StageNotStarted      StageStatus = "not_started"
	StageInProgress      StageStatus = "in_progress"
	StageSucceeded       StageStatus = "succeeded"
	StageFailedRetryable StageStatus = "failed_retryable"
	StageFailedTerminal  StageStatus = "failed_terminal"
)

// IsTerminal reports whether the stage has reached a final state.
func (s StageStatus) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailedTerminal
}

// Run is one end-to-end execution of the pipeline for a single URL.
type Run struct {
	ID              uint          `gorm:"primaryKey" json:"-"`
	RunID           string        `gorm:"uniqueIndex;not null" json:"run_id"`
	URL             string        `gorm:"type:text;not null" json:"url"`
	URLHash         string        `gorm:"index;not null" json:"-"`
	Status          RunStatus     `gorm:"index;not null" json:"status"`
	Reason          string        `gorm:"type:text" json:"reason,omitempty"`
	CancelRequested bool          `gorm:"not null;default:false" json:"cancel_requested"`
	Version         int64         `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Stages          []StageRecord `gorm:"foreignKey:RunID;references:RunID" json:"stages"`
}

// Stage returns the record for the named stage, or nil.
func (r *Run) Stage(name StageName) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}

	return nil
}

// StageRecord is the outcome of one pipeline stage within a run.
type StageRecord struct {
	ID           uint        `gorm:"primaryKey" json:"-"`
	RunID        string      `gorm:"not null;uniqueIndex:idx_stage_records_run_name" json:"-"`
	Name         StageName   `gorm:"not null;uniqueIndex:idx_stage_records_run_name" json:"name"`
	Position     int         `gorm:"not null" json:"-"`
	AttemptCount int         `gorm:"not null;default:0" json:"attempt_count"`
	Status       StageStatus `gorm:"not null" json:"status"`
	OutputJSON   string      `gorm:"column:output;type:text" json:"-"`
	Error        string      `gorm:"type:text" json:"error,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	StartedAt    *time.Time  `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at"`
}

// Output decodes the stored stage output. It returns nil when the stage
// has not produced any.
func (s *StageRecord) Output() (map[string]any, error) {
	if s.OutputJSON == "" {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s.OutputJSON), &out); err != nil {
		return nil, fmt.Errorf("decoding %s output: %w", s.Name, err)
	}

	return out, nil
}

// SetOutput encodes v as the stage output.
func (s *StageRecord) SetOutput(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s output: %w", s.Name, err)
	}

	s.OutputJSON = string(data)

	return nil
}

// MarshalJSON embeds the decoded output so API consumers get structured
// evidence rather than a string.
func (s StageRecord) MarshalJSON() ([]byte, error) {
	type plain StageRecord

	var output json.RawMessage
	if s.OutputJSON != "" {
		output = json.RawMessage(s.OutputJSON)
	}

	return json.Marshal(struct {
		plain
		Output json.RawMessage `json:"output,omitempty"`
	}{
		plain:  plain(s),
		Output: output,
	})
}
