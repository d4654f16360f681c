package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the externally visible lifecycle state of a research job.
type JobStatus string

const (
	JobStatusCreated       JobStatus = "created"
	JobStatusQueued        JobStatus = "queued"
	JobStatusPlanning      JobStatus = "planning"
	JobStatusRetrieving    JobStatus = "retrieving"
	JobStatusSynthesizing  JobStatus = "synthesizing"
	JobStatusDrafting      JobStatus = "drafting"
	JobStatusFactChecking  JobStatus = "fact_checking"
	JobStatusVisualizing   JobStatus = "visualizing"
	JobStatusReviewing     JobStatus = "reviewing"
	JobStatusAwaitingHuman JobStatus = "awaiting_human"
	JobStatusFormatting    JobStatus = "formatting"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelling    JobStatus = "cancelling"
	JobStatusCancelled     JobStatus = "cancelled"
	JobStatusRetrying      JobStatus = "retrying"
)

// Terminal reports whether no further automatic transition can happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Running reports whether a stage of the pipeline owns the job right now.
func (s JobStatus) Running() bool {
	switch s {
	case JobStatusPlanning, JobStatusRetrieving, JobStatusSynthesizing, JobStatusDrafting,
		JobStatusFactChecking, JobStatusVisualizing, JobStatusReviewing, JobStatusFormatting:
		return true
	}
	return false
}

// Error kinds recorded on a job.
const (
	ErrorKindStageExecution       = "stage_execution"
	ErrorKindCheckpointCorruption = "checkpoint_corruption"
	ErrorKindInternal             = "internal"
)

// Job is a single research request and its lifecycle bookkeeping. The workflow
// payload itself lives in checkpoints; a job row stays small and queryable.
type Job struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	OwnerID      uuid.UUID    `db:"owner_id"      json:"owner_id"`
	Query        string       `db:"query"         json:"query"`
	Constraints  Constraints  `db:"constraints"   json:"constraints"`
	OutputConfig OutputConfig `db:"output_config" json:"output_config"`
	HILConfig    HILConfig    `db:"hil_config"    json:"hil_config"`

	Status       JobStatus `db:"status"        json:"status"`
	CurrentStage Stage     `db:"current_stage" json:"current_stage,omitempty"`
	Progress     int       `db:"progress"      json:"progress"`

	Errors          []JobError `db:"errors"           json:"errors"`
	LastError       *string    `db:"last_error"       json:"last_error,omitempty"`
	NeedsInspection bool       `db:"needs_inspection" json:"needs_inspection"`

	Version           int64 `db:"version"             json:"version"`
	EventSeq          int64 `db:"event_seq"           json:"event_seq"`
	LastCheckpointSeq int64 `db:"last_checkpoint_seq" json:"last_checkpoint_seq"`

	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DeletedAt   *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// Clone returns a deep copy safe to mutate independently of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Errors = append(make([]JobError, 0, len(j.Errors)), j.Errors...)
	c.Constraints.Domains = append([]string(nil), j.Constraints.Domains...)
	c.Constraints.Documents = append([]Document(nil), j.Constraints.Documents...)
	c.OutputConfig.Sections = append([]string(nil), j.OutputConfig.Sections...)
	if j.Constraints.Extra != nil {
		c.Constraints.Extra = make(map[string]any, len(j.Constraints.Extra))
		for k, v := range j.Constraints.Extra {
			c.Constraints.Extra[k] = v
		}
	}
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	return &c
}

// JobError is one entry of a job's append-only error history.
type JobError struct {
	Stage   Stage     `json:"stage,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Constraints bound the research a job may do.
type Constraints struct {
	MaxSources int `json:"max_sources,omitempty"`
	// TimeBudgetMinutes is advisory for executors.
	TimeBudgetMinutes int            `json:"time_budget_minutes,omitempty"`
	Domains           []string       `json:"domains,omitempty"`
	Documents         []Document     `json:"documents,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Document is caller-supplied material offered to the retrieval stage.
type Document struct {
	Origin  string `json:"origin"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Report formats the formatting stage can render.
const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
	FormatHTML     = "html"
)

// ValidFormat reports whether f is a supported report format.
func ValidFormat(f string) bool {
	return f == FormatMarkdown || f == FormatText || f == FormatHTML
}

// OutputConfig shapes the final report.
type OutputConfig struct {
	Format           string   `json:"format,omitempty"`
	MaxLength        int      `json:"max_length,omitempty"`
	IncludeCitations bool     `json:"include_citations"`
	Sections         []string `json:"sections,omitempty"`
}

// HILConfig controls the human-in-the-loop review for a job.
type HILConfig struct {
	// Enabled forces a human decision before formatting even when the
	// quality score passes. An approved review satisfies it.
	Enabled bool `json:"enabled"`
	// QualityThreshold overrides the gate's proceed threshold when > 0.
	QualityThreshold float64 `json:"quality_threshold,omitempty"`
}
