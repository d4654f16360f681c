package models

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStatusChanged  EventKind = "status_changed"
	EventAwaitingReview EventKind = "awaiting_review"
	EventError          EventKind = "error"
	EventTerminal       EventKind = "terminal"
)

// ProgressEvent is one entry of a job's progress stream. Sequence is
// strictly increasing per job.
type ProgressEvent struct {
	JobID    uuid.UUID      `json:"job_id"`
	Sequence int64          `json:"sequence"`
	Kind     EventKind      `json:"kind"`
	Stage    Stage          `json:"stage,omitempty"`
	Status   JobStatus      `json:"status"`
	Progress int            `json:"progress"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}
