package models

import (
	"time"

	"github.com/google/uuid"
)

type ReviewAction string

const (
	ReviewApprove        ReviewAction = "approve"
	ReviewRequestChanges ReviewAction = "request_changes"
	ReviewReject         ReviewAction = "reject"
)

// Valid reports whether a is one of the accepted review actions.
func (a ReviewAction) Valid() bool {
	switch a {
	case ReviewApprove, ReviewRequestChanges, ReviewReject:
		return true
	}
	return false
}

// ReviewDecision is a human verdict on a suspended job. GateSequence is the
// sequence of the checkpoint that opened the gate, so each gate accepts
// exactly one decision.
type ReviewDecision struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	JobID        uuid.UUID    `db:"job_id"        json:"job_id"`
	GateSequence int64        `db:"gate_sequence" json:"gate_sequence"`
	Reviewer     string       `db:"reviewer"      json:"reviewer"`
	Action       ReviewAction `db:"action"        json:"action"`
	Instructions string       `db:"instructions"  json:"instructions,omitempty"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
}
