package models

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable snapshot of a job's WorkflowState taken after a
// stage completed. NextStage is where a resumed run re-enters the pipeline;
// it is empty once formatting has completed.
type Checkpoint struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	JobID     uuid.UUID `db:"job_id"     json:"job_id"`
	Stage     Stage     `db:"stage"      json:"stage"`
	Sequence  int64     `db:"sequence"   json:"sequence"`
	NextStage Stage     `db:"next_stage" json:"next_stage,omitempty"`
	State     []byte    `db:"state"      json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
