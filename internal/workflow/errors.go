package workflow

import (
	"errors"
	"fmt"

	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/pkg/models"
)

var (
	ErrNotFound             = store.ErrNotFound
	ErrInvalidTransition    = errors.New("invalid job status transition")
	ErrConflict             = errors.New("conflicting job update")
	ErrNotAwaitingReview    = fmt.Errorf("%w: job is not awaiting review", ErrConflict)
	ErrCheckpointCorruption = errors.New("checkpoint corrupted")
	ErrCancelRequested      = errors.New("job cancellation requested")
	ErrNotRetryable         = fmt.Errorf("%w: job is not retryable", ErrInvalidTransition)
	ErrInvalidDecision      = errors.New("invalid review decision")
)

// StageExecutionError reports that a stage executor failed.
type StageExecutionError struct {
	Stage models.Stage
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

func invalidTransition(from, to models.JobStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
