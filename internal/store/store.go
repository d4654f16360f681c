package store

import (
	"context"
	"errors"

	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrVersionConflict is returned when a job was modified since it was read.
var ErrVersionConflict = errors.New("job version conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	// GetJob returns soft-deleted jobs too; callers decide visibility.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	// UpdateJob persists job if the stored version still equals
	// expectedVersion, otherwise it returns ErrVersionConflict.
	UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) error
	// ListUnfinishedJobs returns jobs that were started and are not terminal.
	ListUnfinishedJobs(ctx context.Context) ([]*models.Job, error)
	// CountJobsByStatus counts an owner's visible jobs per status. Statuses
	// with no jobs are absent.
	CountJobsByStatus(ctx context.Context, ownerID uuid.UUID) (map[models.JobStatus]int, error)

	// AppendCheckpoint returns ErrDuplicateKey if the sequence is taken.
	AppendCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LatestCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
	GetCheckpoint(ctx context.Context, jobID uuid.UUID, seq int64) (*models.Checkpoint, error)
	// ListCheckpoints returns checkpoint headers in sequence order, without state bodies.
	ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error)

	// ResolveReview stores a decision and the checkpoint it produces atomically.
	// ErrDuplicateKey means the gate was already resolved.
	ResolveReview(ctx context.Context, decision *models.ReviewDecision, cp *models.Checkpoint) error
	ListReviewDecisions(ctx context.Context, jobID uuid.UUID) ([]*models.ReviewDecision, error)
}

type JobFilter struct {
	OwnerID uuid.UUID
	Status  models.JobStatus
	Page    int
	Limit   int
}

// normalizePage clamps pagination to sane bounds.
func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
