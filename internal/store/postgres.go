package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, owner_id, query, constraints, output_config, hil_config, status, current_stage,
	progress, errors, last_error, needs_inspection, version, event_seq, last_checkpoint_seq,
	started_at, completed_at, deleted_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.Query, &j.Constraints, &j.OutputConfig, &j.HILConfig,
		&j.Status, &j.CurrentStage, &j.Progress, &j.Errors, &j.LastError, &j.NeedsInspection,
		&j.Version, &j.EventSeq, &j.LastCheckpointSeq,
		&j.StartedAt, &j.CompletedAt, &j.DeletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if j.Errors == nil {
		j.Errors = []models.JobError{}
	}
	return &j, nil
}

// jobErrors keeps the NOT NULL errors column an array rather than JSON null.
func jobErrors(job *models.Job) []models.JobError {
	if job.Errors == nil {
		return []models.JobError{}
	}
	return job.Errors
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID, job.OwnerID, job.Query, job.Constraints, job.OutputConfig, job.HILConfig,
		job.Status, job.CurrentStage, job.Progress, jobErrors(job), job.LastError, job.NeedsInspection,
		job.Version, job.EventSeq, job.LastCheckpointSeq,
		job.StartedAt, job.CompletedAt, job.DeletedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"owner_id = $1", "deleted_at IS NULL"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $3, current_stage = $4, progress = $5, errors = $6, last_error = $7,
		   needs_inspection = $8, version = $9, event_seq = $10, last_checkpoint_seq = $11,
		   started_at = $12, completed_at = $13, deleted_at = $14, updated_at = $15,
		   query = $16, constraints = $17, output_config = $18, hil_config = $19
		 WHERE id = $1 AND version = $2`,
		job.ID, expectedVersion, job.Status, job.CurrentStage, job.Progress, jobErrors(job), job.LastError,
		job.NeedsInspection, job.Version, job.EventSeq, job.LastCheckpointSeq,
		job.StartedAt, job.CompletedAt, job.DeletedAt, job.UpdatedAt,
		job.Query, job.Constraints, job.OutputConfig, job.HILConfig)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListUnfinishedJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status NOT IN ('created', 'completed', 'failed', 'cancelled') AND deleted_at IS NULL
		 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, ownerID uuid.UUID) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE owner_id = $1 AND deleted_at IS NULL GROUP BY status`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Checkpoints ---

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	return insertCheckpoint(ctx, s.pool, cp)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertCheckpoint(ctx context.Context, db execer, cp *models.Checkpoint) error {
	_, err := db.Exec(ctx,
		`INSERT INTO checkpoints (id, job_id, sequence, stage, next_stage, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.JobID, cp.Sequence, cp.Stage, cp.NextStage, cp.State, cp.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	var c models.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, sequence, stage, next_stage, state, created_at
		 FROM checkpoints WHERE job_id = $1 ORDER BY sequence DESC LIMIT 1`, jobID,
	).Scan(&c.ID, &c.JobID, &c.Sequence, &c.Stage, &c.NextStage, &c.State, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, jobID uuid.UUID, seq int64) (*models.Checkpoint, error) {
	var c models.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, sequence, stage, next_stage, state, created_at
		 FROM checkpoints WHERE job_id = $1 AND sequence = $2`, jobID, seq,
	).Scan(&c.ID, &c.JobID, &c.Sequence, &c.Stage, &c.NextStage, &c.State, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, sequence, stage, next_stage, created_at
		 FROM checkpoints WHERE job_id = $1 ORDER BY sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	cps := []*models.Checkpoint{}
	for rows.Next() {
		var c models.Checkpoint
		if err := rows.Scan(&c.ID, &c.JobID, &c.Sequence, &c.Stage, &c.NextStage, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, &c)
	}
	return cps, rows.Err()
}

// --- Review Decisions ---

func (s *PostgresStore) ResolveReview(ctx context.Context, decision *models.ReviewDecision, cp *models.Checkpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin resolve review: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO review_decisions (id, job_id, gate_sequence, reviewer, action, instructions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		decision.ID, decision.JobID, decision.GateSequence, decision.Reviewer, decision.Action,
		decision.Instructions, decision.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert review decision: %w", err)
	}
	if err := insertCheckpoint(ctx, tx, cp); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit resolve review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewDecisions(ctx context.Context, jobID uuid.UUID) ([]*models.ReviewDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, gate_sequence, reviewer, action, instructions, created_at
		 FROM review_decisions WHERE job_id = $1 ORDER BY gate_sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list review decisions: %w", err)
	}
	defer rows.Close()

	decisions := []*models.ReviewDecision{}
	for rows.Next() {
		var d models.ReviewDecision
		if err := rows.Scan(&d.ID, &d.JobID, &d.GateSequence, &d.Reviewer, &d.Action,
			&d.Instructions, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review decision: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
