// Package jobs owns research job records: creation, status transitions,
// progress, cancellation, retry and the event stream that mirrors them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/cache"
	"github.com/derril-tech/researchflow/internal/events"
	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/syncx"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

const (
	maxQueryLength    = 4000
	defaultMaxSources = 20
	maxSourcesLimit   = 100
	maxUpdateAttempts = 5
	defaultCacheTTL   = 30 * time.Minute
)

// ErrValidation marks a rejected job request.
var ErrValidation = errors.New("invalid job request")

// errNoChange tells mutate to return the current job without writing.
var errNoChange = errors.New("no change")

// Bus is the event fan-out the manager publishes to.
type Bus interface {
	Publish(ev models.ProgressEvent) bool
	Subscribe(jobID uuid.UUID) *events.Subscription
}

// Scheduler queues a job for execution by the engine.
type Scheduler interface {
	Schedule(id uuid.UUID)
}

// Manager implements the job lifecycle. Every mutation of a job goes through
// mutate, which serialises updates per job and checks the store version.
type Manager struct {
	store    store.Store
	bus      Bus
	history  events.History
	cache    cache.Cache
	logger   *slog.Logger
	cacheTTL time.Duration

	locks syncx.KeyedMutex
	sched Scheduler
}

var _ workflow.Tracker = (*Manager)(nil)

type Option func(*Manager)

// WithHistory serves recent events from h instead of the bus.
func WithHistory(h events.History) Option {
	return func(m *Manager) { m.history = h }
}

// WithCache enables the progress and results cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = c
		if ttl > 0 {
			m.cacheTTL = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. hub serves as the event bus and, unless
// WithHistory is given, as the recent-events source.
func NewManager(st store.Store, hub *events.Hub, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		bus:      hub,
		history:  hub,
		logger:   slog.Default(),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetScheduler wires the dispatcher. It must be called before jobs start.
func (m *Manager) SetScheduler(s Scheduler) { m.sched = s }

// Schedule hands a job to the dispatcher.
func (m *Manager) Schedule(id uuid.UUID) {
	if m.sched == nil {
		m.logger.Warn("no scheduler configured, job not dispatched", "job_id", id)
		return
	}
	m.sched.Schedule(id)
}

// CreateRequest holds the caller-supplied fields of a new job.
type CreateRequest struct {
	OwnerID      uuid.UUID
	Query        string
	Constraints  models.Constraints
	OutputConfig models.OutputConfig
	HILConfig    models.HILConfig
}

func (r *CreateRequest) normalize() error {
	r.Query = strings.TrimSpace(r.Query)
	switch {
	case r.OwnerID == uuid.Nil:
		return fmt.Errorf("%w: owner is required", ErrValidation)
	case r.Query == "":
		return fmt.Errorf("%w: query is required", ErrValidation)
	case len(r.Query) > maxQueryLength:
		return fmt.Errorf("%w: query exceeds %d characters", ErrValidation, maxQueryLength)
	case r.Constraints.MaxSources < 0 || r.Constraints.MaxSources > maxSourcesLimit:
		return fmt.Errorf("%w: max_sources must be between 0 and %d", ErrValidation, maxSourcesLimit)
	case r.HILConfig.QualityThreshold < 0 || r.HILConfig.QualityThreshold > 1:
		return fmt.Errorf("%w: quality_threshold must be between 0 and 1", ErrValidation)
	case r.OutputConfig.MaxLength < 0:
		return fmt.Errorf("%w: max_length must not be negative", ErrValidation)
	case r.OutputConfig.Format != "" && !models.ValidFormat(r.OutputConfig.Format):
		return fmt.Errorf("%w: format must be markdown, text or html", ErrValidation)
	}
	if r.Constraints.MaxSources == 0 {
		r.Constraints.MaxSources = defaultMaxSources
	}
	if r.OutputConfig.Format == "" {
		r.OutputConfig.Format = models.FormatMarkdown
	}
	return nil
}

// Create persists a new job in status created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		Query:        req.Query,
		Constraints:  req.Constraints,
		OutputConfig: req.OutputConfig,
		HILConfig:    req.HILConfig,
		Status:       models.JobStatusCreated,
		Errors:       []models.JobError{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.cacheProgress(ctx, job)
	m.logger.Info("job created", "job_id", job.ID, "owner_id", job.OwnerID)
	return job, nil
}

// Get returns a job unless it was soft-deleted.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// List returns one page of an owner's jobs, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return m.store.ListJobs(ctx, filter)
}

// UpdateRequest edits a job that has not been started. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Query        *string
	Constraints  *models.Constraints
	OutputConfig *models.OutputConfig
	HILConfig    *models.HILConfig
}

// Update edits the query or configuration of a created job. The merged
// request is validated like a new one.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status != models.JobStatusCreated {
			return nil, fmt.Errorf("%w: cannot edit job in status %s", workflow.ErrInvalidTransition, j.Status)
		}
		merged := CreateRequest{
			OwnerID:      j.OwnerID,
			Query:        j.Query,
			Constraints:  j.Constraints,
			OutputConfig: j.OutputConfig,
			HILConfig:    j.HILConfig,
		}
		if req.Query != nil {
			merged.Query = *req.Query
		}
		if req.Constraints != nil {
			merged.Constraints = *req.Constraints
		}
		if req.OutputConfig != nil {
			merged.OutputConfig = *req.OutputConfig
		}
		if req.HILConfig != nil {
			merged.HILConfig = *req.HILConfig
		}
		if err := merged.normalize(); err != nil {
			return nil, err
		}
		j.Query = merged.Query
		j.Constraints = merged.Constraints
		j.OutputConfig = merged.OutputConfig
		j.HILConfig = merged.HILConfig
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("job updated", "job_id", id)
	return job, nil
}

// JobStats summarises an owner's jobs.
type JobStats struct {
	Total    int                      `json:"total"`
	Active   int                      `json:"active"`
	ByStatus map[models.JobStatus]int `json:"by_status"`
}

// Stats counts an owner's jobs by status. Active jobs are started and not
// yet terminal.
func (m *Manager) Stats(ctx context.Context, ownerID uuid.UUID) (*JobStats, error) {
	counts, err := m.store.CountJobsByStatus(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	stats := &JobStats{ByStatus: counts}
	for status, n := range counts {
		stats.Total += n
		if status != models.JobStatusCreated && !status.Terminal() {
			stats.Active += n
		}
	}
	return stats, nil
}

// Start queues a created job for execution.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if err := transition(j, models.JobStatusQueued); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		j.StartedAt = &now
		return []models.ProgressEvent{{Kind: models.EventStatusChanged}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.Schedule(id)
	return job, nil
}

// Cancel requests cooperative cancellation. The engine moves the job to
// cancelled at the next stage boundary. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status == models.JobStatusCancelling {
			return nil, errNoChange
		}
		if err := transition(j, models.JobStatusCancelling); err != nil {
			return nil, err
		}
		return []models.ProgressEvent{{Kind: models.EventStatusChanged}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.Schedule(id)
	return job, nil
}

// Retry resumes a failed job from the stage after its latest checkpoint.
// Earlier errors stay in the job's history.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	resumeAt, progress := models.StageQueryUnderstanding, 0
	cp, err := m.store.LatestCheckpoint(ctx, id)
	switch {
	case err == nil:
		resumeAt, progress = cp.NextStage, workflow.StageProgress(cp.Stage)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	job, err := m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status != models.JobStatusFailed {
			return nil, fmt.Errorf("%w (status %s)", workflow.ErrNotRetryable, j.Status)
		}
		if j.NeedsInspection {
			return nil, fmt.Errorf("%w: %w", workflow.ErrNotRetryable, workflow.ErrCheckpointCorruption)
		}
		if err := transition(j, models.JobStatusRetrying); err != nil {
			return nil, err
		}
		if err := transition(j, models.JobStatusQueued); err != nil {
			return nil, err
		}
		j.CurrentStage = resumeAt
		j.Progress = progress
		j.LastError = nil
		j.CompletedAt = nil
		return []models.ProgressEvent{
			{Kind: models.EventStatusChanged, Status: models.JobStatusRetrying},
			{Kind: models.EventStatusChanged, Stage: resumeAt},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("job retried", "job_id", id, "resume_at", resumeAt)
	m.Schedule(id)
	return job, nil
}

// Delete soft-deletes a job that is not in flight.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status != models.JobStatusCreated && !j.Status.Terminal() {
			return nil, fmt.Errorf("%w: cannot delete job in status %s", workflow.ErrInvalidTransition, j.Status)
		}
		now := time.Now().UTC()
		j.DeletedAt = &now
		return nil, nil
	})
	if err != nil {
		return err
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, cache.JobProgressKey(id)); err != nil {
			m.logger.Warn("evict progress cache failed", "job_id", id, "error", err)
		}
	}
	return nil
}

// --- Engine callbacks ---

// BeginStage marks stage as running. Re-entering the stage a job is
// already in (after a crash) is allowed.
func (m *Manager) BeginStage(ctx context.Context, id uuid.UUID, stage models.Stage) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status == models.JobStatusCancelling {
			return nil, workflow.ErrCancelRequested
		}
		to := workflow.StatusForStage(stage)
		if j.Status != to || j.CurrentStage != stage {
			if err := transition(j, to); err != nil {
				return nil, err
			}
		}
		j.CurrentStage = stage
		return []models.ProgressEvent{{Kind: models.EventStageStarted, Stage: stage}}, nil
	})
}

// CompleteStage records that stage's checkpoint seq was written.
func (m *Manager) CompleteStage(ctx context.Context, id uuid.UUID, stage models.Stage, seq int64) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if p := workflow.StageProgress(stage); p > j.Progress {
			j.Progress = p
		}
		j.LastCheckpointSeq = seq
		return []models.ProgressEvent{{
			Kind:    models.EventStageCompleted,
			Stage:   stage,
			Payload: map[string]any{"checkpoint": seq},
		}}, nil
	})
}

// AwaitReview suspends the job at the human review gate.
func (m *Manager) AwaitReview(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		switch j.Status {
		case models.JobStatusCancelling:
			return nil, workflow.ErrCancelRequested
		case models.JobStatusAwaitingHuman:
			return nil, errNoChange
		}
		if err := transition(j, models.JobStatusAwaitingHuman); err != nil {
			return nil, err
		}
		j.CurrentStage = models.StageHumanReview
		return []models.ProgressEvent{{Kind: models.EventAwaitingReview, Stage: models.StageHumanReview}}, nil
	})
}

// Fail moves the job to failed and records cause in its error history.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, stage models.Stage, kind string, cause error) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status.Terminal() {
			return nil, errNoChange
		}
		if err := transition(j, models.JobStatusFailed); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		msg := cause.Error()
		j.Errors = append(j.Errors, models.JobError{Stage: stage, Kind: kind, Message: msg, At: now})
		j.LastError = &msg
		j.CompletedAt = &now
		if kind == models.ErrorKindCheckpointCorruption {
			j.NeedsInspection = true
		}
		return []models.ProgressEvent{
			{Kind: models.EventError, Stage: stage, Payload: map[string]any{"kind": kind, "message": msg}},
			{Kind: models.EventTerminal, Stage: stage},
		}, nil
	})
}

// Complete marks the job completed.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status == models.JobStatusCancelling {
			return nil, workflow.ErrCancelRequested
		}
		if j.Status == models.JobStatusCompleted {
			return nil, errNoChange
		}
		if err := transition(j, models.JobStatusCompleted); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		j.Progress = 100
		j.CompletedAt = &now
		return []models.ProgressEvent{{Kind: models.EventTerminal}}, nil
	})
}

// FinishCancel moves a cancelling job to cancelled.
func (m *Manager) FinishCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) ([]models.ProgressEvent, error) {
		if j.Status.Terminal() {
			return nil, errNoChange
		}
		if err := transition(j, models.JobStatusCancelled); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		j.CompletedAt = &now
		return []models.ProgressEvent{{Kind: models.EventTerminal}}, nil
	})
}

// --- internals ---

// transition validates and applies a status change.
func transition(j *models.Job, to models.JobStatus) error {
	if err := workflow.ValidateTransition(j.Status, to); err != nil {
		return err
	}
	j.Status = to
	return nil
}

// mutate applies fn to a fresh copy of the job under the job's lock and
// writes it back with an optimistic version check, retrying on conflicts
// with other processes. Events returned by fn are sequenced from the job's
// event counter and published once the write has succeeded.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Job) ([]models.ProgressEvent, error)) (*models.Job, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := m.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.DeletedAt != nil {
			return nil, store.ErrNotFound
		}

		next := cur.Clone()
		pending, err := fn(next)
		if errors.Is(err, errNoChange) {
			return cur, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		stamped := make([]models.ProgressEvent, 0, len(pending))
		for _, ev := range pending {
			next.EventSeq++
			ev.JobID = id
			ev.Sequence = next.EventSeq
			ev.At = now
			if ev.Status == "" {
				ev.Status = next.Status
			}
			if ev.Stage == "" {
				ev.Stage = next.CurrentStage
			}
			ev.Progress = next.Progress
			stamped = append(stamped, ev)
		}

		err = m.store.UpdateJob(ctx, next, cur.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			m.logger.Debug("job version conflict, retrying", "job_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}

		for _, ev := range stamped {
			m.bus.Publish(ev)
		}
		if next.Status != cur.Status {
			m.logger.Info("job status changed", "job_id", id, "from", cur.Status, "to", next.Status, "stage", next.CurrentStage)
			if next.Status.Terminal() {
				metrics.IncTerminal(string(next.Status))
			}
		}
		m.cacheProgress(ctx, next)
		return next, nil
	}
	return nil, fmt.Errorf("%w: job %s changed concurrently", workflow.ErrConflict, id)
}

// ProgressView is the lightweight status summary served to pollers.
type ProgressView struct {
	JobID     uuid.UUID        `json:"job_id"`
	OwnerID   uuid.UUID        `json:"owner_id"`
	Status    models.JobStatus `json:"status"`
	Stage     models.Stage     `json:"current_stage,omitempty"`
	Progress  int              `json:"progress"`
	LastError *string          `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func progressView(j *models.Job) ProgressView {
	return ProgressView{
		JobID:     j.ID,
		OwnerID:   j.OwnerID,
		Status:    j.Status,
		Stage:     j.CurrentStage,
		Progress:  j.Progress,
		LastError: j.LastError,
		UpdatedAt: j.UpdatedAt,
	}
}

// Progress returns the job's progress view, from cache when possible.
func (m *Manager) Progress(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	if m.cache != nil {
		view, found, err := cache.GetJSON[ProgressView](ctx, m.cache, cache.JobProgressKey(id))
		if err != nil {
			m.logger.Warn("progress cache read failed", "job_id", id, "error", err)
		}
		if found {
			return &view, nil
		}
	}
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := progressView(job)
	return &view, nil
}

func (m *Manager) cacheProgress(ctx context.Context, j *models.Job) {
	if m.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, m.cache, cache.JobProgressKey(j.ID), progressView(j), m.cacheTTL); err != nil {
		m.logger.Warn("progress cache write failed", "job_id", j.ID, "error", err)
	}
}
