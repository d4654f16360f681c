// Package workflow runs research jobs through the stage pipeline: it executes
// stages, checkpoints after each one, applies the quality gate and suspends
// jobs for human review.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// StageInput is the read-only view of a job handed to an executor.
// Executors must not mutate State.
type StageInput struct {
	JobID        uuid.UUID
	Stage        models.Stage
	Query        string
	Constraints  models.Constraints
	OutputConfig models.OutputConfig
	State        models.WorkflowState
}

// StageConfig carries per-stage settings from the pipeline config.
type StageConfig struct {
	Timeout time.Duration
	Params  map[string]string
}

// Executor runs the work of one stage and returns the state it produced.
type Executor interface {
	Execute(ctx context.Context, in StageInput, cfg StageConfig) (models.StateSlice, error)
}

// QualityScorer rates a drafted report between 0 and 1.
type QualityScorer interface {
	Score(ctx context.Context, in StageInput) (float64, error)
}

// Registry binds executors to stages.
type Registry struct {
	Executors map[models.Stage]Executor
	Configs   map[models.Stage]StageConfig
	Scorer    QualityScorer
}

// Validate checks that every executable stage has an executor.
func (r Registry) Validate() error {
	for _, stage := range mainOrder {
		if stage == models.StageReviewGate {
			continue
		}
		if r.Executors[stage] == nil {
			return fmt.Errorf("no executor registered for stage %s", stage)
		}
	}
	if r.Scorer == nil {
		return errors.New("no quality scorer registered")
	}
	return nil
}

// Tracker owns job records. The engine reports every status and progress
// change through it; the job lifecycle manager implements it.
type Tracker interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// BeginStage returns ErrCancelRequested when the job is cancelling.
	BeginStage(ctx context.Context, id uuid.UUID, stage models.Stage) (*models.Job, error)
	CompleteStage(ctx context.Context, id uuid.UUID, stage models.Stage, seq int64) (*models.Job, error)
	// AwaitReview returns ErrCancelRequested when the job is cancelling.
	AwaitReview(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Fail(ctx context.Context, id uuid.UUID, stage models.Stage, kind string, cause error) (*models.Job, error)
	// Complete returns ErrCancelRequested when the job is cancelling.
	Complete(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FinishCancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Schedule(id uuid.UUID)
}

// CheckpointStore is the slice of store.Store the engine and gate need.
type CheckpointStore interface {
	AppendCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LatestCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
	ResolveReview(ctx context.Context, decision *models.ReviewDecision, cp *models.Checkpoint) error
}

// Engine drives jobs through the pipeline.
type Engine struct {
	store    CheckpointStore
	tracker  Tracker
	registry Registry
	policy   GatePolicy
	gate     *Gate
	logger   *slog.Logger
}

// NewEngine creates an Engine. reviewTimeout of zero disables automatic
// resolution of pending reviews.
func NewEngine(st CheckpointStore, tracker Tracker, reg Registry, policy GatePolicy, reviewTimeout time.Duration, logger *slog.Logger) (*Engine, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		tracker:  tracker,
		registry: reg,
		policy:   policy,
		gate:     newGate(st, tracker, policy, reviewTimeout, logger),
		logger:   logger,
	}, nil
}

// Gate returns the human review gate bound to this engine.
func (e *Engine) Gate() *Gate { return e.gate }

// Close stops pending review timers.
func (e *Engine) Close() { e.gate.stop() }

// run is the in-memory mirror of a job's latest checkpoint.
type run struct {
	state models.WorkflowState
	seq   int64
	next  models.Stage
}

// Run advances a job from its latest checkpoint until it completes, fails,
// is cancelled or suspends for review. Callers must not run the same job
// concurrently; the dispatcher guarantees that.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID) error {
	logger := e.logger.With("job_id", jobID)

	job, err := e.tracker.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() || job.Status == models.JobStatusCreated {
		return nil
	}
	if job.Status == models.JobStatusCancelling {
		return e.finishCancel(ctx, jobID, logger)
	}

	r, err := e.resume(ctx, job)
	if err != nil {
		if errors.Is(err, ErrCheckpointCorruption) {
			logger.Error("checkpoint unreadable, job needs inspection", "error", err)
			if _, ferr := e.tracker.Fail(ctx, jobID, job.CurrentStage, models.ErrorKindCheckpointCorruption, err); ferr != nil {
				return fmt.Errorf("record corruption: %w", ferr)
			}
		}
		return err
	}
	return e.drive(ctx, job, r, logger)
}

func (e *Engine) resume(ctx context.Context, job *models.Job) (*run, error) {
	cp, err := e.store.LatestCheckpoint(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		state := models.NewWorkflowState(job.Query)
		state.Errors = append(state.Errors, failuresSince(job.Errors, time.Time{})...)
		return &run{state: state, next: models.StageQueryUnderstanding}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.NextStage != "" && !cp.NextStage.Valid() {
		return nil, fmt.Errorf("%w: sequence %d has unknown next stage %q", ErrCheckpointCorruption, cp.Sequence, cp.NextStage)
	}
	state, err := models.DecodeState(cp.State)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %v", ErrCheckpointCorruption, cp.Sequence, err)
	}
	state.Errors = append(state.Errors, failuresSince(job.Errors, cp.CreatedAt)...)
	return &run{state: state, seq: cp.Sequence, next: cp.NextStage}, nil
}

// failuresSince returns the messages of job errors raised after the
// checkpoint taken at since. A failed stage writes no checkpoint, so these
// reach the workflow state on the next resume.
func failuresSince(errs []models.JobError, since time.Time) []string {
	var out []string
	for _, je := range errs {
		if je.At.After(since) {
			out = append(out, je.Message)
		}
	}
	return out
}

func (e *Engine) drive(ctx context.Context, job *models.Job, r *run, logger *slog.Logger) error {
	for {
		switch r.next {
		case "":
			return e.complete(ctx, job.ID, logger)
		case models.StageHumanReview:
			return e.suspend(ctx, job.ID, logger)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		stage := r.next
		current, err := e.tracker.BeginStage(ctx, job.ID, stage)
		if errors.Is(err, ErrCancelRequested) {
			return e.finishCancel(ctx, job.ID, logger)
		}
		if err != nil {
			return fmt.Errorf("begin stage %s: %w", stage, err)
		}
		job = current

		logger.Info("stage started", "stage", stage, "sequence", r.seq+1)
		started := time.Now()
		slice, route, err := e.execute(ctx, job, r, stage)
		elapsed := time.Since(started)
		if err != nil {
			if ctx.Err() != nil {
				metrics.ObserveStage(string(stage), metrics.OutcomeInterrupted, elapsed)
				logger.Warn("stage interrupted", "stage", stage, "error", err)
				return ctx.Err()
			}
			metrics.ObserveStage(string(stage), metrics.OutcomeFailed, elapsed)
			return e.failStage(ctx, job.ID, stage, err, logger)
		}

		next, err := Next(stage, route)
		if err != nil {
			return e.failStage(ctx, job.ID, stage, err, logger)
		}
		r.state.Merge(slice)
		r.state.CurrentNode = stage
		switch {
		case stage == models.StageReviewGate && route == RouteRevise:
			r.state.Revisions++
		case stage == models.StageDrafting:
			delete(r.state.Metadata, models.MetaReviewInstructions)
		}

		if err := e.checkpoint(ctx, job.ID, r, stage, next); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				logger.Warn("checkpoint sequence taken, another runner owns the job", "stage", stage)
				return fmt.Errorf("%w: checkpoint %d already written", ErrConflict, r.seq+1)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("checkpoint write failed", "stage", stage, "error", err)
			if _, ferr := e.tracker.Fail(ctx, job.ID, stage, models.ErrorKindInternal, err); ferr != nil {
				return fmt.Errorf("record checkpoint failure: %w", ferr)
			}
			return err
		}
		metrics.ObserveStage(string(stage), metrics.OutcomeCompleted, elapsed)

		if _, err := e.tracker.CompleteStage(ctx, job.ID, stage, r.seq); err != nil {
			return fmt.Errorf("complete stage %s: %w", stage, err)
		}
		logger.Info("stage completed", "stage", stage, "sequence", r.seq, "next", next, "duration", elapsed)
		r.next = next
	}
}

// execute runs one stage. Panics in executors are reported as errors.
func (e *Engine) execute(ctx context.Context, job *models.Job, r *run, stage models.Stage) (slice models.StateSlice, route Route, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()

	in := StageInput{
		JobID:        job.ID,
		Stage:        stage,
		Query:        job.Query,
		Constraints:  job.Constraints,
		OutputConfig: job.OutputConfig,
		State:        r.state,
	}
	cfg := e.registry.Configs[stage]
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if stage == models.StageReviewGate {
		score, err := e.registry.Scorer.Score(ctx, in)
		if err != nil {
			return models.StateSlice{}, "", err
		}
		score = clampScore(score)
		hil := job.HILConfig
		// an approved review satisfies the forced human pass
		if r.state.MetaString(models.MetaReviewAction) == string(models.ReviewApprove) {
			hil.Enabled = false
		}
		route = e.policy.Route(score, r.state.Revisions, hil)
		metrics.IncGateRoute(string(route))
		return models.StateSlice{
			Messages: []models.Message{{
				Role:    "assistant",
				Content: fmt.Sprintf("Quality score %.2f, route %s.", score, route),
				At:      time.Now().UTC(),
			}},
			Metadata: map[string]any{
				models.MetaQualityScore: score,
				models.MetaGateRoute:    string(route),
			},
		}, route, nil
	}

	slice, err = e.registry.Executors[stage].Execute(ctx, in, cfg)
	return slice, RouteProceed, err
}

// checkpoint appends the state as the next sequence and reloads it from the
// encoded body so the in-memory state always equals what a resume would see.
func (e *Engine) checkpoint(ctx context.Context, jobID uuid.UUID, r *run, stage, next models.Stage) error {
	body, err := models.EncodeState(r.state)
	if err != nil {
		return err
	}
	cp := &models.Checkpoint{
		ID:        uuid.New(),
		JobID:     jobID,
		Stage:     stage,
		Sequence:  r.seq + 1,
		NextStage: next,
		State:     body,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
		return err
	}
	state, err := models.DecodeState(body)
	if err != nil {
		return err
	}
	r.state = state
	r.seq = cp.Sequence
	return nil
}

func (e *Engine) failStage(ctx context.Context, jobID uuid.UUID, stage models.Stage, cause error, logger *slog.Logger) error {
	stageErr := &StageExecutionError{Stage: stage, Err: cause}
	logger.Error("stage failed", "stage", stage, "error", cause)
	if _, err := e.tracker.Fail(ctx, jobID, stage, models.ErrorKindStageExecution, stageErr); err != nil {
		return fmt.Errorf("record stage failure: %w", err)
	}
	return stageErr
}

func (e *Engine) suspend(ctx context.Context, jobID uuid.UUID, logger *slog.Logger) error {
	job, err := e.tracker.AwaitReview(ctx, jobID)
	if errors.Is(err, ErrCancelRequested) {
		return e.finishCancel(ctx, jobID, logger)
	}
	if err != nil {
		return fmt.Errorf("await review: %w", err)
	}
	e.gate.arm(jobID, job.UpdatedAt)
	logger.Info("job awaiting human review")
	return nil
}

func (e *Engine) complete(ctx context.Context, jobID uuid.UUID, logger *slog.Logger) error {
	_, err := e.tracker.Complete(ctx, jobID)
	if errors.Is(err, ErrCancelRequested) {
		return e.finishCancel(ctx, jobID, logger)
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	logger.Info("job completed")
	return nil
}

func (e *Engine) finishCancel(ctx context.Context, jobID uuid.UUID, logger *slog.Logger) error {
	e.gate.Disarm(jobID)
	if _, err := e.tracker.FinishCancel(ctx, jobID); err != nil {
		return fmt.Errorf("finish cancel: %w", err)
	}
	logger.Info("job cancelled")
	return nil
}
