package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/syncx"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// TimeoutReviewer is recorded as the reviewer of decisions made by an
// expired review timer.
const TimeoutReviewer = "system:review-timeout"

const timeoutInstructions = "Review window expired without a decision; revise the draft."

// Gate accepts human review decisions for suspended jobs. Suspension is
// durable: a job is waiting while its latest checkpoint points at
// human_review, so nothing blocks in memory.
type Gate struct {
	store   CheckpointStore
	tracker Tracker
	policy  GatePolicy
	timeout time.Duration
	logger  *slog.Logger

	locks syncx.KeyedMutex

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func newGate(st CheckpointStore, tracker Tracker, policy GatePolicy, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:   st,
		tracker: tracker,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// Submit records a decision for a job awaiting review and schedules the job
// to continue. A second decision for the same gate fails with ErrConflict;
// a job that is not waiting fails with ErrNotAwaitingReview. Neither case
// changes any state.
func (g *Gate) Submit(ctx context.Context, jobID uuid.UUID, reviewer string, action models.ReviewAction, instructions string) (*models.ReviewDecision, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, action)
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidDecision)
	}

	unlock := g.locks.Lock(jobID)
	defer unlock()

	job, err := g.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusAwaitingHuman {
		return nil, fmt.Errorf("%w (status %s)", ErrNotAwaitingReview, job.Status)
	}

	gateCp, err := g.store.LatestCheckpoint(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no checkpoint opens a review", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if gateCp.NextStage != models.StageHumanReview {
		return nil, fmt.Errorf("%w: review already resolved", ErrConflict)
	}
	state, err := models.DecodeState(gateCp.State)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %v", ErrCheckpointCorruption, gateCp.Sequence, err)
	}

	route := g.policy.ReviewRoute(action)
	next, err := Next(models.StageHumanReview, route)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state.CurrentNode = models.StageHumanReview
	state.ReviewRounds++
	state.Metadata[models.MetaReviewAction] = string(action)
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		state.Metadata[models.MetaReviewInstructions] = instructions
	} else {
		delete(state.Metadata, models.MetaReviewInstructions)
	}
	msg := fmt.Sprintf("%s: %s", reviewer, action)
	if instructions != "" {
		msg += " - " + instructions
	}
	state.Messages = append(state.Messages, models.Message{Role: "reviewer", Content: msg, At: now})

	body, err := models.EncodeState(state)
	if err != nil {
		return nil, err
	}
	decision := &models.ReviewDecision{
		ID:           uuid.New(),
		JobID:        jobID,
		GateSequence: gateCp.Sequence,
		Reviewer:     reviewer,
		Action:       action,
		Instructions: instructions,
		CreatedAt:    now,
	}
	cp := &models.Checkpoint{
		ID:        uuid.New(),
		JobID:     jobID,
		Stage:     models.StageHumanReview,
		Sequence:  gateCp.Sequence + 1,
		NextStage: next,
		State:     body,
		CreatedAt: now,
	}
	if err := g.store.ResolveReview(ctx, decision, cp); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: review already resolved", ErrConflict)
		}
		return nil, fmt.Errorf("resolve review: %w", err)
	}

	g.Disarm(jobID)
	metrics.IncReviewDecision(string(action))
	if _, err := g.tracker.CompleteStage(ctx, jobID, models.StageHumanReview, cp.Sequence); err != nil {
		// The decision is durable; recovery picks the job up from the new checkpoint.
		g.logger.Error("record review progress failed", "job_id", jobID, "error", err)
	}
	g.tracker.Schedule(jobID)

	g.logger.Info("review decision recorded",
		"job_id", jobID, "reviewer", reviewer, "action", action, "next", next)
	return decision, nil
}

// arm starts the review timer for a job that entered the gate at since.
// Arming an already armed job is a no-op.
func (g *Gate) arm(jobID uuid.UUID, since time.Time) {
	if g.timeout <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.timers[jobID]; ok {
		return
	}
	delay := g.timeout - time.Since(since)
	if delay < 0 {
		delay = 0
	}
	g.timers[jobID] = time.AfterFunc(delay, func() { g.expire(jobID) })
}

// Disarm cancels a pending review timer.
func (g *Gate) Disarm(jobID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[jobID]; ok {
		t.Stop()
		delete(g.timers, jobID)
	}
}

// Armed reports whether a review timer is pending for the job.
func (g *Gate) Armed(jobID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[jobID]
	return ok
}

func (g *Gate) expire(jobID uuid.UUID) {
	g.mu.Lock()
	delete(g.timers, jobID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := g.Submit(ctx, jobID, TimeoutReviewer, models.ReviewRequestChanges, timeoutInstructions)
	switch {
	case err == nil:
		g.logger.Info("review timed out, requested changes", "job_id", jobID)
	case errors.Is(err, ErrConflict):
		g.logger.Debug("review timer fired after resolution", "job_id", jobID)
	default:
		g.logger.Error("review timeout submission failed", "job_id", jobID, "error", err)
	}
}

func (g *Gate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
