package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/derril-tech/researchflow/internal/cache"
	"github.com/derril-tech/researchflow/internal/events"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// Results is the research output captured by a job's latest checkpoint.
type Results struct {
	JobID        uuid.UUID         `json:"job_id"`
	Checkpoint   int64             `json:"checkpoint"`
	Stage        models.Stage      `json:"stage,omitempty"`
	Sources      []models.Source   `json:"sources"`
	Claims       []models.Claim    `json:"claims"`
	Citations    []models.Citation `json:"citations"`
	Artifacts    []models.Artifact `json:"artifacts"`
	QualityScore *float64          `json:"quality_score,omitempty"`
}

// Results reads sources, claims, citations and artifacts without touching
// the running pipeline.
func (m *Manager) Results(ctx context.Context, id uuid.UUID) (*Results, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	cp, err := m.store.LatestCheckpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &Results{
			JobID:     id,
			Sources:   []models.Source{},
			Claims:    []models.Claim{},
			Citations: []models.Citation{},
			Artifacts: []models.Artifact{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	key := cache.ResultsKey(id, cp.Sequence)
	if m.cache != nil {
		if res, found, err := cache.GetJSON[Results](ctx, m.cache, key); err == nil && found {
			return &res, nil
		}
	}

	state, err := models.DecodeState(cp.State)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", cp.Sequence, err)
	}
	res := &Results{
		JobID:      id,
		Checkpoint: cp.Sequence,
		Stage:      cp.Stage,
		Sources:    state.Sources,
		Claims:     state.Claims,
		Citations:  state.Citations,
		Artifacts:  state.Artifacts,
	}
	if score, ok := state.Metadata[models.MetaQualityScore].(float64); ok {
		res.QualityScore = &score
	}

	if m.cache != nil {
		if err := cache.SetJSON(ctx, m.cache, key, res, m.cacheTTL); err != nil {
			m.logger.Warn("results cache write failed", "job_id", id, "error", err)
		}
	}
	return res, nil
}

// Checkpoints lists checkpoint headers for audit.
func (m *Manager) Checkpoints(ctx context.Context, id uuid.UUID) ([]*models.Checkpoint, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListCheckpoints(ctx, id)
}

// ReviewDecisions lists the human decisions taken on a job.
func (m *Manager) ReviewDecisions(ctx context.Context, id uuid.UUID) ([]*models.ReviewDecision, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListReviewDecisions(ctx, id)
}

// Feed is a progress subscription opened with the job's current snapshot.
type Feed struct {
	Snapshot *models.Job
	Sub      *events.Subscription
}

// Close releases the subscription.
func (f *Feed) Close() { f.Sub.Close() }

// Subscribe registers for live events before reading the snapshot, so no
// event between the two is missed. Events already reflected in the snapshot
// may be delivered again; their sequence is at most Snapshot.EventSeq.
func (m *Manager) Subscribe(ctx context.Context, id uuid.UUID) (*Feed, error) {
	sub := m.bus.Subscribe(id)
	job, err := m.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return &Feed{Snapshot: job, Sub: sub}, nil
}

// RecentEvents returns up to limit of the newest progress events.
func (m *Manager) RecentEvents(ctx context.Context, id uuid.UUID, limit int) ([]models.ProgressEvent, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.history.Recent(ctx, id, limit)
}
