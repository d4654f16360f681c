package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. It backs tests and local runs without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	keys        map[uuid.UUID]*models.APIKey
	jobs        map[uuid.UUID]*models.Job
	checkpoints map[uuid.UUID][]*models.Checkpoint
	decisions   map[uuid.UUID][]*models.ReviewDecision
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        make(map[uuid.UUID]*models.APIKey),
		jobs:        make(map[uuid.UUID]*models.Job),
		checkpoints: make(map[uuid.UUID][]*models.Checkpoint),
		decisions:   make(map[uuid.UUID][]*models.ReviewDecision),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		ts := time.Now().UTC()
		k.LastUsedAt = &ts
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return ErrNotFound
	}
	ts := time.Now().UTC()
	k.DeletedAt = &ts
	return nil
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.Job
	for _, j := range m.jobs {
		if j.OwnerID != filter.OwnerID || j.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	page, limit := normalizePage(filter.Page, filter.Limit)
	total := len(matched)
	start := (page - 1) * limit
	out := []*models.Job{}
	for i := start; i < total && i < start+limit; i++ {
		out = append(out, matched[i].Clone())
	}
	return out, total, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) ListUnfinishedJobs(_ context.Context) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusCreated || j.Status.Terminal() || j.DeletedAt != nil {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) CountJobsByStatus(_ context.Context, ownerID uuid.UUID) (map[models.JobStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.JobStatus]int)
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.DeletedAt == nil {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// --- Checkpoints ---

func (m *MemoryStore) AppendCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCheckpointLocked(cp)
}

func (m *MemoryStore) appendCheckpointLocked(cp *models.Checkpoint) error {
	if _, ok := m.jobs[cp.JobID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.checkpoints[cp.JobID] {
		if existing.Sequence == cp.Sequence {
			return ErrDuplicateKey
		}
	}
	c := copyCheckpoint(cp)
	list := append(m.checkpoints[cp.JobID], c)
	sort.Slice(list, func(a, b int) bool { return list[a].Sequence < list[b].Sequence })
	m.checkpoints[cp.JobID] = list
	return nil
}

func (m *MemoryStore) LatestCheckpoint(_ context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.checkpoints[jobID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return copyCheckpoint(list[len(list)-1]), nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, jobID uuid.UUID, seq int64) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.checkpoints[jobID] {
		if cp.Sequence == seq {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Checkpoint{}
	for _, cp := range m.checkpoints[jobID] {
		c := *cp
		c.State = nil
		out = append(out, &c)
	}
	return out, nil
}

// ReplaceCheckpointState overwrites a stored checkpoint body. It exists so
// tests can simulate storage corruption; production code never rewrites
// checkpoints.
func (m *MemoryStore) ReplaceCheckpointState(jobID uuid.UUID, seq int64, state []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints[jobID] {
		if cp.Sequence == seq {
			cp.State = append([]byte(nil), state...)
			return true
		}
	}
	return false
}

// --- Review Decisions ---

func (m *MemoryStore) ResolveReview(_ context.Context, decision *models.ReviewDecision, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions[decision.JobID] {
		if d.GateSequence == decision.GateSequence {
			return ErrDuplicateKey
		}
	}
	if err := m.appendCheckpointLocked(cp); err != nil {
		return err
	}
	d := *decision
	m.decisions[decision.JobID] = append(m.decisions[decision.JobID], &d)
	return nil
}

func (m *MemoryStore) ListReviewDecisions(_ context.Context, jobID uuid.UUID) ([]*models.ReviewDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.ReviewDecision{}
	for _, d := range m.decisions[jobID] {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func copyCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	c := *cp
	c.State = append([]byte(nil), cp.State...)
	return &c
}
