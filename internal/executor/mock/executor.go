package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

// MockExecutor satisfies workflow.Executor for testing.
type MockExecutor struct {
	ExecuteFunc func(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error)

	mu    sync.Mutex
	calls []models.Stage
}

func (m *MockExecutor) Execute(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in.Stage)
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, in, cfg)
	}
	return models.StateSlice{}, nil
}

// Calls returns the stages executed so far, in order.
func (m *MockExecutor) Calls() []models.Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Stage(nil), m.calls...)
}

// NewMockExecutor returns a MockExecutor producing a small, plausible slice
// for every stage: two sources, one claim with citations, numbered drafts
// and a final report.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{ExecuteFunc: func(_ context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
		return SampleSlice(in), nil
	}}
}

// NewFailingExecutor returns a MockExecutor that always returns err.
func NewFailingExecutor(err error) *MockExecutor {
	return &MockExecutor{ExecuteFunc: func(context.Context, workflow.StageInput, workflow.StageConfig) (models.StateSlice, error) {
		return models.StateSlice{}, err
	}}
}

// NewTimeoutExecutor returns a MockExecutor that blocks until ctx is done.
func NewTimeoutExecutor() *MockExecutor {
	return &MockExecutor{ExecuteFunc: func(ctx context.Context, _ workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
		<-ctx.Done()
		return models.StateSlice{}, ctx.Err()
	}}
}

// SampleSlice is the slice NewMockExecutor returns for in.Stage.
func SampleSlice(in workflow.StageInput) models.StateSlice {
	now := time.Now().UTC()
	msg := []models.Message{{Role: "assistant", Content: "mock " + string(in.Stage), At: now}}
	switch in.Stage {
	case models.StageQueryUnderstanding:
		return models.StateSlice{Messages: msg, Metadata: map[string]any{
			models.MetaResearchPlan: map[string]any{"objective": in.Query},
		}}
	case models.StageRetrieval:
		return models.StateSlice{Messages: msg, Sources: []models.Source{
			{ID: "S1", Origin: "https://example.org/1", Content: "first", Score: 0.9},
			{ID: "S2", Origin: "https://example.org/2", Content: "second", Score: 0.7},
		}}
	case models.StageSynthesis:
		return models.StateSlice{Messages: msg, Claims: []models.Claim{
			{ID: "C1", Text: "mock claim", SourceIDs: []string{"S1", "S2"}},
		}}
	case models.StageDrafting:
		drafts := 0
		for _, a := range in.State.Artifacts {
			if a.Type == models.ArtifactDraft {
				drafts++
			}
		}
		id := fmt.Sprintf("draft-%d", drafts+1)
		return models.StateSlice{Messages: msg, Artifacts: []models.Artifact{
			{ID: id, Type: models.ArtifactDraft, Content: "# " + in.Query, CreatedAt: now},
		}}
	case models.StageFactChecking:
		return models.StateSlice{
			Messages:  msg,
			Claims:    []models.Claim{{ID: "C1", Text: "mock claim", SourceIDs: []string{"S1", "S2"}, Verified: true}},
			Citations: []models.Citation{{ClaimID: "C1", SourceID: "S1", Quote: "first"}},
		}
	case models.StageFormatting:
		return models.StateSlice{Messages: msg, Artifacts: []models.Artifact{
			{ID: "report", Type: models.ArtifactReport, Content: "# Report", CreatedAt: now},
		}}
	default:
		return models.StateSlice{Messages: msg}
	}
}

// MockScorer satisfies workflow.QualityScorer. Without ScoreFunc it
// returns the scores in Scores one per call, repeating the last.
type MockScorer struct {
	ScoreFunc func(ctx context.Context, in workflow.StageInput) (float64, error)
	Scores    []float64

	mu    sync.Mutex
	calls int
}

func (m *MockScorer) Score(ctx context.Context, in workflow.StageInput) (float64, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.mu.Unlock()
	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, in)
	}
	if len(m.Scores) == 0 {
		return 1, nil
	}
	if n >= len(m.Scores) {
		n = len(m.Scores) - 1
	}
	return m.Scores[n], nil
}

// Calls returns how many times Score ran.
func (m *MockScorer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// NewRegistry binds exec to every executable stage and scores with scorer.
func NewRegistry(exec workflow.Executor, scorer workflow.QualityScorer) workflow.Registry {
	reg := workflow.Registry{
		Executors: make(map[models.Stage]workflow.Executor),
		Configs:   make(map[models.Stage]workflow.StageConfig),
		Scorer:    scorer,
	}
	for _, stage := range workflow.ExecutableStages() {
		reg.Executors[stage] = exec
	}
	return reg
}

// Compile-time checks.
var (
	_ workflow.Executor      = (*MockExecutor)(nil)
	_ workflow.QualityScorer = (*MockScorer)(nil)
)
