package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/derril-tech/researchflow/internal/events"
	"github.com/derril-tech/researchflow/internal/jobs"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

// stubExecutor produces a deterministic slice for its stage. fn, when set,
// replaces the default behaviour.
type stubExecutor struct {
	stage models.Stage
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, in workflow.StageInput, call int) (models.StateSlice, error)
}

func (e *stubExecutor) Execute(ctx context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, in, call)
	}
	return defaultSlice(e.stage, in), nil
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func defaultSlice(stage models.Stage, in workflow.StageInput) models.StateSlice {
	slice := models.StateSlice{
		Messages: []models.Message{{Role: "assistant", Content: string(stage) + " done"}},
	}
	switch stage {
	case models.StageRetrieval:
		slice.Sources = []models.Source{
			{ID: "s1", Origin: "https://example.org/a", Content: "remote teams ship faster", Score: 0.9},
			{ID: "s2", Origin: "https://example.org/b", Content: "office time aids mentoring", Score: 0.7},
		}
	case models.StageSynthesis:
		slice.Claims = []models.Claim{{ID: "c1", Text: "remote work raises output", SourceIDs: []string{"s1"}}}
	case models.StageDrafting:
		slice.Artifacts = []models.Artifact{{ID: fmt.Sprintf("draft-%d", len(in.State.Artifacts)+1), Type: models.ArtifactDraft, Content: "# Draft"}}
	case models.StageFactChecking:
		slice.Citations = []models.Citation{{ClaimID: "c1", SourceID: "s1"}}
	case models.StageFormatting:
		slice.Artifacts = []models.Artifact{{ID: "report", Type: models.ArtifactReport, Content: "# Report"}}
	}
	return slice
}

type scriptedScorer struct {
	mu     sync.Mutex
	scores []float64
	calls  int
}

func (s *scriptedScorer) Score(_ context.Context, _ workflow.StageInput) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.scores) {
		i = len(s.scores) - 1
	}
	return s.scores[i], nil
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *recordingScheduler) Schedule(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *recordingScheduler) count(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.ids {
		if got == id {
			n++
		}
	}
	return n
}

// --- Harness ---

var executableStages = []models.Stage{
	models.StageQueryUnderstanding,
	models.StageRetrieval,
	models.StageSynthesis,
	models.StageDrafting,
	models.StageFactChecking,
	models.StageVisualization,
	models.StageFormatting,
}

type harness struct {
	t      *testing.T
	store  *store.MemoryStore
	hub    *events.Hub
	mgr    *jobs.Manager
	engine *workflow.Engine
	sched  *recordingScheduler
	execs  map[models.Stage]*stubExecutor
	scorer *scriptedScorer
	cfgs   map[models.Stage]workflow.StageConfig
	policy workflow.GatePolicy
}

type harnessOption func(*harness, *time.Duration)

func withReviewTimeout(d time.Duration) harnessOption {
	return func(_ *harness, timeout *time.Duration) { *timeout = d }
}

func withApproveRoute(route workflow.Route) harnessOption {
	return func(h *harness, _ *time.Duration) { h.policy.ApproveRoute = route }
}

func withStageTimeout(stage models.Stage, d time.Duration) harnessOption {
	return func(h *harness, _ *time.Duration) { h.cfgs[stage] = workflow.StageConfig{Timeout: d} }
}

func newHarness(t *testing.T, scores []float64, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := &harness{
		t:      t,
		store:  store.NewMemoryStore(),
		hub:    events.NewHub(512, 512, 16),
		sched:  &recordingScheduler{},
		execs:  make(map[models.Stage]*stubExecutor),
		scorer: &scriptedScorer{scores: scores},
		cfgs:   make(map[models.Stage]workflow.StageConfig),
		policy: workflow.DefaultGatePolicy(),
	}
	var reviewTimeout time.Duration
	for _, o := range opts {
		o(h, &reviewTimeout)
	}

	h.mgr = jobs.NewManager(h.store, h.hub, jobs.WithLogger(logger))
	h.mgr.SetScheduler(h.sched)

	reg := workflow.Registry{
		Executors: make(map[models.Stage]workflow.Executor),
		Configs:   h.cfgs,
		Scorer:    h.scorer,
	}
	for _, stage := range executableStages {
		ex := &stubExecutor{stage: stage}
		h.execs[stage] = ex
		reg.Executors[stage] = ex
	}

	eng, err := workflow.NewEngine(h.store, h.mgr, reg, h.policy, reviewTimeout, logger)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	h.engine = eng
	return h
}

func (h *harness) start(hil models.HILConfig) uuid.UUID {
	h.t.Helper()
	job, err := h.mgr.Create(context.Background(), jobs.CreateRequest{
		OwnerID:   uuid.New(),
		Query:     "Does remote work improve developer productivity?",
		HILConfig: hil,
	})
	require.NoError(h.t, err)
	_, err = h.mgr.Start(context.Background(), job.ID)
	require.NoError(h.t, err)
	return job.ID
}

func (h *harness) job(id uuid.UUID) *models.Job {
	h.t.Helper()
	job, err := h.mgr.Get(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) latest(id uuid.UUID) (*models.Checkpoint, models.WorkflowState) {
	h.t.Helper()
	cp, err := h.store.LatestCheckpoint(context.Background(), id)
	require.NoError(h.t, err)
	state, err := models.DecodeState(cp.State)
	require.NoError(h.t, err)
	return cp, state
}

func (h *harness) stages(id uuid.UUID) []models.Stage {
	h.t.Helper()
	cps, err := h.store.ListCheckpoints(context.Background(), id)
	require.NoError(h.t, err)
	out := make([]models.Stage, 0, len(cps))
	for i, cp := range cps {
		require.Equal(h.t, int64(i+1), cp.Sequence, "checkpoint sequences must be contiguous")
		out = append(out, cp.Stage)
	}
	return out
}

// --- Happy path ---

func TestRun_HighScoreCompletes(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	require.NoError(t, h.engine.Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, []models.Stage{
		models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis,
		models.StageDrafting, models.StageFactChecking, models.StageVisualization,
		models.StageReviewGate, models.StageFormatting,
	}, h.stages(id))

	cp, state := h.latest(id)
	assert.Equal(t, models.Stage(""), cp.NextStage)
	assert.Len(t, state.Sources, 2)
	assert.Len(t, state.Claims, 1)
	assert.Len(t, state.Citations, 1)
	report, ok := state.LatestArtifact(models.ArtifactReport)
	require.True(t, ok)
	assert.Equal(t, "# Report", report.Content)
	assert.InDelta(t, 0.9, state.Metadata[models.MetaQualityScore], 1e-9)

	var last models.ProgressEvent
	prevProgress := 0
	for ev := range sub.C {
		assert.Greater(t, ev.Sequence, last.Sequence)
		assert.GreaterOrEqual(t, ev.Progress, prevProgress, "progress must not decrease")
		prevProgress = ev.Progress
		last = ev
	}
	assert.Equal(t, models.EventTerminal, last.Kind)
	assert.Equal(t, models.JobStatusCompleted, last.Status)
}

func TestRun_IgnoresCreatedAndTerminalJobs(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	job, err := h.mgr.Create(context.Background(), jobs.CreateRequest{OwnerID: uuid.New(), Query: "q"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), job.ID))
	assert.Equal(t, models.JobStatusCreated, h.job(job.ID).Status)
	assert.Equal(t, 0, h.execs[models.StageQueryUnderstanding].count())

	id := h.start(models.HILConfig{})
	require.NoError(t, h.engine.Run(context.Background(), id))
	require.NoError(t, h.engine.Run(context.Background(), id))
	assert.Equal(t, 1, h.execs[models.StageFormatting].count())
}

// --- Quality gate ---

func TestRun_RevisionLoopIsBounded(t *testing.T) {
	h := newHarness(t, []float64{0.7})
	id := h.start(models.HILConfig{})

	require.NoError(t, h.engine.Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, models.JobStatusAwaitingHuman, job.Status)
	assert.Equal(t, 4, h.execs[models.StageDrafting].count(), "one draft plus three automatic revisions")
	assert.Equal(t, 4, h.scorer.calls)

	cp, state := h.latest(id)
	assert.Equal(t, models.StageHumanReview, cp.NextStage)
	assert.Equal(t, 3, state.Revisions)
	assert.Equal(t, string(workflow.RouteEscalate), state.Metadata[models.MetaGateRoute])
}

func TestRun_RevisionThenProceed(t *testing.T) {
	h := newHarness(t, []float64{0.65, 0.85})
	id := h.start(models.HILConfig{})

	require.NoError(t, h.engine.Run(context.Background(), id))

	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, 2, h.execs[models.StageDrafting].count())
	assert.Equal(t, 2, h.execs[models.StageFactChecking].count())
	_, state := h.latest(id)
	assert.Equal(t, 1, state.Revisions)
	assert.Len(t, state.Artifacts, 3, "two drafts and the report")
}

func TestRun_HumanReviewForcedByJobConfig(t *testing.T) {
	h := newHarness(t, []float64{0.95})
	id := h.start(models.HILConfig{Enabled: true})

	require.NoError(t, h.engine.Run(context.Background(), id))
	assert.Equal(t, models.JobStatusAwaitingHuman, h.job(id).Status)
}

// --- Human review ---

func TestReview_ApproveRedraftsThenCompletes(t *testing.T) {
	h := newHarness(t, []float64{0.3, 0.9})
	id := h.start(models.HILConfig{})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, id))
	waiting := h.job(id)
	require.Equal(t, models.JobStatusAwaitingHuman, waiting.Status)
	assert.Equal(t, workflow.StageProgress(models.StageReviewGate), waiting.Progress)
	assert.Equal(t, models.StageHumanReview, waiting.CurrentStage)

	// A second run of a suspended job is a no-op.
	require.NoError(t, h.engine.Run(ctx, id))
	assert.Equal(t, 1, h.scorer.calls)

	before := h.sched.count(id)
	decision, err := h.engine.Gate().Submit(ctx, id, "alice", models.ReviewApprove, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), decision.GateSequence)
	assert.Equal(t, before+1, h.sched.count(id), "decision schedules the job")

	cp, _ := h.latest(id)
	assert.Equal(t, models.StageDrafting, cp.NextStage)

	require.NoError(t, h.engine.Run(ctx, id))
	job := h.job(id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, h.execs[models.StageDrafting].count())
	assert.Equal(t, 2, h.scorer.calls)

	assert.Equal(t, []models.Stage{
		models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis,
		models.StageDrafting, models.StageFactChecking, models.StageVisualization,
		models.StageReviewGate, models.StageHumanReview,
		models.StageDrafting, models.StageFactChecking, models.StageVisualization,
		models.StageReviewGate, models.StageFormatting,
	}, h.stages(id))

	decisions, err := h.store.ListReviewDecisions(ctx, id)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "alice", decisions[0].Reviewer)
}

func TestReview_ApproveCanSkipToFormatting(t *testing.T) {
	h := newHarness(t, []float64{0.3}, withApproveRoute(workflow.RouteProceed))
	id := h.start(models.HILConfig{})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, id))
	_, err := h.engine.Gate().Submit(ctx, id, "alice", models.ReviewApprove, "")
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, id))

	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, 1, h.execs[models.StageDrafting].count())
	stages := h.stages(id)
	assert.Equal(t, models.StageHumanReview, stages[7])
	assert.Equal(t, models.StageFormatting, stages[8])
}

func TestReview_ApprovalSatisfiesForcedReview(t *testing.T) {
	h := newHarness(t, []float64{0.95})
	id := h.start(models.HILConfig{Enabled: true})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, id))
	require.Equal(t, models.JobStatusAwaitingHuman, h.job(id).Status)
	_, err := h.engine.Gate().Submit(ctx, id, "alice", models.ReviewApprove, "")
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(ctx, id))
	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, 2, h.execs[models.StageDrafting].count())

	decisions, err := h.store.ListReviewDecisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, decisions, 1, "the approved draft is not sent back for review")
}

func TestReview_RequestChangesLoopsToDrafting(t *testing.T) {
	h := newHarness(t, []float64{0.3, 0.9})
	id := h.start(models.HILConfig{})
	ctx := context.Background()

	var seenInstructions string
	h.execs[models.StageDrafting].fn = func(_ context.Context, in workflow.StageInput, call int) (models.StateSlice, error) {
		if call == 2 {
			seenInstructions = in.State.MetaString(models.MetaReviewInstructions)
		}
		return defaultSlice(models.StageDrafting, in), nil
	}

	require.NoError(t, h.engine.Run(ctx, id))
	_, err := h.engine.Gate().Submit(ctx, id, "bob", models.ReviewRequestChanges, "cite the 2023 survey")
	require.NoError(t, err)

	_, state := h.latest(id)
	assert.Equal(t, 1, state.ReviewRounds)
	assert.Equal(t, "cite the 2023 survey", state.Metadata[models.MetaReviewInstructions])

	require.NoError(t, h.engine.Run(ctx, id))
	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, "cite the 2023 survey", seenInstructions)
	assert.Equal(t, 2, h.execs[models.StageDrafting].count())

	_, final := h.latest(id)
	assert.Equal(t, 0, final.Revisions, "human loop-backs do not count as automatic revisions")
	assert.Empty(t, final.MetaString(models.MetaReviewInstructions))
}

func TestReview_DuplicateDecisionConflicts(t *testing.T) {
	h := newHarness(t, []float64{0.3})
	id := h.start(models.HILConfig{})
	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx, id))

	_, err := h.engine.Gate().Submit(ctx, id, "alice", models.ReviewApprove, "")
	require.NoError(t, err)

	_, err = h.engine.Gate().Submit(ctx, id, "carol", models.ReviewReject, "")
	assert.ErrorIs(t, err, workflow.ErrConflict)

	decisions, err := h.store.ListReviewDecisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestReview_ConcurrentDecisionsOnlyOneWins(t *testing.T) {
	h := newHarness(t, []float64{0.3})
	id := h.start(models.HILConfig{})
	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx, id))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Gate().Submit(ctx, id, fmt.Sprintf("reviewer-%d", i), models.ReviewApprove, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, workflow.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestReview_RejectsJobNotWaiting(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})

	_, err := h.engine.Gate().Submit(context.Background(), id, "alice", models.ReviewApprove, "")
	assert.ErrorIs(t, err, workflow.ErrNotAwaitingReview)

	_, err = h.engine.Gate().Submit(context.Background(), uuid.New(), "alice", models.ReviewApprove, "")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestReview_InvalidDecision(t *testing.T) {
	h := newHarness(t, []float64{0.3})
	id := h.start(models.HILConfig{})
	require.NoError(t, h.engine.Run(context.Background(), id))

	_, err := h.engine.Gate().Submit(context.Background(), id, "alice", "shrug", "")
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision)

	_, err = h.engine.Gate().Submit(context.Background(), id, "  ", models.ReviewApprove, "")
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision)

	assert.Equal(t, models.JobStatusAwaitingHuman, h.job(id).Status)
}

func TestReview_TimeoutRequestsChanges(t *testing.T) {
	h := newHarness(t, []float64{0.3}, withReviewTimeout(30*time.Millisecond))
	id := h.start(models.HILConfig{})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, id))
	assert.True(t, h.engine.Gate().Armed(id))

	require.Eventually(t, func() bool {
		decisions, err := h.store.ListReviewDecisions(ctx, id)
		return err == nil && len(decisions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	decisions, err := h.store.ListReviewDecisions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.TimeoutReviewer, decisions[0].Reviewer)
	assert.Equal(t, models.ReviewRequestChanges, decisions[0].Action)
	assert.False(t, h.engine.Gate().Armed(id))

	cp, _ := h.latest(id)
	assert.Equal(t, models.StageDrafting, cp.NextStage)
}

func TestReview_DecisionDisarmsTimer(t *testing.T) {
	h := newHarness(t, []float64{0.3}, withReviewTimeout(time.Hour))
	id := h.start(models.HILConfig{})
	require.NoError(t, h.engine.Run(context.Background(), id))
	require.True(t, h.engine.Gate().Armed(id))

	_, err := h.engine.Gate().Submit(context.Background(), id, "alice", models.ReviewApprove, "")
	require.NoError(t, err)
	assert.False(t, h.engine.Gate().Armed(id))
}

// --- Failure and retry ---

func TestRun_StageFailureThenRetryResumes(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	ctx := context.Background()

	h.execs[models.StageFactChecking].fn = func(_ context.Context, in workflow.StageInput, call int) (models.StateSlice, error) {
		if call == 1 {
			return models.StateSlice{}, errors.New("claim verifier unavailable")
		}
		return defaultSlice(models.StageFactChecking, in), nil
	}

	err := h.engine.Run(ctx, id)
	var stageErr *workflow.StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageFactChecking, stageErr.Stage)

	failed := h.job(id)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "claim verifier unavailable")
	require.Len(t, failed.Errors, 1)
	assert.Equal(t, models.StageFactChecking, failed.Errors[0].Stage)
	assert.Len(t, h.stages(id), 4, "checkpoints up to drafting survive")

	retried, err := h.mgr.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageFactChecking, retried.CurrentStage)

	require.NoError(t, h.engine.Run(ctx, id))
	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, 1, h.execs[models.StageQueryUnderstanding].count(), "completed stages are not re-run")
	assert.Equal(t, 1, h.execs[models.StageDrafting].count())
	assert.Equal(t, 2, h.execs[models.StageFactChecking].count())
	assert.Len(t, h.job(id).Errors, 1)

	_, state := h.latest(id)
	require.Len(t, state.Errors, 1, "the failure is carried into the workflow state")
	assert.Contains(t, state.Errors[0], "stage fact_checking")
	assert.Contains(t, state.Errors[0], "claim verifier unavailable")
}

func TestRun_FirstStageFailureReachesState(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	ctx := context.Background()
	h.execs[models.StageQueryUnderstanding].fn = func(_ context.Context, in workflow.StageInput, call int) (models.StateSlice, error) {
		if call == 1 {
			return models.StateSlice{}, errors.New("planner offline")
		}
		return defaultSlice(models.StageQueryUnderstanding, in), nil
	}

	require.Error(t, h.engine.Run(ctx, id))
	_, err := h.store.LatestCheckpoint(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.mgr.Retry(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, id))

	cps, err := h.store.ListCheckpoints(ctx, id)
	require.NoError(t, err)
	first, err := models.DecodeState(cps[0].State)
	require.NoError(t, err)
	require.Len(t, first.Errors, 1)
	assert.Contains(t, first.Errors[0], "planner offline")

	_, final := h.latest(id)
	assert.Equal(t, first.Errors, final.Errors, "recorded once, not on every resume")
}

func TestRun_ExecutorPanicFailsJob(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	h.execs[models.StageSynthesis].fn = func(context.Context, workflow.StageInput, int) (models.StateSlice, error) {
		panic("nil map write")
	}

	err := h.engine.Run(context.Background(), id)
	require.Error(t, err)
	job := h.job(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.LastError, "executor panic")
}

func TestRun_StageTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, []float64{0.9}, withStageTimeout(models.StageRetrieval, 20*time.Millisecond))
	id := h.start(models.HILConfig{})
	h.execs[models.StageRetrieval].fn = func(ctx context.Context, _ workflow.StageInput, _ int) (models.StateSlice, error) {
		<-ctx.Done()
		return models.StateSlice{}, ctx.Err()
	}

	err := h.engine.Run(context.Background(), id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.JobStatusFailed, h.job(id).Status)
}

// --- Cancellation ---

func TestRun_CancelTakesEffectAtStageBoundary(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	h.execs[models.StageRetrieval].fn = func(ctx context.Context, in workflow.StageInput, _ int) (models.StateSlice, error) {
		_, err := h.mgr.Cancel(ctx, in.JobID)
		require.NoError(t, err)
		return defaultSlice(models.StageRetrieval, in), nil
	}

	require.NoError(t, h.engine.Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, h.execs[models.StageSynthesis].count())
	assert.Equal(t, []models.Stage{models.StageQueryUnderstanding, models.StageRetrieval}, h.stages(id),
		"the stage in flight still checkpoints")
}

func TestRun_CancelWhileAwaitingReview(t *testing.T) {
	h := newHarness(t, []float64{0.3}, withReviewTimeout(time.Hour))
	id := h.start(models.HILConfig{})
	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx, id))

	_, err := h.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, id))

	assert.Equal(t, models.JobStatusCancelled, h.job(id).Status)
	assert.False(t, h.engine.Gate().Armed(id))

	_, err = h.engine.Gate().Submit(ctx, id, "alice", models.ReviewApprove, "")
	assert.ErrorIs(t, err, workflow.ErrNotAwaitingReview)
}

// --- Resume ---

func TestRun_InterruptedRunResumesDeterministically(t *testing.T) {
	baseline := newHarness(t, []float64{0.9})
	baseID := baseline.start(models.HILConfig{})
	require.NoError(t, baseline.engine.Run(context.Background(), baseID))
	_, want := baseline.latest(baseID)

	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	h.execs[models.StageSynthesis].fn = func(ctx context.Context, in workflow.StageInput, call int) (models.StateSlice, error) {
		if call == 1 {
			cancel()
			return models.StateSlice{}, ctx.Err()
		}
		return defaultSlice(models.StageSynthesis, in), nil
	}

	err := h.engine.Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	interrupted := h.job(id)
	assert.Equal(t, models.JobStatusSynthesizing, interrupted.Status, "an interrupted job stays in its stage")
	assert.Empty(t, interrupted.Errors)

	require.NoError(t, h.engine.Run(context.Background(), id))
	_, got := h.latest(id)

	assert.Equal(t, models.JobStatusCompleted, h.job(id).Status)
	assert.Equal(t, 1, h.execs[models.StageRetrieval].count())
	assert.Equal(t, 2, h.execs[models.StageSynthesis].count())
	assert.Equal(t, want.Sources, got.Sources)
	assert.Equal(t, want.Claims, got.Claims)
	assert.Equal(t, want.Citations, got.Citations)
	assert.Equal(t, len(want.Artifacts), len(got.Artifacts))
	assert.Equal(t, len(baseline.stages(baseID)), len(h.stages(id)))
}

func TestRun_CorruptCheckpointNeedsInspection(t *testing.T) {
	h := newHarness(t, []float64{0.9})
	id := h.start(models.HILConfig{})
	ctx := context.Background()
	h.execs[models.StageDrafting].fn = func(context.Context, workflow.StageInput, int) (models.StateSlice, error) {
		return models.StateSlice{}, errors.New("model overloaded")
	}
	require.Error(t, h.engine.Run(ctx, id))

	cp, _ := h.latest(id)
	require.True(t, h.store.ReplaceCheckpointState(id, cp.Sequence, []byte("{not json")))
	_, err := h.mgr.Retry(ctx, id)
	require.NoError(t, err)

	err = h.engine.Run(ctx, id)
	assert.ErrorIs(t, err, workflow.ErrCheckpointCorruption)

	job := h.job(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.True(t, job.NeedsInspection)
	assert.Equal(t, models.ErrorKindCheckpointCorruption, job.Errors[len(job.Errors)-1].Kind)

	_, err = h.mgr.Retry(ctx, id)
	assert.ErrorIs(t, err, workflow.ErrNotRetryable)
}

func TestNewEngine_RequiresEveryExecutor(t *testing.T) {
	reg := workflow.Registry{
		Executors: map[models.Stage]workflow.Executor{models.StageRetrieval: &stubExecutor{}},
		Scorer:    &scriptedScorer{scores: []float64{1}},
	}
	_, err := workflow.NewEngine(store.NewMemoryStore(), nil, reg, workflow.DefaultGatePolicy(), 0, nil)
	assert.Error(t, err)
}
