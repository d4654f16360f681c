package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const solarQuery = "How fast are solar panel costs falling?"

func solarDocuments() []models.Document {
	return []models.Document{
		{
			Origin:  "https://news.example.com/b",
			Content: "Solar panel costs fell 75% between 2012 and 2021 [3]. Policy incentives accelerated solar adoption in Europe.",
		},
		{
			Origin:  "https://example.org/a",
			Title:   "Solar adoption",
			Content: "Solar panel costs fell 80% between 2010 and 2020. Grid storage remains the main bottleneck for solar adoption.",
		},
		{
			Origin:  "https://other.net/c",
			Content: "Cats sleep most of the day.",
		},
	}
}

func newInput(query string, docs []models.Document) workflow.StageInput {
	return workflow.StageInput{
		JobID:        uuid.New(),
		Query:        query,
		Constraints:  models.Constraints{MaxSources: 20, Documents: docs},
		OutputConfig: models.OutputConfig{Format: models.FormatMarkdown, IncludeCitations: true},
		State:        models.NewWorkflowState(query),
	}
}

// runStages executes stages in order, merging each slice into the input state.
func runStages(t *testing.T, in workflow.StageInput, stages ...models.Stage) workflow.StageInput {
	t.Helper()
	for _, stage := range stages {
		exec, err := ForStage(stage)
		require.NoError(t, err)
		in.Stage = stage
		slice, err := exec.Execute(context.Background(), in, workflow.StageConfig{})
		require.NoError(t, err, "stage %s", stage)
		in.State.Merge(slice)
	}
	return in
}

var throughFactCheck = []models.Stage{
	models.StageQueryUnderstanding,
	models.StageRetrieval,
	models.StageSynthesis,
	models.StageFactChecking,
}

// --- text helpers ---

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"fast", "solar", "panel", "costs", "falling"}, Keywords(solarQuery))
	assert.Empty(t, Keywords("is it a?"))
	assert.Equal(t, []string{"wind"}, Keywords("wind WIND wind"))
}

func TestFingerprint_IgnoresNumbersAndCitationMarks(t *testing.T) {
	a := Fingerprint("Solar panel costs fell 80% between 2010 and 2020.")
	b := Fingerprint("Solar panel costs fell 75% between 2012 and 2021 [3].")
	c := Fingerprint("Grid storage remains the main bottleneck.")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestSentences_DropsFragments(t *testing.T) {
	got := Sentences("Short. This sentence is long enough!  And   this one too?")
	assert.Equal(t, []string{"This sentence is long enough!", "And this one too?"}, got)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", truncateString("hello", 0))
	assert.Equal(t, "hel", truncateString("hello", 3))
	assert.Equal(t, "h", truncateString("hé", 2), "must not split a rune")
}

// --- planner ---

func TestPlanner_WritesResearchPlan(t *testing.T) {
	slice, err := Planner{}.Execute(context.Background(), newInput(solarQuery, nil), workflow.StageConfig{})
	require.NoError(t, err)

	plan, ok := slice.Metadata[models.MetaResearchPlan].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "How fast are solar panel costs falling?", plan["objective"])
	assert.Equal(t, []string{"fast", "solar", "panel", "costs", "falling"}, plan["keywords"])
	assert.Len(t, plan["questions"], 3)
	assert.Len(t, slice.Messages, 1)
}

func TestPlanner_SplitsCompoundQuery(t *testing.T) {
	slice, err := Planner{}.Execute(context.Background(), newInput("solar costs versus wind costs", nil), workflow.StageConfig{})
	require.NoError(t, err)
	plan := slice.Metadata[models.MetaResearchPlan].(map[string]any)
	assert.Equal(t, []string{"solar costs", "wind costs"}, plan["questions"])
}

func TestPlanner_RejectsEmptyQuery(t *testing.T) {
	_, err := Planner{}.Execute(context.Background(), newInput("is it?", nil), workflow.StageConfig{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestPlanKeywords_AfterJSONRoundTrip(t *testing.T) {
	in := newInput(solarQuery, nil)
	in.State.Metadata[models.MetaResearchPlan] = map[string]any{"keywords": []any{"wind", "turbine"}}
	assert.Equal(t, []string{"wind", "turbine"}, planKeywords(in))

	in.State.Metadata = map[string]any{}
	assert.Equal(t, Keywords(solarQuery), planKeywords(in))
}

// --- retriever ---

func TestRetriever_RanksAndNumbersSources(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), models.StageQueryUnderstanding, models.StageRetrieval)

	require.Len(t, in.State.Sources, 2, "the unrelated document is dropped")
	assert.Equal(t, "S1", in.State.Sources[0].ID)
	assert.Equal(t, "https://example.org/a", in.State.Sources[0].Origin, "ties break on origin")
	assert.Equal(t, "S2", in.State.Sources[1].ID)
	assert.InDelta(t, 0.6, in.State.Sources[0].Score, 1e-9)
}

func TestRetriever_CapsAtMaxSources(t *testing.T) {
	in := newInput(solarQuery, solarDocuments())
	in.Constraints.MaxSources = 1
	in = runStages(t, in, models.StageRetrieval)
	assert.Len(t, in.State.Sources, 1)
}

func TestRetriever_FiltersDomains(t *testing.T) {
	in := newInput(solarQuery, solarDocuments())
	in.Constraints.Domains = []string{"example.com"}
	in = runStages(t, in, models.StageRetrieval)

	require.Len(t, in.State.Sources, 1)
	assert.Equal(t, "https://news.example.com/b", in.State.Sources[0].Origin)
}

func TestRetriever_MinScoreParam(t *testing.T) {
	slice, err := Retriever{Concurrency: 2}.Execute(context.Background(), newInput(solarQuery, solarDocuments()),
		workflow.StageConfig{Params: map[string]string{"min_score": "0.9"}})
	require.NoError(t, err)
	assert.Empty(t, slice.Sources)
}

func TestRetriever_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retriever{}.Execute(ctx, newInput(solarQuery, solarDocuments()), workflow.StageConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

// --- synthesizer ---

func TestSynthesizer_MergesRestatedSentences(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()),
		models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis)

	claims := in.State.Claims
	require.Len(t, claims, 3)
	assert.Equal(t, "C1", claims[0].ID)
	assert.Equal(t, "Solar panel costs fell 80% between 2010 and 2020.", claims[0].Text)
	assert.Equal(t, []string{"S1", "S2"}, claims[0].SourceIDs)
	assert.Equal(t, []string{"S1"}, claims[1].SourceIDs)
	assert.Equal(t, []string{"S2"}, claims[2].SourceIDs)
}

func TestSynthesizer_MaxClaimsParam(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), models.StageQueryUnderstanding, models.StageRetrieval)
	slice, err := Synthesizer{}.Execute(context.Background(), in, workflow.StageConfig{Params: map[string]string{"max_claims": "1"}})
	require.NoError(t, err)
	assert.Len(t, slice.Claims, 1)
}

func TestSynthesizer_NoSourcesYieldsEmptyClaims(t *testing.T) {
	slice, err := Synthesizer{}.Execute(context.Background(), newInput(solarQuery, nil), workflow.StageConfig{})
	require.NoError(t, err)
	assert.NotNil(t, slice.Claims, "an empty slice replaces stale claims")
	assert.Empty(t, slice.Claims)
}

// --- fact checker ---

func TestFactChecker_VerifiesCorroboratedClaims(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), throughFactCheck...)

	claims := in.State.Claims
	require.Len(t, claims, 3)
	assert.True(t, claims[0].Verified, "two sources")
	assert.False(t, claims[1].Verified, "one source below the trusted score")
	assert.False(t, claims[2].Verified)

	require.Len(t, in.State.Citations, 4)
	assert.Equal(t, models.Citation{
		ClaimID:  "C1",
		SourceID: "S2",
		Quote:    "Solar panel costs fell 75% between 2012 and 2021 [3].",
	}, in.State.Citations[1])
}

func TestFactChecker_TrustedSingleSource(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()),
		models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis)

	slice, err := FactChecker{}.Execute(context.Background(), in, workflow.StageConfig{Params: map[string]string{"min_score": "0.5"}})
	require.NoError(t, err)
	for _, c := range slice.Claims {
		assert.True(t, c.Verified, c.ID)
	}
}

func TestFactChecker_DropsUnknownSources(t *testing.T) {
	in := newInput(solarQuery, nil)
	in.State.Claims = []models.Claim{{ID: "C1", Text: "Orphan claim text here.", SourceIDs: []string{"S9"}}}

	slice, err := FactChecker{}.Execute(context.Background(), in, workflow.StageConfig{})
	require.NoError(t, err)
	require.Len(t, slice.Claims, 1)
	assert.False(t, slice.Claims[0].Verified)
	assert.Empty(t, slice.Claims[0].SourceIDs)
	assert.Empty(t, slice.Citations)
}

// --- drafter ---

func TestDrafter_RendersSectionsWithCitationMarks(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), append(throughFactCheck, models.StageDrafting)...)

	draft, ok := in.State.LatestArtifact(models.ArtifactDraft)
	require.True(t, ok)
	assert.Equal(t, "draft-1", draft.ID)
	assert.True(t, strings.HasPrefix(draft.Content, "# How fast are solar panel costs falling?\n"))
	assert.Contains(t, draft.Content, "## Findings")
	assert.Contains(t, draft.Content, "- Solar panel costs fell 80% between 2010 and 2020. [1][2]")
	assert.Contains(t, draft.Content, "1. Solar adoption (https://example.org/a)")
	assert.Contains(t, draft.Content, "2. https://news.example.com/b (https://news.example.com/b)")
	assert.NotContains(t, draft.Content, revisionHeading)
}

func TestDrafter_CarriesReviewInstructions(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), append(throughFactCheck, models.StageDrafting)...)
	in.State.Metadata[models.MetaReviewInstructions] = "Mention storage costs."

	slice, err := Drafter{}.Execute(context.Background(), in, workflow.StageConfig{})
	require.NoError(t, err)
	require.Len(t, slice.Artifacts, 1)
	assert.Equal(t, "draft-2", slice.Artifacts[0].ID)
	assert.Contains(t, slice.Artifacts[0].Content, revisionHeading+"\n\n> Mention storage costs.")
	assert.Contains(t, slice.Messages[0].Content, "revised")
}

func TestDrafter_CustomSectionsAndMaxLength(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), throughFactCheck...)
	in.OutputConfig.Sections = []string{"Storage"}
	in.OutputConfig.MaxLength = 60

	slice, err := Drafter{}.Execute(context.Background(), in, workflow.StageConfig{})
	require.NoError(t, err)
	content := slice.Artifacts[0].Content
	assert.LessOrEqual(t, len(content), 60)
	assert.Contains(t, content, "## Storage")
}

// --- visualizer ---

func TestVisualizer_ChartSpec(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), append(throughFactCheck, models.StageVisualization)...)

	chart, ok := in.State.LatestArtifact(models.ArtifactVisualization)
	require.True(t, ok)
	assert.Equal(t, "chart-1", chart.ID)

	var spec chartSpec
	require.NoError(t, json.Unmarshal([]byte(chart.Content), &spec))
	assert.Equal(t, "bar", spec.Kind)
	require.Len(t, spec.Data, 3)
	assert.Equal(t, chartPoint{Claim: "C1", Sources: 2, Verified: true}, spec.Data[0])
}

func TestVisualizer_NoClaimsNoArtifact(t *testing.T) {
	slice, err := Visualizer{}.Execute(context.Background(), newInput(solarQuery, nil), workflow.StageConfig{})
	require.NoError(t, err)
	assert.Empty(t, slice.Artifacts)
	assert.Len(t, slice.Messages, 1)
}

// --- formatter ---

func TestFormatter_Formats(t *testing.T) {
	base := runStages(t, newInput(solarQuery, solarDocuments()), append(throughFactCheck, models.StageDrafting)...)
	base.State.Metadata[models.MetaReviewInstructions] = "Tighten the summary."
	redraft, err := Drafter{}.Execute(context.Background(), base, workflow.StageConfig{})
	require.NoError(t, err)
	base.State.Merge(redraft)

	tests := []struct {
		format   string
		ref      string
		contains []string
	}{
		{models.FormatMarkdown, "text/markdown", []string{"# How fast", "## References", "- C1, https://example.org/a:"}},
		{models.FormatText, "text/plain", []string{"Findings\n--------", "References"}},
		{models.FormatHTML, "text/html", []string{"<article>", "<h1>How fast are solar panel costs falling?</h1>", "<ol>", "<ul>"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			in := base
			in.OutputConfig.Format = tt.format
			slice, err := Formatter{}.Execute(context.Background(), in, workflow.StageConfig{})
			require.NoError(t, err)
			require.Len(t, slice.Artifacts, 1)

			report := slice.Artifacts[0]
			assert.Equal(t, "report", report.ID)
			assert.Equal(t, models.ArtifactReport, report.Type)
			assert.Equal(t, tt.ref, report.Ref)
			assert.NotContains(t, report.Content, "Revision notes")
			assert.NotContains(t, report.Content, "Tighten")
			for _, want := range tt.contains {
				assert.Contains(t, report.Content, want)
			}
		})
	}
}

func TestFormatter_EscapesHTML(t *testing.T) {
	in := newInput("<script>alert(1)</script> risks", nil)
	in.OutputConfig.Format = models.FormatHTML
	in.State.Artifacts = []models.Artifact{{ID: "draft-1", Type: models.ArtifactDraft, Content: "# <script>alert(1)</script>\n"}}

	slice, err := Formatter{}.Execute(context.Background(), in, workflow.StageConfig{})
	require.NoError(t, err)
	assert.Contains(t, slice.Artifacts[0].Content, "&lt;script&gt;")
	assert.NotContains(t, slice.Artifacts[0].Content, "<script>")
}

func TestFormatter_WithoutCitations(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), append(throughFactCheck, models.StageDrafting)...)
	in.OutputConfig.IncludeCitations = false

	slice, err := Formatter{}.Execute(context.Background(), in, workflow.StageConfig{})
	require.NoError(t, err)
	assert.NotContains(t, slice.Artifacts[0].Content, "## References")
}

func TestFormatter_RequiresDraft(t *testing.T) {
	_, err := Formatter{}.Execute(context.Background(), newInput(solarQuery, nil), workflow.StageConfig{})
	assert.ErrorIs(t, err, ErrNoDraft)
}

func TestFormatter_RejectsUnknownFormat(t *testing.T) {
	in := newInput(solarQuery, nil)
	in.OutputConfig.Format = "pdf"
	in.State.Artifacts = []models.Artifact{{ID: "draft-1", Type: models.ArtifactDraft, Content: "# x\n"}}
	_, err := Formatter{}.Execute(context.Background(), in, workflow.StageConfig{})
	assert.Error(t, err)
}

// --- scorer ---

func TestScorer(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), throughFactCheck...)

	score, err := Scorer{}.Score(context.Background(), in)
	require.NoError(t, err)
	// one of three verified, two of three sources, every claim cited
	assert.InDelta(t, 0.5/3+0.2+0.2, score, 1e-9)
}

func TestScorer_NoClaimsScoresZero(t *testing.T) {
	score, err := Scorer{}.Score(context.Background(), newInput(solarQuery, nil))
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestScorer_FullyVerifiedReportPasses(t *testing.T) {
	in := runStages(t, newInput(solarQuery, solarDocuments()), models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis)
	slice, err := FactChecker{}.Execute(context.Background(), in, workflow.StageConfig{Params: map[string]string{"min_score": "0.5"}})
	require.NoError(t, err)
	in.State.Merge(slice)

	score, err := Scorer{}.Score(context.Background(), in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, workflow.DefaultGatePolicy().ProceedThreshold)
}

// --- registry lookup ---

func TestForStage(t *testing.T) {
	for _, stage := range []models.Stage{
		models.StageQueryUnderstanding, models.StageRetrieval, models.StageSynthesis, models.StageDrafting,
		models.StageFactChecking, models.StageVisualization, models.StageFormatting,
	} {
		exec, err := ForStage(stage)
		require.NoError(t, err, stage)
		assert.NotNil(t, exec)
	}
	_, err := ForStage(models.StageReviewGate)
	assert.Error(t, err)
	_, err = ForStage(models.StageHumanReview)
	assert.Error(t, err)
}
