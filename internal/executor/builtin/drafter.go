package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

const revisionHeading = "## Revision notes"

var defaultSections = []string{"Summary", "Findings", "Sources"}

// Drafter writes a markdown draft from the claims and sources. Reviewer
// instructions, when present, are carried into the draft.
type Drafter struct{}

func (Drafter) Execute(ctx context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	state := in.State
	sourceIndex := make(map[string]int, len(state.Sources))
	for i, s := range state.Sources {
		sourceIndex[s.ID] = i + 1
	}

	sections := in.OutputConfig.Sections
	if len(sections) == 0 {
		sections = defaultSections
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", strings.TrimSpace(in.Query))
	for _, name := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		switch strings.ToLower(name) {
		case "summary":
			writeSummary(&b, state)
		case "findings":
			writeFindings(&b, state.Claims, sourceIndex)
		case "sources":
			writeSources(&b, state.Sources)
		default:
			writeTopic(&b, name, state.Claims, sourceIndex)
		}
	}

	instructions := state.MetaString(models.MetaReviewInstructions)
	if instructions != "" {
		fmt.Fprintf(&b, "\n%s\n\n> %s\n", revisionHeading, instructions)
	}

	drafts := 0
	for _, a := range state.Artifacts {
		if a.Type == models.ArtifactDraft {
			drafts++
		}
	}
	now := time.Now().UTC()
	msg := fmt.Sprintf("Draft %d written with %d findings.", drafts+1, len(state.Claims))
	if instructions != "" {
		msg = fmt.Sprintf("Draft %d revised per reviewer instructions.", drafts+1)
	}

	return models.StateSlice{
		Messages: []models.Message{{Role: "assistant", Content: msg, At: now}},
		Artifacts: []models.Artifact{{
			ID:        fmt.Sprintf("draft-%d", drafts+1),
			Type:      models.ArtifactDraft,
			Content:   truncateString(b.String(), in.OutputConfig.MaxLength),
			CreatedAt: now,
		}},
	}, nil
}

func writeSummary(b *strings.Builder, state models.WorkflowState) {
	fmt.Fprintf(b, "This report draws on %d sources and %d claims.", len(state.Sources), len(state.Claims))
	if len(state.Claims) > 0 {
		fmt.Fprintf(b, " The best supported finding: %s", state.Claims[0].Text)
	}
	b.WriteString("\n")
}

func writeFindings(b *strings.Builder, claims []models.Claim, index map[string]int) {
	if len(claims) == 0 {
		b.WriteString("No findings could be established from the supplied material.\n")
		return
	}
	for _, c := range claims {
		fmt.Fprintf(b, "- %s%s\n", c.Text, citationMarks(c.SourceIDs, index))
	}
}

func writeSources(b *strings.Builder, sources []models.Source) {
	if len(sources) == 0 {
		b.WriteString("No sources.\n")
		return
	}
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.Origin
		}
		fmt.Fprintf(b, "%d. %s (%s)\n", i+1, title, s.Origin)
	}
}

func writeTopic(b *strings.Builder, topic string, claims []models.Claim, index map[string]int) {
	keywords := Keywords(topic)
	n := 0
	for _, c := range claims {
		if overlap(keywords, c.Text) > 0 {
			fmt.Fprintf(b, "- %s%s\n", c.Text, citationMarks(c.SourceIDs, index))
			n++
		}
	}
	if n == 0 {
		b.WriteString("No material found for this section.\n")
	}
}

func citationMarks(ids []string, index map[string]int) string {
	var marks []string
	for _, id := range ids {
		if n, ok := index[id]; ok {
			marks = append(marks, fmt.Sprintf("[%d]", n))
		}
	}
	if len(marks) == 0 {
		return ""
	}
	return " " + strings.Join(marks, "")
}
