package builtin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

// ErrNoDraft is returned when formatting runs before any draft exists.
var ErrNoDraft = errors.New("no draft to format")

// Formatter renders the latest draft as the final report.
type Formatter struct{}

func (Formatter) Execute(ctx context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	draft, ok := in.State.LatestArtifact(models.ArtifactDraft)
	if !ok {
		return models.StateSlice{}, ErrNoDraft
	}

	body := stripRevisionNotes(draft.Content)
	if in.OutputConfig.IncludeCitations && len(in.State.Citations) > 0 {
		body = strings.TrimRight(body, "\n") + "\n\n" + references(in.State)
	}

	format := in.OutputConfig.Format
	if format == "" {
		format = models.FormatMarkdown
	}
	var content, ref string
	switch format {
	case models.FormatMarkdown:
		content, ref = body, "text/markdown"
	case models.FormatText:
		content, ref = markdownToText(body), "text/plain"
	case models.FormatHTML:
		content, ref = markdownToHTML(body), "text/html"
	default:
		return models.StateSlice{}, fmt.Errorf("unsupported output format %q", format)
	}

	now := time.Now().UTC()
	return models.StateSlice{
		Messages: []models.Message{{Role: "assistant", Content: fmt.Sprintf("Report formatted as %s.", format), At: now}},
		Artifacts: []models.Artifact{{
			ID:        "report",
			Type:      models.ArtifactReport,
			Ref:       ref,
			Content:   truncateString(content, in.OutputConfig.MaxLength),
			CreatedAt: now,
		}},
	}, nil
}

func stripRevisionNotes(s string) string {
	if i := strings.Index(s, "\n"+revisionHeading); i >= 0 {
		return s[:i+1]
	}
	return s
}

func references(state models.WorkflowState) string {
	sources := make(map[string]models.Source, len(state.Sources))
	for _, s := range state.Sources {
		sources[s.ID] = s
	}
	var b strings.Builder
	b.WriteString("## References\n\n")
	for _, c := range state.Citations {
		src, ok := sources[c.SourceID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s, %s: %q\n", c.ClaimID, src.Origin, c.Quote)
	}
	return b.String()
}

func markdownToText(md string) string {
	var b strings.Builder
	for _, line := range strings.Split(md, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			title := strings.TrimPrefix(line, "## ")
			b.WriteString(title + "\n" + strings.Repeat("-", len(title)) + "\n")
		case strings.HasPrefix(line, "# "):
			title := strings.TrimPrefix(line, "# ")
			b.WriteString(title + "\n" + strings.Repeat("=", len(title)) + "\n")
		case strings.HasPrefix(line, "> "):
			b.WriteString("  " + strings.TrimPrefix(line, "> ") + "\n")
		default:
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// markdownToHTML handles the subset of markdown the drafter emits:
// headings, bullet and numbered lists, quotes and paragraphs.
func markdownToHTML(md string) string {
	var b strings.Builder
	list := ""
	closeList := func() {
		if list != "" {
			fmt.Fprintf(&b, "</%s>\n", list)
			list = ""
		}
	}
	openList := func(tag string) {
		if list != tag {
			closeList()
			fmt.Fprintf(&b, "<%s>\n", tag)
			list = tag
		}
	}

	b.WriteString("<article>\n")
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			closeList()
		case strings.HasPrefix(trimmed, "## "):
			closeList()
			fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(trimmed[3:]))
		case strings.HasPrefix(trimmed, "# "):
			closeList()
			fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(trimmed[2:]))
		case strings.HasPrefix(trimmed, "- "):
			openList("ul")
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(trimmed[2:]))
		case isNumbered(trimmed):
			openList("ol")
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(trimmed[strings.Index(trimmed, ". ")+2:]))
		case strings.HasPrefix(trimmed, "> "):
			closeList()
			fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", html.EscapeString(trimmed[2:]))
		default:
			closeList()
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(trimmed))
		}
	}
	closeList()
	b.WriteString("</article>\n")
	return b.String()
}

func isNumbered(line string) bool {
	i := strings.Index(line, ". ")
	if i <= 0 {
		return false
	}
	for _, r := range line[:i] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
