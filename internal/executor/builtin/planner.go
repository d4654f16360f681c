// Package builtin holds deterministic in-process stage executors. They work
// only on material supplied with the job, which makes them suitable for
// development, demos and tests; production deployments bind stages to a
// remote executor service instead.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

var reQuestionSplit = regexp.MustCompile(`[?;]|\s+(?:and|versus|vs\.?)\s+`)

// ErrEmptyQuery is returned when a query has no searchable terms.
var ErrEmptyQuery = errors.New("query has no searchable terms")

// Planner turns the query into a research plan stored in metadata.
type Planner struct{}

func (Planner) Execute(ctx context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	keywords := Keywords(in.Query)
	if len(keywords) == 0 {
		return models.StateSlice{}, ErrEmptyQuery
	}

	questions := subQuestions(in.Query)
	plan := map[string]any{
		"objective":   strings.TrimSpace(in.Query),
		"keywords":    keywords,
		"questions":   questions,
		"max_sources": in.Constraints.MaxSources,
	}
	if len(in.Constraints.Domains) > 0 {
		plan["domains"] = in.Constraints.Domains
	}

	return models.StateSlice{
		Messages: []models.Message{{
			Role:    "assistant",
			Content: fmt.Sprintf("Planned %d research questions over %d key terms.", len(questions), len(keywords)),
			At:      time.Now().UTC(),
		}},
		Metadata: map[string]any{models.MetaResearchPlan: plan},
	}, nil
}

func subQuestions(query string) []string {
	var out []string
	for _, part := range reQuestionSplit.Split(query, -1) {
		part = strings.TrimSpace(part)
		if len(Keywords(part)) == 0 {
			continue
		}
		out = append(out, part)
	}
	if len(out) > 1 {
		return out
	}
	topic := strings.TrimRight(strings.TrimSpace(query), "?.!")
	return []string{
		topic,
		"What evidence supports: " + topic,
		"What evidence contradicts: " + topic,
	}
}

// planKeywords reads the planner's keywords back from state, falling back
// to the query when no plan exists.
func planKeywords(in workflow.StageInput) []string {
	plan, ok := in.State.Metadata[models.MetaResearchPlan].(map[string]any)
	if ok {
		switch kw := plan["keywords"].(type) {
		case []string:
			return kw
		case []any:
			out := make([]string, 0, len(kw))
			for _, v := range kw {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return Keywords(in.Query)
}
