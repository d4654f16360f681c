package builtin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

const defaultMaxClaims = 8

// Synthesizer groups relevant sentences of the sources by fingerprint. Each
// group becomes one claim backed by every source that states it.
type Synthesizer struct{}

func (Synthesizer) Execute(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	keywords := planKeywords(in)

	type group struct {
		text    string
		sources []string
		seen    map[string]bool
		count   int
		order   int
	}
	groups := make(map[string]*group)
	order := 0

	for _, src := range in.State.Sources {
		for _, sentence := range Sentences(src.Content) {
			if len(keywords) > 0 && overlap(keywords, sentence) == 0 {
				continue
			}
			fp := Fingerprint(sentence)
			g, ok := groups[fp]
			if !ok {
				g = &group{text: truncateString(sentence, 1000), seen: make(map[string]bool), order: order}
				order++
				groups[fp] = g
			}
			g.count++
			if !g.seen[src.ID] {
				g.seen[src.ID] = true
				g.sources = append(g.sources, src.ID)
			}
		}
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if len(ranked[i].sources) != len(ranked[j].sources) {
			return len(ranked[i].sources) > len(ranked[j].sources)
		}
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].order < ranked[j].order
	})
	if max := paramInt(cfg.Params, "max_claims", defaultMaxClaims); len(ranked) > max {
		ranked = ranked[:max]
	}

	claims := make([]models.Claim, 0, len(ranked))
	for i, g := range ranked {
		claims = append(claims, models.Claim{
			ID:        fmt.Sprintf("C%d", i+1),
			Text:      g.text,
			SourceIDs: g.sources,
		})
	}

	return models.StateSlice{
		Messages: []models.Message{{
			Role:    "assistant",
			Content: fmt.Sprintf("Synthesized %d claims from %d sources.", len(claims), len(in.State.Sources)),
			At:      time.Now().UTC(),
		}},
		Claims: claims,
	}, nil
}
