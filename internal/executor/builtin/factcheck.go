package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

const defaultTrustedScore = 0.75

// FactChecker verifies claims against their sources. A claim is verified
// when two sources state it, or one source scoring at least min_score does.
// Every supporting source yields a citation.
type FactChecker struct{}

func (FactChecker) Execute(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	trusted := paramFloat(cfg.Params, "min_score", defaultTrustedScore)

	sources := make(map[string]models.Source, len(in.State.Sources))
	for _, s := range in.State.Sources {
		sources[s.ID] = s
	}

	claims := make([]models.Claim, 0, len(in.State.Claims))
	citations := []models.Citation{}
	verified := 0
	for _, c := range in.State.Claims {
		claim := c
		claim.SourceIDs = nil
		strong := false
		fp := Fingerprint(c.Text)
		for _, id := range c.SourceIDs {
			src, ok := sources[id]
			if !ok {
				continue
			}
			claim.SourceIDs = append(claim.SourceIDs, id)
			if src.Score >= trusted {
				strong = true
			}
			citations = append(citations, models.Citation{
				ClaimID:  c.ID,
				SourceID: id,
				Quote:    quoteFor(src.Content, fp, c.Text),
			})
		}
		claim.Verified = len(claim.SourceIDs) >= 2 || (len(claim.SourceIDs) == 1 && strong)
		if claim.SourceIDs == nil {
			claim.SourceIDs = []string{}
		}
		if claim.Verified {
			verified++
		}
		claims = append(claims, claim)
	}

	return models.StateSlice{
		Messages: []models.Message{{
			Role:    "assistant",
			Content: fmt.Sprintf("Verified %d of %d claims.", verified, len(claims)),
			At:      time.Now().UTC(),
		}},
		Claims:    claims,
		Citations: citations,
	}, nil
}

// quoteFor returns the sentence of content matching fingerprint, or the
// claim text when the source phrases it differently.
func quoteFor(content, fingerprint, fallback string) string {
	for _, s := range Sentences(content) {
		if Fingerprint(s) == fingerprint {
			return truncateString(s, 500)
		}
	}
	return truncateString(fallback, 500)
}
