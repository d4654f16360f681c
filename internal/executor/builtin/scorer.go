package builtin

import (
	"context"
	"math"

	"github.com/derril-tech/researchflow/internal/workflow"
)

// Scorer rates a draft from the shape of the evidence behind it:
// half for the share of verified claims, three tenths for source coverage
// (saturating at three sources) and the rest for the share of cited claims.
type Scorer struct{}

func (Scorer) Score(ctx context.Context, in workflow.StageInput) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	state := in.State
	if len(state.Claims) == 0 {
		return 0, nil
	}

	cited := make(map[string]bool, len(state.Citations))
	for _, c := range state.Citations {
		cited[c.ClaimID] = true
	}
	verified, withCitation := 0, 0
	for _, c := range state.Claims {
		if c.Verified {
			verified++
		}
		if cited[c.ID] {
			withCitation++
		}
	}

	n := float64(len(state.Claims))
	score := 0.5*float64(verified)/n +
		0.3*math.Min(1, float64(len(state.Sources))/3) +
		0.2*float64(withCitation)/n
	return math.Max(0, math.Min(1, score)), nil
}
