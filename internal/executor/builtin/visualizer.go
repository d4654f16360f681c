package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

type chartSpec struct {
	Kind  string       `json:"kind"`
	Title string       `json:"title"`
	X     string       `json:"x"`
	Y     string       `json:"y"`
	Data  []chartPoint `json:"data"`
}

type chartPoint struct {
	Claim    string `json:"claim"`
	Sources  int    `json:"sources"`
	Verified bool   `json:"verified"`
}

// Visualizer emits a bar chart spec of source support per claim.
type Visualizer struct{}

func (Visualizer) Execute(ctx context.Context, in workflow.StageInput, _ workflow.StageConfig) (models.StateSlice, error) {
	if err := ctx.Err(); err != nil {
		return models.StateSlice{}, err
	}
	now := time.Now().UTC()
	if len(in.State.Claims) == 0 {
		return models.StateSlice{
			Messages: []models.Message{{Role: "assistant", Content: "No claims to chart.", At: now}},
		}, nil
	}

	spec := chartSpec{Kind: "bar", Title: "Source support per claim", X: "claim", Y: "sources"}
	for _, c := range in.State.Claims {
		spec.Data = append(spec.Data, chartPoint{Claim: c.ID, Sources: len(c.SourceIDs), Verified: c.Verified})
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return models.StateSlice{}, fmt.Errorf("encoding chart: %w", err)
	}

	charts := 0
	for _, a := range in.State.Artifacts {
		if a.Type == models.ArtifactVisualization {
			charts++
		}
	}
	return models.StateSlice{
		Messages: []models.Message{{Role: "assistant", Content: fmt.Sprintf("Charted support for %d claims.", len(spec.Data)), At: now}},
		Artifacts: []models.Artifact{{
			ID:        fmt.Sprintf("chart-%d", charts+1),
			Type:      models.ArtifactVisualization,
			Ref:       "application/vnd.researchflow.chart+json",
			Content:   string(body),
			CreatedAt: now,
		}},
	}, nil
}
