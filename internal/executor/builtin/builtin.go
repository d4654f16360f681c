package builtin

import (
	"fmt"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

// ForStage returns the builtin executor for stage.
func ForStage(stage models.Stage) (workflow.Executor, error) {
	switch stage {
	case models.StageQueryUnderstanding:
		return Planner{}, nil
	case models.StageRetrieval:
		return Retriever{}, nil
	case models.StageSynthesis:
		return Synthesizer{}, nil
	case models.StageDrafting:
		return Drafter{}, nil
	case models.StageFactChecking:
		return FactChecker{}, nil
	case models.StageVisualization:
		return Visualizer{}, nil
	case models.StageFormatting:
		return Formatter{}, nil
	default:
		return nil, fmt.Errorf("no builtin executor for stage %q", stage)
	}
}
