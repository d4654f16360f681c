package workflow

import (
	"fmt"
	"math"

	"github.com/derril-tech/researchflow/pkg/models"
)

// mainOrder is the linear spine of the pipeline. Progress is measured
// against it.
var mainOrder = []models.Stage{
	models.StageQueryUnderstanding,
	models.StageRetrieval,
	models.StageSynthesis,
	models.StageDrafting,
	models.StageFactChecking,
	models.StageVisualization,
	models.StageReviewGate,
	models.StageFormatting,
}

// ExecutableStages lists the stages that need an executor, in pipeline order.
func ExecutableStages() []models.Stage {
	out := make([]models.Stage, 0, len(mainOrder)-1)
	for _, s := range mainOrder {
		if s != models.StageReviewGate {
			out = append(out, s)
		}
	}
	return out
}

// Route is the branch taken out of a decision stage.
type Route string

const (
	// RouteProceed continues along the spine (or to formatting out of a gate).
	RouteProceed Route = "proceed"
	// RouteRevise loops back to drafting.
	RouteRevise Route = "revise"
	// RouteEscalate suspends the job for a human decision.
	RouteEscalate Route = "escalate"
)

// Next returns the stage that follows stage when route is taken. An empty
// stage means the pipeline is finished.
func Next(stage models.Stage, route Route) (models.Stage, error) {
	switch stage {
	case models.StageQueryUnderstanding:
		return models.StageRetrieval, nil
	case models.StageRetrieval:
		return models.StageSynthesis, nil
	case models.StageSynthesis:
		return models.StageDrafting, nil
	case models.StageDrafting:
		return models.StageFactChecking, nil
	case models.StageFactChecking:
		return models.StageVisualization, nil
	case models.StageVisualization:
		return models.StageReviewGate, nil
	case models.StageReviewGate:
		switch route {
		case RouteProceed:
			return models.StageFormatting, nil
		case RouteRevise:
			return models.StageDrafting, nil
		case RouteEscalate:
			return models.StageHumanReview, nil
		}
		return "", fmt.Errorf("unknown route %q out of %s", route, stage)
	case models.StageHumanReview:
		switch route {
		case RouteProceed:
			return models.StageFormatting, nil
		case RouteRevise:
			return models.StageDrafting, nil
		}
		return "", fmt.Errorf("unknown route %q out of %s", route, stage)
	case models.StageFormatting:
		return "", nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

// StatusForStage maps a stage to the job status shown while it runs.
func StatusForStage(stage models.Stage) models.JobStatus {
	switch stage {
	case models.StageQueryUnderstanding:
		return models.JobStatusPlanning
	case models.StageRetrieval:
		return models.JobStatusRetrieving
	case models.StageSynthesis:
		return models.JobStatusSynthesizing
	case models.StageDrafting:
		return models.JobStatusDrafting
	case models.StageFactChecking:
		return models.JobStatusFactChecking
	case models.StageVisualization:
		return models.JobStatusVisualizing
	case models.StageReviewGate:
		return models.JobStatusReviewing
	case models.StageHumanReview:
		return models.JobStatusAwaitingHuman
	case models.StageFormatting:
		return models.JobStatusFormatting
	}
	return ""
}

// position returns the index of stage on the spine. human_review shares
// the gate's slot.
func position(stage models.Stage) int {
	if stage == models.StageHumanReview {
		stage = models.StageReviewGate
	}
	for i, s := range mainOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// StageProgress is the percentage reached once stage has completed.
func StageProgress(stage models.Stage) int {
	p := position(stage)
	if p < 0 {
		return 0
	}
	return (p + 1) * 100 / len(mainOrder)
}

// GatePolicy decides where the quality gate routes a job.
type GatePolicy struct {
	ProceedThreshold float64
	ReviseThreshold  float64
	MaxLoopbacks     int
	// ApproveRoute is where an approve decision sends the job:
	// RouteRevise (drafting, the default) or RouteProceed (formatting).
	ApproveRoute Route
}

// DefaultGatePolicy returns the stock thresholds: 0.8 proceeds, 0.6 revises,
// three automatic loop-backs. Approved reviews go back through drafting.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		ProceedThreshold: 0.8,
		ReviseThreshold:  0.6,
		MaxLoopbacks:     3,
		ApproveRoute:     RouteRevise,
	}
}

// Route picks the gate branch for a score. revisions is the number of
// automatic loop-backs already taken by the job.
func (p GatePolicy) Route(score float64, revisions int, hil models.HILConfig) Route {
	score = clampScore(score)
	proceed := p.ProceedThreshold
	if hil.QualityThreshold > 0 {
		proceed = hil.QualityThreshold
	}
	switch {
	case score >= proceed:
		if hil.Enabled {
			return RouteEscalate
		}
		return RouteProceed
	case score >= p.ReviseThreshold:
		if revisions >= p.MaxLoopbacks {
			return RouteEscalate
		}
		return RouteRevise
	default:
		return RouteEscalate
	}
}

// ReviewRoute maps a human decision to the branch out of human_review.
func (p GatePolicy) ReviewRoute(action models.ReviewAction) Route {
	if action == models.ReviewApprove && p.ApproveRoute == RouteProceed {
		return RouteProceed
	}
	return RouteRevise
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
