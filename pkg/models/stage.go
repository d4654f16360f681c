package models

// Stage identifies one node of the research pipeline.
type Stage string

const (
	StageQueryUnderstanding Stage = "query_understanding"
	StageRetrieval          Stage = "retrieval"
	StageSynthesis          Stage = "synthesis"
	StageDrafting           Stage = "drafting"
	StageFactChecking       Stage = "fact_checking"
	StageVisualization      Stage = "visualization"
	StageReviewGate         Stage = "review_gate"
	StageHumanReview        Stage = "human_review"
	StageFormatting         Stage = "formatting"
)

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageQueryUnderstanding, StageRetrieval, StageSynthesis, StageDrafting,
		StageFactChecking, StageVisualization, StageReviewGate, StageHumanReview, StageFormatting:
		return true
	}
	return false
}
