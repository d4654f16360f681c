package workflow

import "github.com/derril-tech/researchflow/pkg/models"

var runningStatuses = []models.JobStatus{
	models.JobStatusPlanning,
	models.JobStatusRetrieving,
	models.JobStatusSynthesizing,
	models.JobStatusDrafting,
	models.JobStatusFactChecking,
	models.JobStatusVisualizing,
	models.JobStatusReviewing,
	models.JobStatusAwaitingHuman,
	models.JobStatusFormatting,
}

// validTransitions lists the forward edges of the job status machine. Edges
// into failed, cancelling and cancelled are implied for every non-terminal
// status and handled in CanTransition.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusCreated:       {models.JobStatusQueued},
	models.JobStatusQueued:        runningStatuses,
	models.JobStatusPlanning:      {models.JobStatusRetrieving},
	models.JobStatusRetrieving:    {models.JobStatusSynthesizing},
	models.JobStatusSynthesizing:  {models.JobStatusDrafting},
	models.JobStatusDrafting:      {models.JobStatusFactChecking},
	models.JobStatusFactChecking:  {models.JobStatusVisualizing},
	models.JobStatusVisualizing:   {models.JobStatusReviewing},
	models.JobStatusReviewing:     {models.JobStatusFormatting, models.JobStatusDrafting, models.JobStatusAwaitingHuman},
	models.JobStatusAwaitingHuman: {models.JobStatusFormatting, models.JobStatusDrafting},
	models.JobStatusFormatting:    {models.JobStatusCompleted},
	models.JobStatusFailed:        {models.JobStatusRetrying},
	models.JobStatusRetrying:      {models.JobStatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to models.JobStatus) bool {
	if from.Terminal() {
		return from == models.JobStatusFailed && to == models.JobStatusRetrying
	}
	switch to {
	case models.JobStatusFailed, models.JobStatusCancelled:
		return true
	case models.JobStatusCancelling:
		return from != models.JobStatusCancelling
	}
	if from == models.JobStatusCancelling {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an ErrInvalidTransition error when the move is not allowed.
func ValidateTransition(from, to models.JobStatus) error {
	if !CanTransition(from, to) {
		return invalidTransition(from, to)
	}
	return nil
}

// AllStatuses lists every job status.
func AllStatuses() []models.JobStatus {
	return []models.JobStatus{
		models.JobStatusCreated, models.JobStatusQueued,
		models.JobStatusPlanning, models.JobStatusRetrieving, models.JobStatusSynthesizing,
		models.JobStatusDrafting, models.JobStatusFactChecking, models.JobStatusVisualizing,
		models.JobStatusReviewing, models.JobStatusAwaitingHuman, models.JobStatusFormatting,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelling,
		models.JobStatusCancelled, models.JobStatusRetrying,
	}
}
