package jobs

import (
	"errors"

	"github.com/scrybeapp/scrybe/pkg/models"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full allowed-transition table. Created and reserving
// exist only between submission and the first persisted status; a job whose
// reservation fails is never persisted.
var transitions = map[string][]string{
	models.JobStatusCreated: {
		models.JobStatusReserving,
	},
	models.JobStatusReserving: {
		models.JobStatusProcessing,
		models.JobStatusAwaitingCallback,
		models.JobStatusPendingTranscription,
	},
	models.JobStatusProcessing: {
		models.JobStatusComplete,
		models.JobStatusFailed,
		models.JobStatusPendingReview,
		models.JobStatusCancelled,
	},
	models.JobStatusAwaitingCallback: {
		models.JobStatusComplete,
		models.JobStatusFailed,
		models.JobStatusPendingReview,
		models.JobStatusCancelled,
	},
	models.JobStatusPendingReview: {
		models.JobStatusComplete,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	},
	models.JobStatusPendingTranscription: {
		models.JobStatusComplete,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	},
	// Retry re-enters the reservation engine before processing resumes.
	models.JobStatusFailed: {
		models.JobStatusProcessing,
		models.JobStatusAwaitingCallback,
		models.JobStatusPendingTranscription,
	},
	models.JobStatusComplete:  {},
	models.JobStatusCancelled: {},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs from the
// status. A failed job is terminal until an explicit retry.
func IsTerminal(status string) bool {
	switch status {
	case models.JobStatusComplete, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}

// HoldsReservation reports whether a job in this status still holds its
// reservation, i.e. neither confirm nor release has run yet.
func HoldsReservation(status string) bool {
	switch status {
	case models.JobStatusProcessing, models.JobStatusAwaitingCallback,
		models.JobStatusPendingReview, models.JobStatusPendingTranscription:
		return true
	}
	return false
}
