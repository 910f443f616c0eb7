package billing

import (
	"errors"
	"fmt"
)

// ErrUserNotFound is returned when no account exists for the user.
var ErrUserNotFound = errors.New("user not found")

// Reasons the subscription path could not (fully) fund a reservation.
const (
	ReasonNoSubscription   = "no_subscription"
	ReasonModeNotCovered   = "mode_not_covered"
	ReasonMinutesExhausted = "minutes_exhausted"
)

// InsufficientFundsError reports a failed reservation with the funding gap,
// so callers can surface required-vs-available amounts and offer an upgrade
// or top-up flow.
type InsufficientFundsError struct {
	Mode             string
	MinutesRequested int
	MinutesAvailable int
	RequiredCredits  int
	AvailableCredits int
	Reason           string
}

func (e *InsufficientFundsError) Error() string {
	switch e.Reason {
	case ReasonNoSubscription:
		return fmt.Sprintf(
			"insufficient funds: no active subscription and %s transcription of %d minute(s) needs %d credits, wallet has %d",
			e.Mode, e.MinutesRequested, e.RequiredCredits, e.AvailableCredits)
	case ReasonModeNotCovered:
		return fmt.Sprintf(
			"insufficient funds: subscription does not cover %s transcription and %d minute(s) needs %d credits, wallet has %d",
			e.Mode, e.MinutesRequested, e.RequiredCredits, e.AvailableCredits)
	default:
		return fmt.Sprintf(
			"insufficient funds: %d of %d minute(s) left on subscription and the remainder needs %d credits, wallet has %d",
			e.MinutesAvailable, e.MinutesRequested, e.RequiredCredits, e.AvailableCredits)
	}
}
