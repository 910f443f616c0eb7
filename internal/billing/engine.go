package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scrybeapp/scrybe/internal/ledger"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// ReservationResult is the typed outcome of a reservation attempt. Funding
// failures are reported here rather than as errors, so the caller can decide
// whether to offer a top-up flow; an error return means the account is
// missing or the store failed.
type ReservationResult struct {
	OK                      bool   `json:"ok"`
	Source                  string `json:"source"`
	MinutesFromSubscription int    `json:"minutes_from_subscription"`
	CreditsUsed             int    `json:"credits_used"`
	Reason                  string `json:"reason,omitempty"`
	Message                 string `json:"message,omitempty"`
}

// Engine atomically reserves funding for a job before it is allowed to run.
// Subscription minutes are held via the reserve counter; wallet credits are
// debited immediately and finally.
type Engine struct {
	store ledger.Store
	now   func() time.Time
}

// NewEngine creates a reservation engine over the given ledger store.
func NewEngine(store ledger.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Reserve decides funding sources for estimatedMinutes of work in the given
// mode and commits the hold in a single atomic transaction. Exactly one of
// full success or full failure; no state is partially mutated on failure.
func (e *Engine) Reserve(ctx context.Context, userID, mode string, estimatedMinutes int) (*ReservationResult, error) {
	if estimatedMinutes <= 0 {
		return nil, fmt.Errorf("estimated minutes must be positive, got %d", estimatedMinutes)
	}
	rate, ok := CreditsPerMinute(mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	result := &ReservationResult{}
	err := e.store.Mutate(ctx, userID, func(mutation *ledger.Mutation) error {
		account := mutation.Account
		rollCycle(account, e.now())

		fromSubscription := 0
		reason := ""
		switch {
		case !account.SubscriptionUsable():
			reason = ReasonNoSubscription
		case !PlanCoversMode(account.SubscriptionPlan, mode):
			reason = ReasonModeNotCovered
		default:
			available := account.AvailableMinutes()
			if available >= estimatedMinutes {
				fromSubscription = estimatedMinutes
			} else {
				fromSubscription = available
				reason = ReasonMinutesExhausted
			}
		}

		remainder := estimatedMinutes - fromSubscription
		creditsRequired := rate * remainder

		if creditsRequired > account.Credits {
			// All-or-nothing: the partial subscription hold is rolled
			// back with the transaction.
			available := 0
			if reason == ReasonMinutesExhausted {
				available = fromSubscription
			}
			return &InsufficientFundsError{
				Mode:             mode,
				MinutesRequested: estimatedMinutes,
				MinutesAvailable: available,
				RequiredCredits:  creditsRequired,
				AvailableCredits: account.Credits,
				Reason:           reason,
			}
		}

		account.MinutesReserved += fromSubscription
		account.Credits -= creditsRequired
		if creditsRequired > 0 {
			mutation.AppendCreditTransaction(&models.CreditTransaction{
				ID:     uuid.New().String(),
				UserID: userID,
				Type:   models.CreditTxnSpend,
				Amount: -creditsRequired,
				Memo:   fmt.Sprintf("reservation for %d minute(s) of %s transcription", remainder, mode),
			})
		}

		*result = ReservationResult{
			OK:                      true,
			Source:                  fundingSource(fromSubscription, creditsRequired),
			MinutesFromSubscription: fromSubscription,
			CreditsUsed:             creditsRequired,
		}
		return nil
	})

	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			return &ReservationResult{
				Source:  models.FundingSourceInsufficient,
				Reason:  insufficient.Reason,
				Message: insufficient.Error(),
			}, nil
		}
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to reserve capacity: %w", err)
	}

	return result, nil
}

func fundingSource(fromSubscription, credits int) string {
	switch {
	case fromSubscription > 0 && credits > 0:
		return models.FundingSourceSplit
	case credits > 0:
		return models.FundingSourceCredits
	default:
		return models.FundingSourceSubscription
	}
}

// rollCycle advances the billing cycle and resets the monthly usage counter
// when now has passed the cycle end. In-flight reservations carry over.
func rollCycle(account *models.Account, now time.Time) {
	if account.BillingCycleEnd.IsZero() || now.Before(account.BillingCycleEnd) {
		return
	}
	for !now.Before(account.BillingCycleEnd) {
		account.BillingCycleStart = account.BillingCycleEnd
		account.BillingCycleEnd = account.BillingCycleEnd.AddDate(0, 1, 0)
	}
	account.MinutesUsedThisMonth = 0
}
