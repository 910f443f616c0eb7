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

// Usage describes the final billing outcome of a job handed to ConfirmUsage.
type Usage struct {
	JobID string
	Mode  string

	// ActualMinutes is what counts against the monthly quota: the
	// subscription-funded minutes actually consumed. It may differ from
	// the reservation when the estimate was defaulted.
	ActualMinutes int

	// ReservedMinutes is the subscription hold taken at reservation time,
	// returned to the pool here.
	ReservedMinutes int

	// CreditsUsed is the wallet amount already debited at reservation
	// time, recorded for the usage history.
	CreditsUsed int

	Source string
}

// Reconciler converts reservations into final usage. For any job exactly one
// of ConfirmUsage or ReleaseReservation is called over its lifetime; the job
// state machine's transition guards enforce that.
type Reconciler struct {
	store ledger.Store
	now   func() time.Time
}

// NewReconciler creates a usage reconciler over the given ledger store.
func NewReconciler(store ledger.Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// ConfirmUsage finalizes a reservation in one transaction: counts the actual
// minutes against the monthly quota, returns the reserved hold, and appends
// one immutable usage record.
func (r *Reconciler) ConfirmUsage(ctx context.Context, userID string, usage Usage) error {
	err := r.store.Mutate(ctx, userID, func(mutation *ledger.Mutation) error {
		account := mutation.Account
		rollCycle(account, r.now())

		account.MinutesUsedThisMonth += usage.ActualMinutes
		account.MinutesReserved -= usage.ReservedMinutes
		if account.MinutesReserved < 0 {
			// Tolerate reservation drift rather than corrupting the pool.
			account.MinutesReserved = 0
		}

		mutation.AppendUsage(&models.UsageRecord{
			ID:                uuid.New().String(),
			UserID:            userID,
			JobID:             usage.JobID,
			Mode:              usage.Mode,
			MinutesUsed:       usage.ActualMinutes,
			CreditsUsed:       usage.CreditsUsed,
			Source:            usage.Source,
			BillingCycleStart: account.BillingCycleStart,
			BillingCycleEnd:   account.BillingCycleEnd,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to confirm usage: %w", err)
	}
	return nil
}

// ReleaseReservation is the compensating action for jobs that fail or are
// cancelled before billable work happened: the reserved minutes return to
// the available pool. Wallet debits are not reversed here; refunds are an
// explicit credit grant.
func (r *Reconciler) ReleaseReservation(ctx context.Context, userID string, reservedMinutes int) error {
	if reservedMinutes <= 0 {
		return nil
	}
	err := r.store.Mutate(ctx, userID, func(mutation *ledger.Mutation) error {
		account := mutation.Account
		account.MinutesReserved -= reservedMinutes
		if account.MinutesReserved < 0 {
			account.MinutesReserved = 0
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// GrantCredits adds wallet credits and logs the movement with its own
// transaction type. Used for purchases, promotional grants, and the refund
// policy on rejected reviews.
func (r *Reconciler) GrantCredits(ctx context.Context, userID string, amount int, txnType, jobID, memo string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	err := r.store.Mutate(ctx, userID, func(mutation *ledger.Mutation) error {
		mutation.Account.Credits += amount
		mutation.AppendCreditTransaction(&models.CreditTransaction{
			ID:     uuid.New().String(),
			UserID: userID,
			JobID:  jobID,
			Type:   txnType,
			Amount: amount,
			Memo:   memo,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	return nil
}
