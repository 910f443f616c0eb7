package ledger

import (
	"context"
	"errors"

	"github.com/scrybeapp/scrybe/pkg/models"
)

// ErrAccountNotFound is returned when no account exists for a user.
var ErrAccountNotFound = errors.New("account not found")

// Mutation is the unit of work handed to Store.Mutate. Field changes on
// Account plus any appended rows commit atomically, or not at all if the
// mutation function returns an error.
type Mutation struct {
	Account *models.Account

	usage   []*models.UsageRecord
	credits []*models.CreditTransaction
}

// AppendUsage stages an immutable usage record to be written with the
// account update.
func (m *Mutation) AppendUsage(rec *models.UsageRecord) {
	m.usage = append(m.usage, rec)
}

// AppendCreditTransaction stages a credit transaction to be written with the
// account update.
func (m *Mutation) AppendCreditTransaction(txn *models.CreditTransaction) {
	m.credits = append(m.credits, txn)
}

// Store is the only write path to account balances. Implementations must
// guarantee that two concurrent Mutate calls for the same user never observe
// the same pre-mutation balance.
type Store interface {
	// Get returns the current account state.
	Get(ctx context.Context, userID string) (*models.Account, error)

	// Mutate runs fn with exclusive access to the user's account. If fn
	// returns an error nothing is persisted.
	Mutate(ctx context.Context, userID string, fn func(*Mutation) error) error

	// CreateAccount inserts a new account.
	CreateAccount(ctx context.Context, account *models.Account) error
}
