package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scrybeapp/scrybe/pkg/models"
)

// MemoryStore is an in-memory Store used by tests. A single mutex serializes
// mutations, giving the same never-both-read-the-same-balance guarantee the
// Postgres row lock provides.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	usage    map[string][]*models.UsageRecord
	credits  map[string][]*models.CreditTransaction
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.Account),
		usage:    make(map[string][]*models.UsageRecord),
		credits:  make(map[string][]*models.CreditTransaction),
	}
}

// Get returns a copy of the account.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

// Mutate runs fn under the store lock and commits the account copy plus
// staged rows only when fn succeeds.
func (s *MemoryStore) Mutate(ctx context.Context, userID string, fn func(*Mutation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}

	working := account
	mutation := &Mutation{Account: &working}
	if err := fn(mutation); err != nil {
		return err
	}

	working.UpdatedAt = time.Now()
	s.accounts[userID] = working
	s.usage[userID] = append(s.usage[userID], mutation.usage...)
	s.credits[userID] = append(s.credits[userID], mutation.credits...)
	return nil
}

// CreateAccount inserts a new account.
func (s *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.UserID]; ok {
		return fmt.Errorf("account already exists: %s", account.UserID)
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	s.accounts[account.UserID] = *account
	return nil
}

// Usage returns the usage records appended for a user, oldest first.
func (s *MemoryStore) Usage(userID string) []*models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.UsageRecord(nil), s.usage[userID]...)
}

// CreditTransactions returns the credit transactions appended for a user,
// oldest first.
func (s *MemoryStore) CreditTransactions(userID string) []*models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CreditTransaction(nil), s.credits[userID]...)
}
