package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool. Mutate locks the
// account row for the duration of the transaction, so two concurrent
// reservations for the same user serialize at the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by Postgres.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountColumns = `user_id, subscription_plan, subscription_status,
	       included_minutes_per_month, minutes_used_this_month, minutes_reserved,
	       credits, billing_cycle_start, billing_cycle_end, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.UserID, &account.SubscriptionPlan, &account.SubscriptionStatus,
		&account.IncludedMinutesPerMonth, &account.MinutesUsedThisMonth, &account.MinutesReserved,
		&account.Credits, &account.BillingCycleStart, &account.BillingCycleEnd,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &account, nil
}

// Get retrieves an account by user ID.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE user_id = $1`, accountColumns)
	return scanAccount(s.pool.QueryRow(ctx, query, userID))
}

// Mutate runs fn against the row-locked account and persists the result plus
// any staged usage records and credit transactions in one transaction.
func (s *PostgresStore) Mutate(ctx context.Context, userID string, fn func(*Mutation) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE user_id = $1 FOR UPDATE`, accountColumns)
	account, err := scanAccount(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return err
	}

	mutation := &Mutation{Account: account}
	if err := fn(mutation); err != nil {
		return err
	}

	update := `
		UPDATE accounts
		SET subscription_plan = $2, subscription_status = $3,
		    included_minutes_per_month = $4, minutes_used_this_month = $5,
		    minutes_reserved = $6, credits = $7,
		    billing_cycle_start = $8, billing_cycle_end = $9, updated_at = now()
		WHERE user_id = $1
	`
	_, err = tx.Exec(ctx, update,
		account.UserID, account.SubscriptionPlan, account.SubscriptionStatus,
		account.IncludedMinutesPerMonth, account.MinutesUsedThisMonth, account.MinutesReserved,
		account.Credits, account.BillingCycleStart, account.BillingCycleEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	for _, rec := range mutation.usage {
		_, err = tx.Exec(ctx, `
			INSERT INTO usage_records (id, user_id, job_id, mode, minutes_used, credits_used,
			                           source, billing_cycle_start, billing_cycle_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, rec.UserID, rec.JobID, rec.Mode, rec.MinutesUsed, rec.CreditsUsed,
			rec.Source, rec.BillingCycleStart, rec.BillingCycleEnd)
		if err != nil {
			return fmt.Errorf("failed to append usage record: %w", err)
		}
	}

	for _, txn := range mutation.credits {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_transactions (id, user_id, job_id, type, amount, memo)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, txn.ID, txn.UserID, txn.JobID, txn.Type, txn.Amount, txn.Memo)
		if err != nil {
			return fmt.Errorf("failed to append credit transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CreateAccount inserts a new account record.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (user_id, subscription_plan, subscription_status,
		                      included_minutes_per_month, minutes_used_this_month,
		                      minutes_reserved, credits, billing_cycle_start, billing_cycle_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		account.UserID, account.SubscriptionPlan, account.SubscriptionStatus,
		account.IncludedMinutesPerMonth, account.MinutesUsedThisMonth, account.MinutesReserved,
		account.Credits, account.BillingCycleStart, account.BillingCycleEnd,
	).Scan(&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}
