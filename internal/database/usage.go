package database

import (
	"context"
	"fmt"
	"time"

	"github.com/scrybeapp/scrybe/pkg/models"
)

// UsageRepository provides read access to the append-only usage history.
// Writes happen only through the ledger store's transactions.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// ListUsageByUser retrieves a user's usage records, newest first
func (r *UsageRepository) ListUsageByUser(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error) {
	query := `
		SELECT id, user_id, job_id, mode, minutes_used, credits_used, source,
		       billing_cycle_start, billing_cycle_end, created_at
		FROM usage_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.JobID, &rec.Mode, &rec.MinutesUsed,
			&rec.CreditsUsed, &rec.Source, &rec.BillingCycleStart, &rec.BillingCycleEnd,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// CycleSummary aggregates usage within one billing cycle.
type CycleSummary struct {
	MinutesUsed int `json:"minutes_used"`
	CreditsUsed int `json:"credits_used"`
	Jobs        int `json:"jobs"`
}

// CycleUsageSummary aggregates a user's usage for a billing cycle.
func (r *UsageRepository) CycleUsageSummary(ctx context.Context, userID string, cycleStart, cycleEnd time.Time) (*CycleSummary, error) {
	query := `
		SELECT COALESCE(SUM(minutes_used), 0), COALESCE(SUM(credits_used), 0), COUNT(*)
		FROM usage_records
		WHERE user_id = $1 AND billing_cycle_start = $2 AND billing_cycle_end = $3
	`

	var summary CycleSummary
	err := r.db.Pool.QueryRow(ctx, query, userID, cycleStart, cycleEnd).Scan(
		&summary.MinutesUsed, &summary.CreditsUsed, &summary.Jobs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return &summary, nil
}

// ListCreditTransactions retrieves a user's credit transactions, newest first
func (r *UsageRepository) ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error) {
	query := `
		SELECT id, user_id, COALESCE(job_id, ''), type, amount, COALESCE(memo, ''), created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		err := rows.Scan(&txn.ID, &txn.UserID, &txn.JobID, &txn.Type, &txn.Amount, &txn.Memo, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txns = append(txns, &txn)
	}

	return txns, nil
}
