package models

import "time"

// Usage record sources
const (
	UsageSourceSubscription = "subscription"
	UsageSourceCredits      = "credits"
	UsageSourceOverage      = "overage"
)

// UsageRecord is an immutable, append-only fact written once per finalized
// job. Created only by the usage reconciler, never mutated.
type UsageRecord struct {
	ID                string    `json:"id" db:"id"`
	UserID            string    `json:"user_id" db:"user_id"`
	JobID             string    `json:"job_id" db:"job_id"`
	Mode              string    `json:"mode" db:"mode"`
	MinutesUsed       int       `json:"minutes_used" db:"minutes_used"`
	CreditsUsed       int       `json:"credits_used" db:"credits_used"`
	Source            string    `json:"source" db:"source"`
	BillingCycleStart time.Time `json:"billing_cycle_start" db:"billing_cycle_start"`
	BillingCycleEnd   time.Time `json:"billing_cycle_end" db:"billing_cycle_end"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Credit transaction types
const (
	CreditTxnPurchase = "purchase"
	CreditTxnGrant    = "grant"
	CreditTxnRefund   = "refund"
	CreditTxnSpend    = "spend"
)

// CreditTransaction records a single movement of wallet credits. Spends are
// written by the reservation engine; grants and refunds are explicit
// operations with their own transaction type.
type CreditTransaction struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	JobID     string    `json:"job_id,omitempty" db:"job_id"`
	Type      string    `json:"type" db:"type"`
	Amount    int       `json:"amount" db:"amount"`
	Memo      string    `json:"memo,omitempty" db:"memo"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
