package models

import "time"

// Subscription status values, mirroring the payment provider's lifecycle.
const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusNone       = "none"
)

// SubscriptionPlanNone marks an account without a subscription.
const SubscriptionPlanNone = "none"

// Account holds a user's balances: subscription minute counters and the
// wallet credit balance. All writes go through the ledger store; no other
// code path may mutate credits or the minute counters.
type Account struct {
	UserID                  string    `json:"user_id" db:"user_id"`
	SubscriptionPlan        string    `json:"subscription_plan" db:"subscription_plan"`
	SubscriptionStatus      string    `json:"subscription_status" db:"subscription_status"`
	IncludedMinutesPerMonth int       `json:"included_minutes_per_month" db:"included_minutes_per_month"`
	MinutesUsedThisMonth    int       `json:"minutes_used_this_month" db:"minutes_used_this_month"`
	MinutesReserved         int       `json:"minutes_reserved" db:"minutes_reserved"`
	Credits                 int       `json:"credits" db:"credits"`
	BillingCycleStart       time.Time `json:"billing_cycle_start" db:"billing_cycle_start"`
	BillingCycleEnd         time.Time `json:"billing_cycle_end" db:"billing_cycle_end"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// SubscriptionUsable reports whether the subscription can fund new work.
func (a *Account) SubscriptionUsable() bool {
	return a.SubscriptionStatus == SubscriptionStatusActive ||
		a.SubscriptionStatus == SubscriptionStatusTrialing
}

// AvailableMinutes returns the subscription minutes not yet used or held by
// in-flight reservations.
func (a *Account) AvailableMinutes() int {
	available := a.IncludedMinutesPerMonth - a.MinutesUsedThisMonth - a.MinutesReserved
	if available < 0 {
		return 0
	}
	return available
}
