package models

import "time"

// SubscriptionStatus is the local view of a provider subscription.
type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "none"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// StatusFromProvider maps a raw provider subscription status onto the local enum.
// ok is false for statuses the mapping does not know; callers keep the current
// local status and only record the raw value.
func StatusFromProvider(raw string) (status SubscriptionStatus, ok bool) {
	switch raw {
	case "active", "trialing":
		return SubscriptionActive, true
	case "past_due", "unpaid", "incomplete", "paused":
		return SubscriptionPastDue, true
	case "canceled", "incomplete_expired":
		return SubscriptionCanceled, true
	}
	return "", false
}

// TransactionType classifies a ledger entry and selects the balance it feeds.
type TransactionType string

const (
	TransactionPurchase     TransactionType = "purchase"
	TransactionSubscription TransactionType = "subscription"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == TransactionPurchase || t == TransactionSubscription
}

// TransactionCompleted is the only status a ledger entry carries; events describe finalized charges.
const TransactionCompleted = "completed"

// CreditTransaction is an immutable ledger entry. (ExternalRef, Type) is unique.
// BalanceApplied is the one mutable bit: it flips once the matching balance
// has been incremented.
type CreditTransaction struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	Amount         int64           `json:"amount"`
	Type           TransactionType `json:"type"`
	ExternalRef    string          `json:"external_ref"`
	EventID        string          `json:"event_id,omitempty"`
	Status         string          `json:"status"`
	BalanceApplied bool            `json:"balance_applied"`
	CreatedAt      time.Time       `json:"created_at"`
}
