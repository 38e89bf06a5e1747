package models

import "time"

// User captures the credit and subscription fields the ledger reconciles.
type User struct {
	ID                   int64              `json:"id"`
	Username             string             `json:"username,omitempty"`
	Email                string             `json:"email,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	Credits              int64              `json:"credits"`
	SubCredits           int64              `json:"sub_credits"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	ProviderStatus       string             `json:"provider_status,omitempty"`
	SubscriptionID       string             `json:"subscription_id,omitempty"`
	SubscriptionExpiry   *time.Time         `json:"subscription_expiry,omitempty"`
	FirstSubscribedAt    *time.Time         `json:"first_subscribed_at,omitempty"`
	SubscriptionSyncedAt *time.Time         `json:"-"`
	CreatedAt            time.Time          `json:"created_at"`
}

// SubscriptionUpdate is the provider-reported subscription state to apply to a user.
// Nil pointer fields leave the stored value unchanged.
type SubscriptionUpdate struct {
	Status         SubscriptionStatus
	ProviderStatus string
	SubscriptionID string
	Expiry         *time.Time
	// MarkFirst sets FirstSubscribedAt to AsOf when it is still unset.
	MarkFirst bool
	// AsOf is the provider event time; updates older than the last applied one are dropped.
	AsOf time.Time
}

// Apply merges the update into u and reports whether it was applied.
// An update older than the last applied one is dropped, except that MarkFirst
// still stamps FirstSubscribedAt when it was never set; changed reports
// whether u differs afterwards.
// Stores that cannot express the update as a single statement share this logic.
func (u *User) Apply(update SubscriptionUpdate) (applied, changed bool) {
	if update.MarkFirst && u.FirstSubscribedAt == nil {
		first := update.AsOf
		u.FirstSubscribedAt = &first
		changed = true
	}
	if u.SubscriptionSyncedAt != nil && update.AsOf.Before(*u.SubscriptionSyncedAt) {
		return false, changed
	}
	if update.Status != "" {
		u.SubscriptionStatus = update.Status
	}
	if update.ProviderStatus != "" {
		u.ProviderStatus = update.ProviderStatus
	}
	if update.SubscriptionID != "" {
		u.SubscriptionID = update.SubscriptionID
	}
	if update.Expiry != nil {
		expiry := *update.Expiry
		u.SubscriptionExpiry = &expiry
	}
	asOf := update.AsOf
	u.SubscriptionSyncedAt = &asOf
	return true, true
}
