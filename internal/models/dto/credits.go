package dto

import (
	"time"

	"github.com/hongminglow/sampledeck-billing/internal/models"
)

type BalanceResponse struct {
	UserID             int64                     `json:"user_id"`
	Credits            int64                     `json:"credits"`
	SubCredits         int64                     `json:"sub_credits"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscription_status"`
	SubscriptionExpiry *time.Time                `json:"subscription_expiry,omitempty"`
}

type TransactionsResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
}

type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}
