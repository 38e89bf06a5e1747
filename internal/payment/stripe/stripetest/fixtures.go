// Package stripetest builds signed Stripe webhook payloads for tests.
package stripetest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

// Secret is the signing secret fixtures use unless a test needs another one.
const Secret = "whsec_test_secret"

// Event renders an event envelope around object.
func Event(id, eventType string, created time.Time, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2024-06-20",
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(fmt.Sprintf("stripetest: marshal event: %v", err))
	}
	return body
}

// Sign returns the Stripe-Signature header for payload.
func Sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

// CheckoutSession builds a checkout.session object.
func CheckoutSession(id, mode, paymentStatus, customer, userID string, metadata map[string]string) map[string]any {
	obj := map[string]any{
		"id":                  id,
		"object":              "checkout.session",
		"mode":                mode,
		"payment_status":      paymentStatus,
		"client_reference_id": userID,
		"metadata":            metadata,
	}
	if customer != "" {
		obj["customer"] = customer
	}
	return obj
}

// Subscription builds a subscription object.
func Subscription(id, customer, status string, periodEnd time.Time) map[string]any {
	return map[string]any{
		"id":                 id,
		"object":             "subscription",
		"customer":           customer,
		"status":             status,
		"current_period_end": periodEnd.Unix(),
		"metadata":           map[string]string{},
	}
}

// Invoice builds an invoice object referencing a subscription by id.
func Invoice(id, customer, subscription, billingReason string) map[string]any {
	return map[string]any{
		"id":             id,
		"object":         "invoice",
		"customer":       customer,
		"subscription":   subscription,
		"billing_reason": billingReason,
	}
}
