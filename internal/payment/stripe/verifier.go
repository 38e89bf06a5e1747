// Package stripe verifies Stripe webhook deliveries and maps them onto
// reconcile events.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/hongminglow/sampledeck-billing/internal/reconcile"
)

// SignatureHeader is the header Stripe signs deliveries with.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature rejects payloads that were not signed with our secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks signatures over the raw request bytes and decodes the event.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier builds a verifier for the endpoint's signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify validates header against payload and returns the typed event.
// payload must be the body exactly as received.
func (v *Verifier) Verify(payload []byte, header string) (reconcile.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decode(event)
}

func decode(event stripe.Event) (reconcile.Event, error) {
	meta := reconcile.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch meta.Type {
	case reconcile.TypeCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := unmarshal(raw, &session, meta); err != nil {
			return nil, err
		}
		return checkoutEvent(meta, &session), nil

	case reconcile.TypeSubscriptionCreated, reconcile.TypeSubscriptionUpdated, reconcile.TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := unmarshal(raw, &sub, meta); err != nil {
			return nil, err
		}
		s := toSubscription(&sub)
		switch meta.Type {
		case reconcile.TypeSubscriptionCreated:
			return reconcile.SubscriptionCreated{EventMeta: meta, Subscription: s}, nil
		case reconcile.TypeSubscriptionUpdated:
			return reconcile.SubscriptionUpdated{EventMeta: meta, Subscription: s}, nil
		default:
			return reconcile.SubscriptionDeleted{EventMeta: meta, Subscription: s}, nil
		}

	case reconcile.TypeInvoicePaymentSucceeded, reconcile.TypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := unmarshal(raw, &inv, meta); err != nil {
			return nil, err
		}
		invoice := toInvoice(&inv)
		if meta.Type == reconcile.TypeInvoicePaymentSucceeded {
			return reconcile.InvoicePaymentSucceeded{EventMeta: meta, Invoice: invoice}, nil
		}
		return reconcile.InvoicePaymentFailed{EventMeta: meta, Invoice: invoice}, nil
	}

	return reconcile.UnknownEvent{EventMeta: meta}, nil
}

func unmarshal(raw json.RawMessage, dst any, meta reconcile.EventMeta) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s %s has no data object", reconcile.ErrMalformedEvent, meta.Type, meta.ID)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", reconcile.ErrMalformedEvent, meta.Type, meta.ID, err)
	}
	return nil
}

func checkoutEvent(meta reconcile.EventMeta, s *stripe.CheckoutSession) reconcile.CheckoutCompleted {
	e := reconcile.CheckoutCompleted{
		EventMeta:     meta,
		SessionID:     s.ID,
		Mode:          string(s.Mode),
		PaymentStatus: string(s.PaymentStatus),
		UserID:        s.ClientReferenceID,
		ProductID:     metadata(s.Metadata, "productId", "product_id"),
	}
	if e.UserID == "" {
		e.UserID = metadata(s.Metadata, "userId", "user_id")
	}
	if s.Customer != nil {
		e.CustomerID = s.Customer.ID
	}
	if s.PaymentIntent != nil {
		e.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.Subscription != nil {
		e.SubscriptionID = s.Subscription.ID
	}
	if s.Invoice != nil {
		e.InvoiceID = s.Invoice.ID
	}
	return e
}

func toSubscription(sub *stripe.Subscription) reconcile.Subscription {
	s := reconcile.Subscription{
		ID:        sub.ID,
		Status:    string(sub.Status),
		UserID:    metadata(sub.Metadata, "userId", "user_id"),
		ProductID: metadata(sub.Metadata, "productId", "product_id"),
	}
	if sub.Customer != nil {
		s.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		s.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if s.ProductID == "" && sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.Product != nil {
				s.ProductID = item.Price.Product.ID
				break
			}
		}
	}
	return s
}

func toInvoice(inv *stripe.Invoice) reconcile.Invoice {
	out := reconcile.Invoice{
		ID:            inv.ID,
		BillingReason: string(inv.BillingReason),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
		// An expanded subscription carries its status; a bare id does not.
		if inv.Subscription.Status != "" {
			s := toSubscription(inv.Subscription)
			if s.CustomerID == "" {
				s.CustomerID = out.CustomerID
			}
			out.Subscription = &s
		}
	}
	return out
}

func metadata(meta map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := meta[key]; v != "" {
			return v
		}
	}
	return ""
}
