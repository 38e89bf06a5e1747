package reconcile

import (
	"fmt"
	"time"
)

// Provider event types handled by the dispatcher.
const (
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
)

// Checkout values the dispatcher branches on.
const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
	PaymentStatusPaid        = "paid"
	BillingReasonCycle       = "subscription_cycle"
)

// Event is one verified provider notification. The concrete types below are
// the only implementations; UnknownEvent covers every other type tag.
type Event interface {
	Meta() EventMeta
	validate() error
}

// EventMeta is the envelope every event carries.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// Subscription is the provider's authoritative view of a subscription.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
	// UserID is the application user id from subscription metadata, if present.
	UserID    string
	ProductID string
}

func (s Subscription) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrMalformedEvent)
	}
	if s.CustomerID == "" && s.UserID == "" {
		return fmt.Errorf("%w: subscription %s has no customer", ErrMalformedEvent, s.ID)
	}
	return nil
}

// CheckoutCompleted is checkout.session.completed.
type CheckoutCompleted struct {
	EventMeta
	SessionID       string
	Mode            string
	PaymentStatus   string
	CustomerID      string
	UserID          string
	ProductID       string
	PaymentIntentID string
	SubscriptionID  string
	InvoiceID       string
}

func (e CheckoutCompleted) validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: checkout session id missing", ErrMalformedEvent)
	}
	if e.UserID == "" && e.CustomerID == "" {
		return fmt.Errorf("%w: checkout %s identifies no user", ErrMalformedEvent, e.SessionID)
	}
	switch e.Mode {
	case CheckoutModePayment:
		if e.ProductID == "" {
			return fmt.Errorf("%w: checkout %s has no productId", ErrMalformedEvent, e.SessionID)
		}
	case CheckoutModeSubscription:
		if e.SubscriptionID == "" {
			return fmt.Errorf("%w: checkout %s has no subscription", ErrMalformedEvent, e.SessionID)
		}
	default:
		return fmt.Errorf("%w: checkout %s has unsupported mode %q", ErrMalformedEvent, e.SessionID, e.Mode)
	}
	return nil
}

// purchaseRef is the external reference of a one-time purchase grant.
func (e CheckoutCompleted) purchaseRef() string {
	if e.PaymentIntentID != "" {
		return e.PaymentIntentID
	}
	return e.SessionID
}

// subscriptionRef is the external reference of the initial subscription grant.
func (e CheckoutCompleted) subscriptionRef() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.SessionID
}

// SubscriptionCreated is customer.subscription.created.
type SubscriptionCreated struct {
	EventMeta
	Subscription Subscription
}

func (e SubscriptionCreated) validate() error { return e.Subscription.validate() }

// SubscriptionUpdated is customer.subscription.updated.
type SubscriptionUpdated struct {
	EventMeta
	Subscription Subscription
}

func (e SubscriptionUpdated) validate() error { return e.Subscription.validate() }

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	EventMeta
	Subscription Subscription
}

func (e SubscriptionDeleted) validate() error { return e.Subscription.validate() }

// Invoice carries the invoice fields both invoice events use.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	BillingReason  string
	// Subscription is set only when the payload embeds the full object.
	Subscription *Subscription
}

func (i Invoice) validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: invoice id missing", ErrMalformedEvent)
	}
	if i.SubscriptionID != "" && i.CustomerID == "" {
		return fmt.Errorf("%w: invoice %s has no customer", ErrMalformedEvent, i.ID)
	}
	return nil
}

// InvoicePaymentSucceeded is invoice.payment_succeeded.
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice Invoice
}

func (e InvoicePaymentSucceeded) validate() error { return e.Invoice.validate() }

// InvoicePaymentFailed is invoice.payment_failed.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice Invoice
}

func (e InvoicePaymentFailed) validate() error { return e.Invoice.validate() }

// UnknownEvent is any event type the dispatcher does not handle.
type UnknownEvent struct {
	EventMeta
}

func (UnknownEvent) validate() error { return nil }
