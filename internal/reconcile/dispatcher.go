// Package reconcile turns verified payment-provider events into ledger
// entries, balance increments and subscription state changes.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/catalog"
	"github.com/hongminglow/sampledeck-billing/internal/ledger"
	"github.com/hongminglow/sampledeck-billing/internal/models"
)

// DefaultRenewalCredits is granted per renewal when no other amount is configured.
const DefaultRenewalCredits = 100

// SubscriptionFetcher re-reads a subscription from the provider when an event
// references it only by id.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, id string) (Subscription, error)
}

// Config controls grant amounts.
type Config struct {
	RenewalCredits int64
}

// Dispatcher routes one verified event to its handler. It keeps no state
// between events, so every handler must be safe to re-run.
type Dispatcher struct {
	catalog catalog.Catalog
	locator *Locator
	mutator *Mutator
	subs    SubscriptionFetcher
	config  Config
	logger  *zap.Logger
}

// NewDispatcher wires the pipeline stages together.
func NewDispatcher(cat catalog.Catalog, locator *Locator, mutator *Mutator, subs SubscriptionFetcher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.RenewalCredits <= 0 {
		cfg.RenewalCredits = DefaultRenewalCredits
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		catalog: cat,
		locator: locator,
		mutator: mutator,
		subs:    subs,
		config:  cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Dispatch reconciles evt. Permanent data defects come back as errors for
// which IsPermanent is true; every other error should make the provider retry.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (Outcome, error) {
	if c, ok := evt.(CheckoutCompleted); ok && c.PaymentStatus != PaymentStatusPaid {
		d.logger.Info("checkout not paid; nothing to grant",
			zap.String("event_id", c.ID),
			zap.String("session_id", c.SessionID),
			zap.String("payment_status", c.PaymentStatus),
		)
		return OutcomeIgnored, nil
	}
	if err := evt.validate(); err != nil {
		return "", err
	}
	switch e := evt.(type) {
	case CheckoutCompleted:
		return d.handleCheckout(ctx, e)
	case SubscriptionCreated:
		return d.handleSubscriptionCreated(ctx, e)
	case SubscriptionUpdated:
		return d.handleSubscriptionUpdated(ctx, e)
	case SubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, e)
	case InvoicePaymentSucceeded:
		return d.handleInvoiceSucceeded(ctx, e)
	case InvoicePaymentFailed:
		return d.handleInvoiceFailed(ctx, e)
	default:
		meta := evt.Meta()
		d.logger.Debug("ignoring unhandled event type", zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))
		return OutcomeIgnored, nil
	}
}

func (d *Dispatcher) handleCheckout(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	user, err := d.locator.ForCheckout(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return "", err
	}

	if e.Mode == CheckoutModePayment {
		qty, err := d.catalog.Resolve(e.ProductID)
		if err != nil {
			return "", err
		}
		return d.mutator.Grant(ctx, ledger.Entry{
			UserID:      user.ID,
			Amount:      qty,
			Type:        models.TransactionPurchase,
			ExternalRef: e.purchaseRef(),
			EventID:     e.ID,
		})
	}

	qty := d.config.RenewalCredits
	if e.ProductID != "" {
		if qty, err = d.catalog.Resolve(e.ProductID); err != nil {
			return "", err
		}
	}
	sub, err := d.subscription(ctx, e.SubscriptionID, nil)
	if err != nil {
		return "", err
	}
	if sub.Status == "" {
		sub.Status = "active"
	}
	// Activation is an idempotent overwrite, so it runs before the grant and a
	// retry after a failed grant still converges.
	if _, err := d.mutator.ActivateSubscription(ctx, user, sub, e.Created); err != nil {
		return "", err
	}
	return d.mutator.Grant(ctx, ledger.Entry{
		UserID:      user.ID,
		Amount:      qty,
		Type:        models.TransactionSubscription,
		ExternalRef: e.subscriptionRef(),
		EventID:     e.ID,
	})
}

func (d *Dispatcher) handleSubscriptionCreated(ctx context.Context, e SubscriptionCreated) (Outcome, error) {
	user, err := d.locator.ForCustomer(ctx, e.Subscription.CustomerID, e.Subscription.UserID)
	if err != nil {
		return "", err
	}
	return d.mutator.ActivateSubscription(ctx, user, e.Subscription, e.Created)
}

func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, e SubscriptionUpdated) (Outcome, error) {
	user, err := d.locator.ForCustomer(ctx, e.Subscription.CustomerID, e.Subscription.UserID)
	if err != nil {
		return "", err
	}
	return d.mutator.SyncSubscription(ctx, user, e.Subscription, e.Created)
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) (Outcome, error) {
	user, err := d.locator.ForCustomer(ctx, e.Subscription.CustomerID, e.Subscription.UserID)
	if err != nil {
		return "", err
	}
	return d.mutator.CancelSubscription(ctx, user, e.Subscription, e.Created)
}

func (d *Dispatcher) handleInvoiceSucceeded(ctx context.Context, e InvoicePaymentSucceeded) (Outcome, error) {
	inv := e.Invoice
	if inv.SubscriptionID == "" {
		d.logger.Debug("invoice not tied to a subscription", zap.String("invoice_id", inv.ID))
		return OutcomeIgnored, nil
	}
	user, err := d.locator.ForCustomer(ctx, inv.CustomerID, "")
	if err != nil {
		return "", err
	}
	sub, err := d.subscription(ctx, inv.SubscriptionID, inv.Subscription)
	if err != nil {
		return "", err
	}
	synced, err := d.mutator.SyncSubscription(ctx, user, sub, e.Created)
	if err != nil {
		return "", err
	}
	// Only renewals grant here; the initial period was granted at checkout.
	if inv.BillingReason != BillingReasonCycle {
		return synced, nil
	}
	return d.mutator.Grant(ctx, ledger.Entry{
		UserID:      user.ID,
		Amount:      d.config.RenewalCredits,
		Type:        models.TransactionSubscription,
		ExternalRef: inv.ID,
		EventID:     e.ID,
	})
}

func (d *Dispatcher) handleInvoiceFailed(ctx context.Context, e InvoicePaymentFailed) (Outcome, error) {
	inv := e.Invoice
	if inv.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}
	user, err := d.locator.ForCustomer(ctx, inv.CustomerID, "")
	if err != nil {
		return "", err
	}
	return d.mutator.MarkPastDue(ctx, user, inv.SubscriptionID, e.Created)
}

// subscription returns the embedded subscription when the event carried one,
// otherwise fetches it from the provider.
func (d *Dispatcher) subscription(ctx context.Context, id string, embedded *Subscription) (Subscription, error) {
	if embedded != nil && embedded.Status != "" {
		return *embedded, nil
	}
	if d.subs == nil {
		return Subscription{ID: id}, nil
	}
	sub, err := d.subs.FetchSubscription(ctx, id)
	if err != nil {
		return Subscription{}, fmt.Errorf("fetch subscription %s: %w", id, err)
	}
	return sub, nil
}
