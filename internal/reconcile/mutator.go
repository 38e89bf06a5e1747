package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/ledger"
	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

// GrantObserver is notified after credits land on a balance.
type GrantObserver interface {
	CreditsGranted(kind models.TransactionType, amount int64)
}

// Mutator is the only writer of user balances and subscription state.
type Mutator struct {
	users    storage.UserStore
	ledger   *ledger.Writer
	logger   *zap.Logger
	observer GrantObserver
}

// NewMutator constructs a Mutator.
func NewMutator(users storage.UserStore, writer *ledger.Writer, logger *zap.Logger) *Mutator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{users: users, ledger: writer, logger: logger.Named("mutator")}
}

// AttachObserver wires an optional grant observer.
func (m *Mutator) AttachObserver(observer GrantObserver) {
	m.observer = observer
}

// Grant records the ledger entry and then increments the matching balance.
// A grant the ledger already holds returns OutcomeDuplicate without touching
// the balance. Stores implementing storage.AtomicGranter commit both writes
// together; elsewhere the entry is confirmed after the increment, and a
// redelivery of an unconfirmed entry re-runs only the increment.
func (m *Mutator) Grant(ctx context.Context, entry ledger.Entry) (Outcome, error) {
	if granter, ok := m.users.(storage.AtomicGranter); ok {
		res, user, err := m.ledger.EnsureAtomic(ctx, entry, granter)
		if err != nil {
			return "", grantError(entry, err)
		}
		if res.AlreadyApplied {
			return OutcomeDuplicate, nil
		}
		m.granted(entry, user)
		return OutcomeApplied, nil
	}

	res, err := m.ledger.Ensure(ctx, entry)
	if err != nil {
		return "", err
	}
	if res.AlreadyApplied {
		return OutcomeDuplicate, nil
	}
	log := m.logger.With(
		zap.Int64("user_id", entry.UserID),
		zap.String("external_ref", entry.ExternalRef),
		zap.String("type", string(entry.Type)),
		zap.Int64("amount", entry.Amount),
		zap.String("transaction_id", res.Transaction.ID),
	)
	user, err := m.users.AddCredits(ctx, entry.UserID, entry.Type, entry.Amount)
	if err != nil {
		log.Error("ledger entry written but balance update failed; a redelivery will resume it", zap.Error(err))
		return "", grantError(entry, err)
	}
	if err := m.ledger.MarkApplied(ctx, res.Transaction); err != nil {
		// The balance already moved; failing here would invite a second increment.
		log.Error("balance updated but ledger entry left unconfirmed", zap.Error(err))
	}
	if res.Resumed {
		log.Warn("balance update for earlier ledger entry completed")
	}
	m.granted(entry, user)
	return OutcomeApplied, nil
}

func (m *Mutator) granted(entry ledger.Entry, user models.User) {
	m.logger.Info("credits granted",
		zap.Int64("user_id", user.ID),
		zap.String("type", string(entry.Type)),
		zap.Int64("amount", entry.Amount),
		zap.Int64("credits", user.Credits),
		zap.Int64("sub_credits", user.SubCredits),
	)
	if m.observer != nil {
		m.observer.CreditsGranted(entry.Type, entry.Amount)
	}
}

func grantError(entry ledger.Entry, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: user %d", ErrUserNotFound, entry.UserID)
	}
	if errors.Is(err, ledger.ErrInvalidEntry) {
		return err
	}
	return fmt.Errorf("add credits: %w", err)
}

// ActivateSubscription stores a new subscription and stamps the first
// subscription time if it was never set.
func (m *Mutator) ActivateSubscription(ctx context.Context, user models.User, sub Subscription, asOf time.Time) (Outcome, error) {
	update := subscriptionUpdate(sub, asOf)
	update.MarkFirst = true
	return m.apply(ctx, user, update)
}

// SyncSubscription overwrites status and expiry with the provider's values.
func (m *Mutator) SyncSubscription(ctx context.Context, user models.User, sub Subscription, asOf time.Time) (Outcome, error) {
	return m.apply(ctx, user, subscriptionUpdate(sub, asOf))
}

// CancelSubscription marks the subscription canceled. Subscription credits are
// left alone; only future renewals stop.
func (m *Mutator) CancelSubscription(ctx context.Context, user models.User, sub Subscription, asOf time.Time) (Outcome, error) {
	update := subscriptionUpdate(sub, asOf)
	update.Status = models.SubscriptionCanceled
	if update.ProviderStatus == "" {
		update.ProviderStatus = "canceled"
	}
	return m.apply(ctx, user, update)
}

// MarkPastDue flags a failed renewal payment; balances are unchanged.
func (m *Mutator) MarkPastDue(ctx context.Context, user models.User, subscriptionID string, asOf time.Time) (Outcome, error) {
	return m.apply(ctx, user, models.SubscriptionUpdate{
		Status:         models.SubscriptionPastDue,
		ProviderStatus: "past_due",
		SubscriptionID: subscriptionID,
		AsOf:           asOf,
	})
}

func (m *Mutator) apply(ctx context.Context, user models.User, update models.SubscriptionUpdate) (Outcome, error) {
	applied, err := m.users.UpdateSubscription(ctx, user.ID, update)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: user %d", ErrUserNotFound, user.ID)
		}
		return "", fmt.Errorf("update subscription: %w", err)
	}
	log := m.logger.With(
		zap.Int64("user_id", user.ID),
		zap.String("subscription_id", update.SubscriptionID),
		zap.String("status", string(update.Status)),
		zap.String("provider_status", update.ProviderStatus),
	)
	if !applied {
		log.Info("subscription update older than stored state; skipped", zap.Time("as_of", update.AsOf))
		return OutcomeStale, nil
	}
	log.Info("subscription state updated")
	return OutcomeApplied, nil
}

func subscriptionUpdate(sub Subscription, asOf time.Time) models.SubscriptionUpdate {
	update := models.SubscriptionUpdate{
		ProviderStatus: sub.Status,
		SubscriptionID: sub.ID,
		AsOf:           asOf,
	}
	if status, ok := models.StatusFromProvider(sub.Status); ok {
		update.Status = status
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd.UTC()
		update.Expiry = &end
	}
	return update
}
