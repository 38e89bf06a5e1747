package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

// Locator resolves provider customer ids and application user ids to users.
type Locator struct {
	users  storage.UserStore
	logger *zap.Logger
}

// NewLocator constructs a Locator.
func NewLocator(users storage.UserStore, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{users: users, logger: logger.Named("locator")}
}

// ForCheckout prefers the application user id a checkout session carries and
// links the session's customer to that user on first purchase.
func (l *Locator) ForCheckout(ctx context.Context, userID, customerID string) (models.User, error) {
	if userID == "" {
		return l.byCustomer(ctx, customerID)
	}
	user, err := l.byUserID(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if customerID == "" || user.StripeCustomerID == customerID {
		return user, nil
	}
	if user.StripeCustomerID != "" {
		l.logger.Warn("checkout customer differs from linked customer",
			zap.Int64("user_id", user.ID),
			zap.String("linked_customer", user.StripeCustomerID),
			zap.String("checkout_customer", customerID),
		)
		return user, nil
	}
	if err := l.users.LinkCustomer(ctx, user.ID, customerID); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			l.logger.Error("customer already linked to another user",
				zap.Int64("user_id", user.ID),
				zap.String("customer_id", customerID),
			)
			return user, nil
		}
		return models.User{}, fmt.Errorf("link customer: %w", err)
	}
	l.logger.Info("linked customer to user", zap.Int64("user_id", user.ID), zap.String("customer_id", customerID))
	user.StripeCustomerID = customerID
	return user, nil
}

// ForCustomer resolves by customer id, falling back to a metadata user id.
func (l *Locator) ForCustomer(ctx context.Context, customerID, fallbackUserID string) (models.User, error) {
	user, err := l.byCustomer(ctx, customerID)
	if err == nil || !errors.Is(err, ErrUserNotFound) || fallbackUserID == "" {
		return user, err
	}
	return l.ForCheckout(ctx, fallbackUserID, customerID)
}

func (l *Locator) byCustomer(ctx context.Context, customerID string) (models.User, error) {
	if customerID == "" {
		return models.User{}, fmt.Errorf("%w: no customer id", ErrUserNotFound)
	}
	user, err := l.users.FindUserByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, fmt.Errorf("%w: customer %s", ErrUserNotFound, customerID)
		}
		return models.User{}, fmt.Errorf("find user by customer %s: %w", customerID, err)
	}
	return user, nil
}

func (l *Locator) byUserID(ctx context.Context, raw string) (models.User, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return models.User{}, fmt.Errorf("%w: invalid user id %q", ErrUserNotFound, raw)
	}
	user, err := l.users.FindUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, fmt.Errorf("%w: user %d", ErrUserNotFound, id)
		}
		return models.User{}, fmt.Errorf("find user %d: %w", id, err)
	}
	return user, nil
}
