package storage

import (
	"context"
	"errors"

	"github.com/hongminglow/sampledeck-billing/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// ErrConflict indicates a concurrent modification that outlived the retry budget.
var ErrConflict = errors.New("concurrent modification")

// UserStore captures the user reads and writes the ledger needs.
type UserStore interface {
	FindUserByID(ctx context.Context, id int64) (models.User, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (models.User, error)
	LinkCustomer(ctx context.Context, userID int64, customerID string) error
	// AddCredits increments the balance selected by kind. It must be safe under
	// concurrent increments for the same user.
	AddCredits(ctx context.Context, userID int64, kind models.TransactionType, delta int64) (models.User, error)
	// UpdateSubscription applies update and reports false when it was older
	// than the last applied subscription state. A stale update still sets
	// FirstSubscribedAt when it carries MarkFirst and the field is unset.
	UpdateSubscription(ctx context.Context, userID int64, update models.SubscriptionUpdate) (bool, error)
}

// TransactionStore persists immutable credit transactions.
type TransactionStore interface {
	FindTransaction(ctx context.Context, externalRef string, kind models.TransactionType) (models.CreditTransaction, error)
	// CreateTransaction returns ErrAlreadyExists when (ExternalRef, Type) is taken.
	CreateTransaction(ctx context.Context, tx models.CreditTransaction) (models.CreditTransaction, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error)
	// MarkBalanceApplied records that the entry's balance increment landed.
	MarkBalanceApplied(ctx context.Context, id string) error
}

// AtomicGranter is implemented by stores that can write a ledger entry and
// increment the matching balance in one transaction.
type AtomicGranter interface {
	// GrantCredits inserts tx with BalanceApplied set and applies its amount.
	// When (ExternalRef, Type) is taken nothing changes and ErrAlreadyExists
	// is returned; an unknown user yields ErrNotFound.
	GrantCredits(ctx context.Context, tx models.CreditTransaction) (models.User, models.CreditTransaction, error)
}

// Store is the backend-of-record used by the ledger.
type Store interface {
	UserStore
	TransactionStore
	Close()
}
