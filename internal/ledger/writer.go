// Package ledger appends immutable credit transactions exactly once per
// (external reference, type).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

// ErrInvalidEntry rejects entries that could never be a valid grant.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// ErrBalancePending means the entry exists but its balance increment has not
// been confirmed yet and the writer that created it may still be running.
var ErrBalancePending = errors.New("ledger entry awaiting balance update")

// DefaultSettleWindow is how long an unconfirmed entry is left to its writer
// before a redelivery takes over the balance increment.
const DefaultSettleWindow = 30 * time.Second

// Entry describes a grant to record.
type Entry struct {
	UserID      int64
	Amount      int64
	Type        models.TransactionType
	ExternalRef string
	EventID     string
}

// Result reports what Ensure did. AlreadyApplied means the entry and its
// balance increment both landed earlier. Resumed means the entry existed
// without a confirmed increment, which the caller must now apply.
type Result struct {
	Transaction    models.CreditTransaction
	AlreadyApplied bool
	Resumed        bool
}

// Writer is the single ensure-once path every credit grant goes through.
type Writer struct {
	store  storage.TransactionStore
	logger *zap.Logger
	now    func() time.Time
	settle time.Duration
}

// NewWriter constructs a Writer over the transaction store.
func NewWriter(store storage.TransactionStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger.Named("ledger"), now: time.Now, settle: DefaultSettleWindow}
}

// WithNow injects a deterministic clock for tests.
func (w *Writer) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// WithSettleWindow overrides DefaultSettleWindow.
func (w *Writer) WithSettleWindow(d time.Duration) {
	if d >= 0 {
		w.settle = d
	}
}

// Ensure creates the transaction unless one already exists for
// (ExternalRef, Type). An existing row, found up front or reported by the
// store's uniqueness constraint on insert, is AlreadyApplied once its balance
// increment is confirmed. An unconfirmed row older than the settle window is
// returned as Resumed; a younger one yields ErrBalancePending.
func (w *Writer) Ensure(ctx context.Context, e Entry) (Result, error) {
	tx, err := w.build(e)
	if err != nil {
		return Result{}, err
	}
	log := w.entryLogger(e)

	existing, err := w.store.FindTransaction(ctx, e.ExternalRef, e.Type)
	switch {
	case err == nil:
		return w.settled(log, existing)
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("check ledger: %w", err)
	}

	created, err := w.store.CreateTransaction(ctx, tx)
	if err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return Result{}, fmt.Errorf("write ledger: %w", err)
		}
		log.Info("ledger entry inserted concurrently")
		existing, err := w.store.FindTransaction(ctx, e.ExternalRef, e.Type)
		if err != nil {
			return Result{}, fmt.Errorf("check ledger: %w", err)
		}
		return w.settled(log, existing)
	}
	log.Info("ledger entry written", zap.String("transaction_id", created.ID), zap.Int64("amount", created.Amount))
	return Result{Transaction: created}, nil
}

// MarkApplied confirms that tx's balance increment landed.
func (w *Writer) MarkApplied(ctx context.Context, tx models.CreditTransaction) error {
	if err := w.store.MarkBalanceApplied(ctx, tx.ID); err != nil {
		return fmt.Errorf("mark ledger entry %s applied: %w", tx.ID, err)
	}
	return nil
}

// EnsureAtomic writes the entry and its balance increment through a store
// that commits both together. The returned user is only set when the grant
// was applied by this call.
func (w *Writer) EnsureAtomic(ctx context.Context, e Entry, granter storage.AtomicGranter) (Result, models.User, error) {
	tx, err := w.build(e)
	if err != nil {
		return Result{}, models.User{}, err
	}
	log := w.entryLogger(e)

	user, created, err := granter.GrantCredits(ctx, tx)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		log.Info("ledger entry already applied")
		return Result{AlreadyApplied: true}, models.User{}, nil
	case err != nil:
		return Result{}, models.User{}, err
	}
	log.Info("ledger entry written with balance", zap.String("transaction_id", created.ID), zap.Int64("amount", created.Amount))
	return Result{Transaction: created}, user, nil
}

func (w *Writer) settled(log *zap.Logger, tx models.CreditTransaction) (Result, error) {
	log = log.With(zap.String("transaction_id", tx.ID))
	if tx.BalanceApplied {
		log.Info("ledger entry already applied")
		return Result{Transaction: tx, AlreadyApplied: true}, nil
	}
	if age := w.now().Sub(tx.CreatedAt); age < w.settle {
		log.Warn("ledger entry balance not confirmed yet", zap.Duration("age", age))
		return Result{}, fmt.Errorf("%w: %s", ErrBalancePending, tx.ID)
	}
	log.Warn("resuming balance update for unconfirmed ledger entry")
	return Result{Transaction: tx, Resumed: true}, nil
}

func (w *Writer) build(e Entry) (models.CreditTransaction, error) {
	if err := validate(e); err != nil {
		return models.CreditTransaction{}, err
	}
	return models.CreditTransaction{
		UserID:      e.UserID,
		Amount:      e.Amount,
		Type:        e.Type,
		ExternalRef: e.ExternalRef,
		EventID:     e.EventID,
		Status:      models.TransactionCompleted,
		CreatedAt:   w.now().UTC(),
	}, nil
}

func (w *Writer) entryLogger(e Entry) *zap.Logger {
	return w.logger.With(
		zap.String("external_ref", e.ExternalRef),
		zap.String("type", string(e.Type)),
		zap.Int64("user_id", e.UserID),
	)
}

func validate(e Entry) error {
	switch {
	case e.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidEntry, e.Amount)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	case e.ExternalRef == "":
		return fmt.Errorf("%w: external reference is required", ErrInvalidEntry)
	case e.UserID == 0:
		return fmt.Errorf("%w: user is required", ErrInvalidEntry)
	}
	return nil
}
