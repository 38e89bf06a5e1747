package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
	"github.com/hongminglow/sampledeck-billing/internal/storage/memory"
)

func purchase(ref string) Entry {
	return Entry{UserID: 7, Amount: 50, Type: models.TransactionPurchase, ExternalRef: ref, EventID: "evt_1"}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source for WithNow.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newWriter(store storage.TransactionStore) (*Writer, *clock) {
	c := &clock{now: t0}
	w := NewWriter(store, nil)
	w.WithNow(c.Now)
	return w, c
}

func TestEnsureWritesOnce(t *testing.T) {
	store := memory.New()
	w, _ := newWriter(store)
	ctx := context.Background()

	first, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.False(t, first.Resumed)
	assert.Equal(t, models.TransactionCompleted, first.Transaction.Status)
	assert.Equal(t, t0, first.Transaction.CreatedAt)
	require.NoError(t, w.MarkApplied(ctx, first.Transaction))

	second, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, store.TransactionCount("pi_1", models.TransactionPurchase))
}

func TestEnsureSameRefDifferentTypeIsDistinct(t *testing.T) {
	store := memory.New()
	w, _ := newWriter(store)
	ctx := context.Background()

	_, err := w.Ensure(ctx, purchase("in_1"))
	require.NoError(t, err)
	sub := purchase("in_1")
	sub.Type = models.TransactionSubscription
	res, err := w.Ensure(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
}

func TestEnsureResumesUnconfirmedEntryAfterSettleWindow(t *testing.T) {
	store := memory.New()
	w, clk := newWriter(store)
	ctx := context.Background()

	first, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)

	// The writer that created the entry may still be incrementing the balance.
	clk.now = t0.Add(DefaultSettleWindow - time.Second)
	_, err = w.Ensure(ctx, purchase("pi_1"))
	assert.ErrorIs(t, err, ErrBalancePending)

	clk.now = t0.Add(DefaultSettleWindow)
	res, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.False(t, res.AlreadyApplied)
	assert.Equal(t, first.Transaction.ID, res.Transaction.ID)
	assert.Equal(t, 1, store.TransactionCount("pi_1", models.TransactionPurchase))
}

func TestEnsureWithZeroSettleWindowResumesImmediately(t *testing.T) {
	store := memory.New()
	w, _ := newWriter(store)
	w.WithSettleWindow(0)
	ctx := context.Background()

	_, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)
	res, err := w.Ensure(ctx, purchase("pi_1"))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
}

// racingStore hides the existing row from the first pre-check to mimic a concurrent insert.
type racingStore struct {
	*memory.Store
	hidden *int
}

func (r racingStore) FindTransaction(ctx context.Context, ref string, kind models.TransactionType) (models.CreditTransaction, error) {
	if *r.hidden > 0 {
		*r.hidden--
		return models.CreditTransaction{}, storage.ErrNotFound
	}
	return r.Store.FindTransaction(ctx, ref, kind)
}

func TestEnsureTreatsConstraintViolationAsApplied(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w, _ := newWriter(store)
	first, err := w.Ensure(ctx, purchase("pi_race"))
	require.NoError(t, err)
	require.NoError(t, w.MarkApplied(ctx, first.Transaction))

	hidden := 1
	racer, _ := newWriter(racingStore{Store: store, hidden: &hidden})
	res, err := racer.Ensure(ctx, purchase("pi_race"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, first.Transaction.ID, res.Transaction.ID)
	assert.Equal(t, 1, store.TransactionCount("pi_race", models.TransactionPurchase))
}

func TestMarkAppliedUnknownEntry(t *testing.T) {
	w, _ := newWriter(memory.New())
	err := w.MarkApplied(context.Background(), models.CreditTransaction{ID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// atomicStore commits the ledger row and the balance in one step.
type atomicStore struct {
	*memory.Store
	calls int
}

func (a *atomicStore) GrantCredits(ctx context.Context, tx models.CreditTransaction) (models.User, models.CreditTransaction, error) {
	a.calls++
	tx.BalanceApplied = true
	created, err := a.CreateTransaction(ctx, tx)
	if err != nil {
		return models.User{}, models.CreditTransaction{}, err
	}
	user, err := a.AddCredits(ctx, tx.UserID, tx.Type, tx.Amount)
	return user, created, err
}

func TestEnsureAtomic(t *testing.T) {
	store := &atomicStore{Store: memory.New()}
	store.PutUser(models.User{ID: 7, Credits: 10})
	w, _ := newWriter(store)
	ctx := context.Background()

	res, user, err := w.EnsureAtomic(ctx, purchase("pi_1"), store)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.True(t, res.Transaction.BalanceApplied)
	assert.Equal(t, int64(60), user.Credits)

	res, _, err = w.EnsureAtomic(ctx, purchase("pi_1"), store)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)

	_, _, err = w.EnsureAtomic(ctx, Entry{UserID: 7, Type: models.TransactionPurchase, ExternalRef: "pi_2"}, store)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.Equal(t, 2, store.calls)
}

func TestEnsurePropagatesStoreErrors(t *testing.T) {
	store := memory.New()
	boom := errors.New("backend unreachable")
	store.FailNext("FindTransaction", boom)

	_, err := NewWriter(store, nil).Ensure(context.Background(), purchase("pi_2"))
	assert.ErrorIs(t, err, boom)

	store.FailNext("CreateTransaction", boom)
	_, err = NewWriter(store, nil).Ensure(context.Background(), purchase("pi_2"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.TransactionCount("pi_2", models.TransactionPurchase))
}

func TestEnsureRejectsInvalidEntries(t *testing.T) {
	w := NewWriter(memory.New(), nil)
	bad := []Entry{
		{UserID: 1, Amount: 0, Type: models.TransactionPurchase, ExternalRef: "x"},
		{UserID: 1, Amount: 5, Type: "refund", ExternalRef: "x"},
		{UserID: 1, Amount: 5, Type: models.TransactionPurchase},
		{Amount: 5, Type: models.TransactionPurchase, ExternalRef: "x"},
	}
	for _, e := range bad {
		_, err := w.Ensure(context.Background(), e)
		assert.ErrorIs(t, err, ErrInvalidEntry)
	}
}
