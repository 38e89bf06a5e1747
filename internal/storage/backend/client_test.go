package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

// fakeStrapi mimics the subset of the Strapi REST API the client uses.
type fakeStrapi struct {
	mu       sync.Mutex
	users    map[int64]map[string]any
	versions map[int64]int
	txs      []map[string]any
	// staleWrites makes the next N user PUTs fail with 412 after bumping the version.
	staleWrites int
	// unversioned serves users without an ETag and accepts unconditional PUTs.
	unversioned bool
	puts        int
	token       string
}

func newFakeStrapi() *fakeStrapi {
	return &fakeStrapi{users: map[int64]map[string]any{}, versions: map[int64]int{}, token: "svc-token"}
}

func (f *fakeStrapi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"status": 401, "message": "unauthorized"}})
		return
	}
	switch {
	case r.URL.Path == "/api/users" && r.Method == http.MethodGet:
		customer := r.URL.Query().Get("filters[stripeCustomerId][$eq]")
		out := []map[string]any{}
		for _, u := range f.users {
			if u["stripeCustomerId"] == customer {
				out = append(out, u)
			}
		}
		writeJSON(w, http.StatusOK, out)
	case strings.HasPrefix(r.URL.Path, "/api/users/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/users/"), 10, 64)
		u, ok := f.users[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"status": 404, "name": "NotFoundError", "message": "Not Found"}})
			return
		}
		if r.Method == http.MethodPut {
			f.puts++
			if f.staleWrites > 0 {
				f.staleWrites--
				f.versions[id]++
				writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": map[string]any{"status": 412, "message": "stale"}})
				return
			}
			if !f.unversioned && r.Header.Get("If-Match") != etag(f.versions[id]) {
				writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": map[string]any{"status": 412, "message": "stale"}})
				return
			}
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			for k, v := range patch {
				u[k] = v
			}
			f.versions[id]++
		}
		if !f.unversioned {
			w.Header().Set("ETag", etag(f.versions[id]))
		}
		writeJSON(w, http.StatusOK, u)
	case r.URL.Path == "/api/credit-transactions" && r.Method == http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, tx := range f.txs {
			if tx["externalRef"] == body.Data["externalRef"] && tx["type"] == body.Data["type"] {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{
					"status": 400, "name": "ValidationError", "message": "This attribute must be unique",
				}})
				return
			}
		}
		body.Data["id"] = len(f.txs) + 1
		body.Data["createdAt"] = time.Date(2025, 3, 1, 0, 0, len(f.txs), 0, time.UTC)
		f.txs = append(f.txs, body.Data)
		writeJSON(w, http.StatusCreated, map[string]any{"data": body.Data})
	case strings.HasPrefix(r.URL.Path, "/api/credit-transactions/") && r.Method == http.MethodPut:
		id, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/credit-transactions/"))
		if id < 1 || id > len(f.txs) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"status": 404, "name": "NotFoundError", "message": "Not Found"}})
			return
		}
		var body struct {
			Data map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for k, v := range body.Data {
			f.txs[id-1][k] = v
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": f.txs[id-1]})
	case r.URL.Path == "/api/credit-transactions" && r.Method == http.MethodGet:
		q := r.URL.Query()
		out := []map[string]any{}
		for i := len(f.txs) - 1; i >= 0; i-- {
			tx := f.txs[i]
			if ref := q.Get("filters[externalRef][$eq]"); ref != "" && (tx["externalRef"] != ref || tx["type"] != q.Get("filters[type][$eq]")) {
				continue
			}
			if uid := q.Get("filters[userId][$eq]"); uid != "" && fmt.Sprint(tx["userId"]) != uid {
				continue
			}
			out = append(out, tx)
		}
		if size, err := strconv.Atoi(q.Get("pagination[pageSize]")); err == nil && len(out) > size {
			out = out[:size]
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func etag(v int) string { return fmt.Sprintf(`"v%d"`, v) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T) (*Client, *fakeStrapi) {
	t.Helper()
	fake := newFakeStrapi()
	fake.users[42] = map[string]any{"id": 42, "username": "ana", "credits": 10, "subCredits": 20, "subscriptionStatus": "none"}
	fake.users[7] = map[string]any{"id": 7, "stripeCustomerId": "cus_7", "credits": 0, "subCredits": 0, "subscriptionStatus": "active"}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	c := New(ts.URL+"/", fake.token, ts.Client(), nil)
	c.buildBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxWriteAttempts-1)
	}
	t.Cleanup(c.Close)
	return c, fake
}

func TestFindUsers(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	u, err := c.FindUserByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)
	assert.Equal(t, int64(10), u.Credits)
	assert.Equal(t, models.SubscriptionNone, u.SubscriptionStatus)

	_, err = c.FindUserByID(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	u, err = c.FindUserByCustomerID(ctx, "cus_7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)

	_, err = c.FindUserByCustomerID(ctx, "cus_unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddCreditsRetriesStaleWrites(t *testing.T) {
	c, fake := newTestClient(t)
	fake.staleWrites = 2

	u, err := c.AddCredits(context.Background(), 42, models.TransactionPurchase, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.Credits)
	assert.Equal(t, int64(20), u.SubCredits)
	assert.Equal(t, 3, fake.puts)

	u, err = c.AddCredits(context.Background(), 42, models.TransactionSubscription, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(120), u.SubCredits)
}

func TestAddCreditsGivesUpAfterMaxAttempts(t *testing.T) {
	c, fake := newTestClient(t)
	c.buildBackoff = writeBackOff
	fake.staleWrites = maxWriteAttempts

	_, err := c.AddCredits(context.Background(), 42, models.TransactionPurchase, 50)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, maxWriteAttempts, fake.puts)

	u, err := c.FindUserByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Credits)
}

func TestAddCreditsStopsWhenContextEnds(t *testing.T) {
	c, fake := newTestClient(t)
	c.buildBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Hour), maxWriteAttempts-1)
	}
	fake.staleWrites = 1
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.AddCredits(ctx, 42, models.TransactionPurchase, 50)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fake.puts)
}

func TestAddCreditsRefusesUnversionedWrites(t *testing.T) {
	c, fake := newTestClient(t)
	fake.unversioned = true

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, errs[i] = c.AddCredits(context.Background(), 42, models.TransactionPurchase, 50)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, errNoVersion)
	}
	assert.Zero(t, fake.puts)

	fake.unversioned = false
	u, err := c.FindUserByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Credits)
}

func TestUpdateSubscriptionStaleGuard(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := t1.Add(30 * 24 * time.Hour)

	applied, err := c.UpdateSubscription(ctx, 7, models.SubscriptionUpdate{
		Status: models.SubscriptionPastDue, ProviderStatus: "past_due", SubscriptionID: "sub_1", Expiry: &expiry, AsOf: t1,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.UpdateSubscription(ctx, 7, models.SubscriptionUpdate{
		Status: models.SubscriptionActive, AsOf: t1.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, fake.puts)

	u, err := c.FindUserByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, u.SubscriptionStatus)
	assert.Equal(t, "sub_1", u.SubscriptionID)
	require.NotNil(t, u.SubscriptionExpiry)
	assert.True(t, expiry.Equal(*u.SubscriptionExpiry))
}

func TestLateActivationStampsFirstSubscription(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := c.UpdateSubscription(ctx, 7, models.SubscriptionUpdate{Status: models.SubscriptionPastDue, AsOf: t1})
	require.NoError(t, err)

	applied, err := c.UpdateSubscription(ctx, 7, models.SubscriptionUpdate{
		Status: models.SubscriptionActive, MarkFirst: true, AsOf: t1.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, fake.puts)

	u, err := c.FindUserByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, u.SubscriptionStatus)
	require.NotNil(t, u.FirstSubscribedAt)
	assert.True(t, t1.Add(-time.Minute).Equal(*u.FirstSubscribedAt))
}

func TestLinkCustomer(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.LinkCustomer(ctx, 42, "cus_42"))
	require.NoError(t, c.LinkCustomer(ctx, 42, "cus_42"))
	assert.Equal(t, 1, fake.puts)

	u, err := c.FindUserByCustomerID(ctx, "cus_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)

	assert.ErrorIs(t, c.LinkCustomer(ctx, 99, "cus_99"), storage.ErrNotFound)
}

func TestTransactionsUniqueness(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	tx := models.CreditTransaction{UserID: 42, Amount: 50, Type: models.TransactionPurchase, ExternalRef: "pi_1", EventID: "evt_1"}

	created, err := c.CreateTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, "1", created.ID)
	assert.Equal(t, models.TransactionCompleted, created.Status)

	_, err = c.CreateTransaction(ctx, tx)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	tx.Type = models.TransactionSubscription
	_, err = c.CreateTransaction(ctx, tx)
	require.NoError(t, err)

	found, err := c.FindTransaction(ctx, "pi_1", models.TransactionPurchase)
	require.NoError(t, err)
	assert.Equal(t, int64(50), found.Amount)
	assert.Equal(t, "evt_1", found.EventID)

	_, err = c.FindTransaction(ctx, "pi_2", models.TransactionPurchase)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.False(t, found.BalanceApplied)
	require.NoError(t, c.MarkBalanceApplied(ctx, found.ID))
	found, err = c.FindTransaction(ctx, "pi_1", models.TransactionPurchase)
	require.NoError(t, err)
	assert.True(t, found.BalanceApplied)
	assert.ErrorIs(t, c.MarkBalanceApplied(ctx, "99"), storage.ErrNotFound)

	list, err := c.ListTransactions(ctx, 42, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TransactionSubscription, list[0].Type)
}

func TestUnauthorizedIsNotClassifiedAsNotFound(t *testing.T) {
	fake := newFakeStrapi()
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := New(ts.URL, "wrong", nil, nil)
	_, err := c.FindUserByID(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "status 401")
}
