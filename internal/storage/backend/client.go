// Package backend talks to the Strapi backend-of-record over its REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

var _ storage.Store = (*Client)(nil)

// maxWriteAttempts bounds the optimistic read-modify-write loop on user records.
const maxWriteAttempts = 5

var (
	// errStale is returned by a conditional write whose If-Match no longer holds.
	errStale = errors.New("stale user version")
	// errNoVersion means the backend sent no ETag, so a write could not be made conditional.
	errNoVersion = errors.New("backend returned no ETag for user; refusing unconditional write")
)

// writeBackOff spaces out read-modify-write retries with jittered exponential delays.
func writeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, maxWriteAttempts-1)
}

// Client implements storage.Store against the backend-of-record HTTP API.
// It authenticates with a service bearer token, never an end-user session.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	logger       *zap.Logger
	buildBackoff func() backoff.BackOff
}

// New builds a client. A nil httpClient gets a client with a 10s timeout.
func New(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		http:         httpClient,
		logger:       logger.Named("backend"),
		buildBackoff: writeBackOff,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type userPayload struct {
	ID                   int64      `json:"id"`
	Username             string     `json:"username,omitempty"`
	Email                string     `json:"email,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId"`
	Credits              int64      `json:"credits"`
	SubCredits           int64      `json:"subCredits"`
	SubscriptionStatus   string     `json:"subscriptionStatus"`
	ProviderStatus       *string    `json:"providerStatus"`
	SubscriptionID       *string    `json:"subscriptionId"`
	SubscriptionExpiry   *time.Time `json:"subscriptionExpiry"`
	FirstSubscribedAt    *time.Time `json:"firstSubscribedAt"`
	SubscriptionSyncedAt *time.Time `json:"subscriptionSyncedAt"`
	CreatedAt            time.Time  `json:"createdAt"`
}

func (p userPayload) toModel() models.User {
	status := models.SubscriptionStatus(p.SubscriptionStatus)
	if status == "" {
		status = models.SubscriptionNone
	}
	return models.User{
		ID:                   p.ID,
		Username:             p.Username,
		Email:                p.Email,
		StripeCustomerID:     deref(p.StripeCustomerID),
		Credits:              p.Credits,
		SubCredits:           p.SubCredits,
		SubscriptionStatus:   status,
		ProviderStatus:       deref(p.ProviderStatus),
		SubscriptionID:       deref(p.SubscriptionID),
		SubscriptionExpiry:   p.SubscriptionExpiry,
		FirstSubscribedAt:    p.FirstSubscribedAt,
		SubscriptionSyncedAt: p.SubscriptionSyncedAt,
		CreatedAt:            p.CreatedAt,
	}
}

// userUpdate is the writable subset sent on PUT; identity fields are left to the CRUD API.
type userUpdate struct {
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	Credits              int64      `json:"credits"`
	SubCredits           int64      `json:"subCredits"`
	SubscriptionStatus   string     `json:"subscriptionStatus"`
	ProviderStatus       *string    `json:"providerStatus,omitempty"`
	SubscriptionID       *string    `json:"subscriptionId,omitempty"`
	SubscriptionExpiry   *time.Time `json:"subscriptionExpiry,omitempty"`
	FirstSubscribedAt    *time.Time `json:"firstSubscribedAt,omitempty"`
	SubscriptionSyncedAt *time.Time `json:"subscriptionSyncedAt,omitempty"`
}

func updateFromModel(u models.User) userUpdate {
	return userUpdate{
		StripeCustomerID:     ref(u.StripeCustomerID),
		Credits:              u.Credits,
		SubCredits:           u.SubCredits,
		SubscriptionStatus:   string(u.SubscriptionStatus),
		ProviderStatus:       ref(u.ProviderStatus),
		SubscriptionID:       ref(u.SubscriptionID),
		SubscriptionExpiry:   u.SubscriptionExpiry,
		FirstSubscribedAt:    u.FirstSubscribedAt,
		SubscriptionSyncedAt: u.SubscriptionSyncedAt,
	}
}

type transactionPayload struct {
	ID             json.Number `json:"id,omitempty"`
	UserID         int64       `json:"userId"`
	Amount         int64       `json:"amount"`
	Type           string      `json:"type"`
	ExternalRef    string      `json:"externalRef"`
	EventID        string      `json:"eventId,omitempty"`
	Status         string      `json:"status"`
	BalanceApplied bool        `json:"balanceApplied"`
	CreatedAt      *time.Time  `json:"createdAt,omitempty"`
}

func (p transactionPayload) toModel() models.CreditTransaction {
	tx := models.CreditTransaction{
		ID:             p.ID.String(),
		UserID:         p.UserID,
		Amount:         p.Amount,
		Type:           models.TransactionType(p.Type),
		ExternalRef:    p.ExternalRef,
		EventID:        p.EventID,
		Status:         p.Status,
		BalanceApplied: p.BalanceApplied,
	}
	if p.CreatedAt != nil {
		tx.CreatedAt = *p.CreatedAt
	}
	return tx
}

type collection[T any] struct {
	Data []T `json:"data"`
}

type single[T any] struct {
	Data T `json:"data"`
}

type apiError struct {
	Error struct {
		Status  int    `json:"status"`
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// FindUserByID fetches a user record.
func (c *Client) FindUserByID(ctx context.Context, id int64) (models.User, error) {
	user, _, err := c.getUser(ctx, id)
	return user, err
}

// FindUserByCustomerID resolves a Stripe customer to exactly one user.
func (c *Client) FindUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	q := url.Values{}
	q.Set("filters[stripeCustomerId][$eq]", customerID)
	var users []userPayload
	if _, err := c.do(ctx, http.MethodGet, "/api/users?"+q.Encode(), nil, nil, &users); err != nil {
		return models.User{}, fmt.Errorf("find user by customer: %w", err)
	}
	switch len(users) {
	case 0:
		return models.User{}, storage.ErrNotFound
	case 1:
		return users[0].toModel(), nil
	default:
		return models.User{}, fmt.Errorf("find user by customer: %d users share customer %s", len(users), customerID)
	}
}

// LinkCustomer stores the Stripe customer id on the user.
func (c *Client) LinkCustomer(ctx context.Context, userID int64, customerID string) error {
	_, err := c.modifyUser(ctx, userID, func(u *models.User) bool {
		if u.StripeCustomerID == customerID {
			return false
		}
		u.StripeCustomerID = customerID
		return true
	})
	return err
}

// AddCredits increments a balance with an optimistic read-modify-write loop.
func (c *Client) AddCredits(ctx context.Context, userID int64, kind models.TransactionType, delta int64) (models.User, error) {
	if !kind.Valid() {
		return models.User{}, fmt.Errorf("add credits: unknown transaction type %q", kind)
	}
	return c.modifyUser(ctx, userID, func(u *models.User) bool {
		if kind == models.TransactionPurchase {
			u.Credits += delta
		} else {
			u.SubCredits += delta
		}
		return true
	})
}

// UpdateSubscription applies provider state unless a newer state is already stored.
func (c *Client) UpdateSubscription(ctx context.Context, userID int64, update models.SubscriptionUpdate) (bool, error) {
	applied := false
	_, err := c.modifyUser(ctx, userID, func(u *models.User) bool {
		var changed bool
		applied, changed = u.Apply(update)
		return changed
	})
	return applied, err
}

// FindTransaction looks up the ledger entry for (externalRef, kind).
func (c *Client) FindTransaction(ctx context.Context, externalRef string, kind models.TransactionType) (models.CreditTransaction, error) {
	q := url.Values{}
	q.Set("filters[externalRef][$eq]", externalRef)
	q.Set("filters[type][$eq]", string(kind))
	var out collection[transactionPayload]
	if _, err := c.do(ctx, http.MethodGet, "/api/credit-transactions?"+q.Encode(), nil, nil, &out); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("find credit transaction: %w", err)
	}
	if len(out.Data) == 0 {
		return models.CreditTransaction{}, storage.ErrNotFound
	}
	return out.Data[0].toModel(), nil
}

// CreateTransaction appends a ledger entry. The backend enforces uniqueness
// of (externalRef, type); a violation surfaces as storage.ErrAlreadyExists.
func (c *Client) CreateTransaction(ctx context.Context, tx models.CreditTransaction) (models.CreditTransaction, error) {
	status := tx.Status
	if status == "" {
		status = models.TransactionCompleted
	}
	body := single[transactionPayload]{Data: transactionPayload{
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Type:           string(tx.Type),
		ExternalRef:    tx.ExternalRef,
		EventID:        tx.EventID,
		Status:         status,
		BalanceApplied: tx.BalanceApplied,
	}}
	var out single[transactionPayload]
	if _, err := c.do(ctx, http.MethodPost, "/api/credit-transactions", nil, body, &out); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) || errors.Is(err, errStale) {
			return models.CreditTransaction{}, storage.ErrAlreadyExists
		}
		return models.CreditTransaction{}, fmt.Errorf("create credit transaction: %w", err)
	}
	return out.Data.toModel(), nil
}

// MarkBalanceApplied flags the ledger entry once its balance increment landed.
func (c *Client) MarkBalanceApplied(ctx context.Context, id string) error {
	body := single[map[string]bool]{Data: map[string]bool{"balanceApplied": true}}
	if _, err := c.do(ctx, http.MethodPut, "/api/credit-transactions/"+url.PathEscape(id), nil, body, nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark credit transaction %s applied: %w", id, err)
	}
	return nil
}

// ListTransactions returns the user's most recent ledger entries first.
func (c *Client) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("filters[userId][$eq]", strconv.FormatInt(userID, 10))
	q.Set("sort", "createdAt:desc")
	q.Set("pagination[pageSize]", strconv.Itoa(limit))
	var out collection[transactionPayload]
	if _, err := c.do(ctx, http.MethodGet, "/api/credit-transactions?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	txs := make([]models.CreditTransaction, 0, len(out.Data))
	for _, p := range out.Data {
		txs = append(txs, p.toModel())
	}
	return txs, nil
}

func (c *Client) getUser(ctx context.Context, id int64) (models.User, string, error) {
	var payload userPayload
	header, err := c.do(ctx, http.MethodGet, "/api/users/"+strconv.FormatInt(id, 10), nil, nil, &payload)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, "", err
		}
		return models.User{}, "", fmt.Errorf("get user %d: %w", id, err)
	}
	return payload.toModel(), header.Get("ETag"), nil
}

// modifyUser reads the user, applies mutate and writes it back with If-Match.
// A stale write re-reads and reapplies mutate after a backoff, up to
// maxWriteAttempts times. mutate returning false skips the write. A user
// served without an ETag is never written.
func (c *Client) modifyUser(ctx context.Context, id int64, mutate func(*models.User) bool) (models.User, error) {
	path := "/api/users/" + strconv.FormatInt(id, 10)
	var (
		result  models.User
		attempt int
	)
	operation := func() error {
		attempt++
		user, etag, err := c.getUser(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !mutate(&user) {
			result = user
			return nil
		}
		if etag == "" {
			return backoff.Permanent(fmt.Errorf("update user %d: %w", id, errNoVersion))
		}
		headers := http.Header{}
		headers.Set("If-Match", etag)
		var saved userPayload
		if _, err := c.do(ctx, http.MethodPut, path, headers, updateFromModel(user), &saved); err != nil {
			switch {
			case errors.Is(err, errStale):
				return err
			case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrAlreadyExists):
				return backoff.Permanent(err)
			}
			return backoff.Permanent(fmt.Errorf("update user %d: %w", id, err))
		}
		result = saved.toModel()
		return nil
	}
	notify := func(_ error, wait time.Duration) {
		c.logger.Debug("user changed concurrently; retrying",
			zap.Int64("user_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.buildBackoff(), ctx), notify)
	if err != nil {
		if errors.Is(err, errStale) {
			return models.User{}, fmt.Errorf("update user %d after %d attempts: %w", id, attempt, storage.ErrConflict)
		}
		return models.User{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, classify(method, path, resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.Header, nil
}

func classify(method, path string, status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	switch {
	case status == http.StatusNotFound:
		return storage.ErrNotFound
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return errStale
	case status == http.StatusBadRequest && apiErr.Error.Name == "ValidationError" &&
		strings.Contains(strings.ToLower(apiErr.Error.Message), "unique"):
		return storage.ErrAlreadyExists
	}
	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, status, msg)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
