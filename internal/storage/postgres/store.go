package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ensure Store satisfies the storage interfaces at compile time.
var (
	_ storage.Store         = (*Store)(nil)
	_ storage.AtomicGranter = (*Store)(nil)
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store provides Postgres-backed persistence for users and the credit ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store and runs migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS stripe_customer_id TEXT;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS credits BIGINT NOT NULL DEFAULT 0;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS sub_credits BIGINT NOT NULL DEFAULT 0;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS subscription_status TEXT NOT NULL DEFAULT 'none';`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS provider_status TEXT;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS subscription_id TEXT;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS subscription_expiry TIMESTAMPTZ;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS first_subscribed_at TIMESTAMPTZ;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS subscription_synced_at TIMESTAMPTZ;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_stripe_customer_unique_idx ON users (stripe_customer_id) WHERE stripe_customer_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id BIGINT NOT NULL REFERENCES users(id),
			amount BIGINT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('purchase', 'subscription')),
			external_ref TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'completed',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`ALTER TABLE credit_transactions ADD COLUMN IF NOT EXISTS balance_applied BOOLEAN NOT NULL DEFAULT FALSE;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_ref_type_idx ON credit_transactions (external_ref, type);`,
		`CREATE INDEX IF NOT EXISTS credit_transactions_user_idx ON credit_transactions (user_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

const userColumns = `id, username, email, COALESCE(stripe_customer_id, ''), credits, sub_credits,
	subscription_status, COALESCE(provider_status, ''), COALESCE(subscription_id, ''),
	subscription_expiry, first_subscribed_at, subscription_synced_at, created_at`

// FindUserByID fetches a user by primary key.
func (s *Store) FindUserByID(ctx context.Context, id int64) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1;`, id)
	return scanUser(row)
}

// FindUserByCustomerID fetches the user linked to a Stripe customer.
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1;`, customerID)
	return scanUser(row)
}

// LinkCustomer stores the Stripe customer id on the user.
func (s *Store) LinkCustomer(ctx context.Context, userID int64, customerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET stripe_customer_id = $2 WHERE id = $1;`, userID, customerID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("link customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddCredits increments one of the balances in a single statement.
func (s *Store) AddCredits(ctx context.Context, userID int64, kind models.TransactionType, delta int64) (models.User, error) {
	query, err := addCreditsQuery(kind)
	if err != nil {
		return models.User{}, fmt.Errorf("add credits: %w", err)
	}
	return scanUser(s.pool.QueryRow(ctx, query, userID, delta))
}

func addCreditsQuery(kind models.TransactionType) (string, error) {
	switch kind {
	case models.TransactionPurchase:
		return `UPDATE users SET credits = credits + $2 WHERE id = $1 RETURNING ` + userColumns + `;`, nil
	case models.TransactionSubscription:
		return `UPDATE users SET sub_credits = sub_credits + $2 WHERE id = $1 RETURNING ` + userColumns + `;`, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", kind)
}

// UpdateSubscription applies the provider state unless a newer one was already
// stored. first_subscribed_at is stamped either way when MarkFirst is set.
func (s *Store) UpdateSubscription(ctx context.Context, userID int64, update models.SubscriptionUpdate) (bool, error) {
	const query = `
	WITH target AS (
		SELECT id, (subscription_synced_at IS NULL OR subscription_synced_at <= $7::timestamptz) AS fresh
		FROM users WHERE id = $1
		FOR UPDATE
	)
	UPDATE users u SET
		subscription_status = CASE WHEN t.fresh THEN COALESCE(NULLIF($2::text, ''), u.subscription_status) ELSE u.subscription_status END,
		provider_status = CASE WHEN t.fresh THEN COALESCE(NULLIF($3::text, ''), u.provider_status) ELSE u.provider_status END,
		subscription_id = CASE WHEN t.fresh THEN COALESCE(NULLIF($4::text, ''), u.subscription_id) ELSE u.subscription_id END,
		subscription_expiry = CASE WHEN t.fresh THEN COALESCE($5::timestamptz, u.subscription_expiry) ELSE u.subscription_expiry END,
		first_subscribed_at = CASE WHEN $6::boolean THEN COALESCE(u.first_subscribed_at, $7::timestamptz) ELSE u.first_subscribed_at END,
		subscription_synced_at = CASE WHEN t.fresh THEN $7::timestamptz ELSE u.subscription_synced_at END
	FROM target t
	WHERE u.id = t.id
	RETURNING t.fresh;
	`
	var applied bool
	err := s.pool.QueryRow(ctx, query, userID, string(update.Status), update.ProviderStatus,
		update.SubscriptionID, update.Expiry, update.MarkFirst, update.AsOf).Scan(&applied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		return false, fmt.Errorf("update subscription: %w", err)
	}
	return applied, nil
}

const txColumns = `id::text, user_id, amount, type, external_ref, event_id, status, balance_applied, created_at`

// FindTransaction looks up the ledger entry for (externalRef, kind).
func (s *Store) FindTransaction(ctx context.Context, externalRef string, kind models.TransactionType) (models.CreditTransaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE external_ref = $1 AND type = $2;`, externalRef, string(kind))
	return scanTransaction(row)
}

const insertTransaction = `
	INSERT INTO credit_transactions (user_id, amount, type, external_ref, event_id, status, balance_applied, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, NOW()))
	ON CONFLICT (external_ref, type) DO NOTHING
	RETURNING ` + txColumns + `;
	`

// CreateTransaction appends a ledger entry; the unique index turns duplicates into ErrAlreadyExists.
func (s *Store) CreateTransaction(ctx context.Context, tx models.CreditTransaction) (models.CreditTransaction, error) {
	return insertTx(ctx, s.pool, tx)
}

// GrantCredits writes the ledger entry and increments the balance in one
// database transaction, so neither can land without the other.
func (s *Store) GrantCredits(ctx context.Context, tx models.CreditTransaction) (models.User, models.CreditTransaction, error) {
	query, err := addCreditsQuery(tx.Type)
	if err != nil {
		return models.User{}, models.CreditTransaction{}, fmt.Errorf("grant credits: %w", err)
	}

	var (
		user    models.User
		created models.CreditTransaction
	)
	err = pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		tx.BalanceApplied = true
		var err error
		if created, err = insertTx(ctx, dbtx, tx); err != nil {
			return err
		}
		user, err = scanUser(dbtx.QueryRow(ctx, query, tx.UserID, tx.Amount))
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) || errors.Is(err, storage.ErrNotFound) {
			return models.User{}, models.CreditTransaction{}, err
		}
		return models.User{}, models.CreditTransaction{}, fmt.Errorf("grant credits: %w", err)
	}
	return user, created, nil
}

// MarkBalanceApplied flags the entry once its balance increment landed.
func (s *Store) MarkBalanceApplied(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE credit_transactions SET balance_applied = TRUE WHERE id = $1::uuid;`, id)
	if err != nil {
		return fmt.Errorf("mark balance applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTx(ctx context.Context, q querier, tx models.CreditTransaction) (models.CreditTransaction, error) {
	status := tx.Status
	if status == "" {
		status = models.TransactionCompleted
	}
	var createdAt *time.Time
	if !tx.CreatedAt.IsZero() {
		createdAt = &tx.CreatedAt
	}
	row := q.QueryRow(ctx, insertTransaction, tx.UserID, tx.Amount, string(tx.Type), tx.ExternalRef, tx.EventID, status, tx.BalanceApplied, createdAt)
	created, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// ON CONFLICT DO NOTHING returns no row.
			return models.CreditTransaction{}, storage.ErrAlreadyExists
		case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
			return models.CreditTransaction{}, storage.ErrAlreadyExists
		case errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation:
			return models.CreditTransaction{}, storage.ErrNotFound
		}
		return models.CreditTransaction{}, fmt.Errorf("insert credit transaction: %w", err)
	}
	return created, nil
}

// ListTransactions returns the user's most recent ledger entries first.
func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	out := []models.CreditTransaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var status string
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.StripeCustomerID, &user.Credits, &user.SubCredits,
		&status, &user.ProviderStatus, &user.SubscriptionID,
		&user.SubscriptionExpiry, &user.FirstSubscribedAt, &user.SubscriptionSyncedAt, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		return models.User{}, err
	}
	user.SubscriptionStatus = models.SubscriptionStatus(status)
	return user, nil
}

func scanTransaction(row pgx.Row) (models.CreditTransaction, error) {
	var tx models.CreditTransaction
	var kind string
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.Amount, &kind, &tx.ExternalRef, &tx.EventID, &tx.Status, &tx.BalanceApplied, &tx.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CreditTransaction{}, storage.ErrNotFound
		}
		return models.CreditTransaction{}, err
	}
	tx.Type = models.TransactionType(kind)
	return tx, nil
}
