package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps users and credit transactions in maps. It backs local runs and tests.
type Store struct {
	mu           sync.RWMutex
	users        map[int64]models.User
	customerIdx  map[string]int64
	transactions map[string]models.CreditTransaction
	order        []string
	failures     map[string]error
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:        map[int64]models.User{},
		customerIdx:  map[string]int64{},
		transactions: map[string]models.CreditTransaction{},
		failures:     map[string]error{},
		now:          time.Now,
	}
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.SubscriptionStatus == "" {
		user.SubscriptionStatus = models.SubscriptionNone
	}
	s.users[user.ID] = user
	if user.StripeCustomerID != "" {
		s.customerIdx[user.StripeCustomerID] = user.ID
	}
}

// FailNext makes the next call of op return err. op is the method name, e.g. "AddCredits".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// TransactionCount returns how many ledger entries exist for (externalRef, kind).
func (s *Store) TransactionCount(externalRef string, kind models.TransactionType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.transactions[txKey(externalRef, kind)]; ok {
		return 1
	}
	return 0
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) takeFailure(op string) error {
	err, ok := s.failures[op]
	if ok {
		delete(s.failures, op)
	}
	return err
}

func (s *Store) FindUserByID(_ context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("FindUserByID"); err != nil {
		return models.User{}, err
	}
	user, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) FindUserByCustomerID(_ context.Context, customerID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("FindUserByCustomerID"); err != nil {
		return models.User{}, err
	}
	id, ok := s.customerIdx[customerID]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) LinkCustomer(_ context.Context, userID int64, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("LinkCustomer"); err != nil {
		return err
	}
	user, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if owner, taken := s.customerIdx[customerID]; taken && owner != userID {
		return storage.ErrAlreadyExists
	}
	user.StripeCustomerID = customerID
	s.users[userID] = user
	s.customerIdx[customerID] = userID
	return nil
}

func (s *Store) AddCredits(_ context.Context, userID int64, kind models.TransactionType, delta int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("AddCredits"); err != nil {
		return models.User{}, err
	}
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	switch kind {
	case models.TransactionPurchase:
		user.Credits += delta
	case models.TransactionSubscription:
		user.SubCredits += delta
	}
	s.users[userID] = user
	return user, nil
}

func (s *Store) UpdateSubscription(_ context.Context, userID int64, update models.SubscriptionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UpdateSubscription"); err != nil {
		return false, err
	}
	user, ok := s.users[userID]
	if !ok {
		return false, storage.ErrNotFound
	}
	applied, changed := user.Apply(update)
	if changed {
		s.users[userID] = user
	}
	return applied, nil
}

func (s *Store) FindTransaction(_ context.Context, externalRef string, kind models.TransactionType) (models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("FindTransaction"); err != nil {
		return models.CreditTransaction{}, err
	}
	tx, ok := s.transactions[txKey(externalRef, kind)]
	if !ok {
		return models.CreditTransaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx models.CreditTransaction) (models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateTransaction"); err != nil {
		return models.CreditTransaction{}, err
	}
	key := txKey(tx.ExternalRef, tx.Type)
	if _, exists := s.transactions[key]; exists {
		return models.CreditTransaction{}, storage.ErrAlreadyExists
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	s.transactions[key] = tx
	s.order = append(s.order, key)
	return tx, nil
}

func (s *Store) MarkBalanceApplied(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("MarkBalanceApplied"); err != nil {
		return err
	}
	for key, tx := range s.transactions {
		if tx.ID == id {
			tx.BalanceApplied = true
			s.transactions[key] = tx
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) ListTransactions(_ context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CreditTransaction
	for _, key := range s.order {
		if tx := s.transactions[key]; tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func txKey(externalRef string, kind models.TransactionType) string {
	return string(kind) + ":" + externalRef
}
