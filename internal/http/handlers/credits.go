package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/auth"
	"github.com/hongminglow/sampledeck-billing/internal/http/respond"
	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/models/dto"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

const (
	defaultTransactionLimit = 20
	maxTransactionLimit     = 100
)

// CreditsHandler serves read-only balance endpoints for the token's user.
type CreditsHandler struct {
	users  storage.UserStore
	txs    storage.TransactionStore
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewCreditsHandler constructs the handler.
func NewCreditsHandler(users storage.UserStore, txs storage.TransactionStore, tokens *auth.TokenManager, logger *zap.Logger) *CreditsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditsHandler{users: users, txs: txs, tokens: tokens, logger: logger.Named("credits")}
}

// Register attaches credit routes to the mux.
func (h *CreditsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/credits", h.handleBalance)
	mux.HandleFunc("/credits/transactions", h.handleTransactions)
}

func (h *CreditsHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, "ok", dto.BalanceResponse{
		UserID:             user.ID,
		Credits:            user.Credits,
		SubCredits:         user.SubCredits,
		SubscriptionStatus: user.SubscriptionStatus,
		SubscriptionExpiry: user.SubscriptionExpiry,
	})
}

func (h *CreditsHandler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respond.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTransactionLimit)
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	txs, err := h.txs.ListTransactions(r.Context(), user.ID, limit)
	if err != nil {
		h.logger.Error("list transactions", zap.Int64("user_id", user.ID), zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	respond.JSON(w, http.StatusOK, "ok", dto.TransactionsResponse{Transactions: txs})
}

// currentUser authenticates the bearer token and loads its user, writing the
// error response itself when it returns false.
func (h *CreditsHandler) currentUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		respond.Error(w, http.StatusUnauthorized, "missing bearer token")
		return models.User{}, false
	}
	userID, err := h.tokens.Parse(token)
	if err != nil {
		respond.Error(w, http.StatusUnauthorized, "invalid token")
		return models.User{}, false
	}
	user, err := h.users.FindUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, "user not found")
			return models.User{}, false
		}
		h.logger.Error("load user", zap.Int64("user_id", userID), zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "failed to load user")
		return models.User{}, false
	}
	return user, true
}
