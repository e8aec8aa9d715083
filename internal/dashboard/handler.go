package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/middleware"
	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/validation"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// AccountReader loads the caller's profile.
type AccountReader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// BalanceReader serves balances for display; the Redis projection or the
// ledger itself.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// BalanceInvalidator drops a cached balance after a top-up.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...uuid.UUID) error
}

type Handler struct {
	accounts  AccountReader
	balances  BalanceReader
	ledger    ledger.Service
	cache     BalanceInvalidator
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(accounts AccountReader, balances BalanceReader, ledgerSvc ledger.Service, cache BalanceInvalidator, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		accounts:  accounts,
		balances:  balances,
		ledger:    ledgerSvc,
		cache:     cache,
		validator: validator,
		log:       log,
	}
}

type meResponse struct {
	*models.Account
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	acc, err := h.accounts.GetAccount(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("get account failed", "user_id", actor.ID, "error", err)
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	bal, err := h.balances.GetBalance(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", actor.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Account: acc, Available: bal.Available, Reserved: bal.Reserved})
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

// POST /api/v1/account/topup
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req topUpRequest
	if err := h.validator.Decode(validation.TopUp, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.ledger.TopUp(r.Context(), actor.ID, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("top-up failed", "user_id", actor.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "top-up failed")
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), actor.ID); err != nil {
			h.log.Warn("balance cache invalidation failed", "user_id", actor.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, bal)
}

// GET /api/v1/account/transactions?limit=N
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTransactionLimit)
	}
	list, err := h.ledger.ListTransactions(r.Context(), actor.ID, limit)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", actor.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
