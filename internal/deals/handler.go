package deals

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creatordeals/backend/internal/middleware"
	"github.com/creatordeals/backend/internal/validation"
)

type CreateDealRequest struct {
	CreatorID string `json:"creator_id"`
	Title     string `json:"title"`
}

type Handler struct {
	svc       *Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// POST /api/v1/deals
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
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
	var req CreateDealRequest
	if err := h.validator.Decode(validation.CreateDeal, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	creatorID, err := uuid.Parse(req.CreatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid creator_id")
		return
	}
	d, err := h.svc.Create(r.Context(), actor, creatorID, req.Title)
	if err != nil {
		h.fail(w, "create deal", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GET /api/v1/deals
func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.List(r.Context(), actor)
	if err != nil {
		h.fail(w, "list deals", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/v1/deals/{dealID}
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	d, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get deal", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
