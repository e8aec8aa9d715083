package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/middleware"
	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/services"
	"github.com/creatordeals/backend/internal/validation"
)

// EscrowService is the deal financial lifecycle as the HTTP layer sees it.
// *services.EscrowService implements it.
type EscrowService interface {
	PlanMilestone(ctx context.Context, actor models.Actor, dealID uuid.UUID, label string, amount int64) (*models.EscrowRecord, error)
	CreateInvoice(ctx context.Context, actor models.Actor, in services.CreateInvoiceInput) (*services.InvoiceResult, error)
	ListInvoices(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]*models.Invoice, error)
	PayInvoice(ctx context.Context, actor models.Actor, invoiceID uuid.UUID) (*services.PaymentResult, error)
	SubmitProof(ctx context.Context, actor models.Actor, escrowID uuid.UUID, in services.SubmitProofInput) (*models.EscrowRecord, error)
	ConfirmPublication(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error)
	GetEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error)
	ListEscrows(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]services.EscrowView, error)
	ListAudit(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]models.AuditEntry, error)
	LockDispute(ctx context.Context, actor models.Actor, escrowID uuid.UUID, reason string) (*models.Dispute, error)
	ExecutePayout(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error)
	ReleaseEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error)
	ResolveDispute(ctx context.Context, actor models.Actor, escrowID uuid.UUID, outcome, note string) (*models.Dispute, error)
	RefundEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error)
}

// Reconciler reports ledger and escrow state that disagree.
type Reconciler interface {
	Reconcile(ctx context.Context) (*services.ReconcileReport, error)
}

// EscrowHandler serves the invoice, escrow, dispute and admin endpoints.
type EscrowHandler struct {
	Escrows    EscrowService
	Reconciler Reconciler
	Validator  *validation.Validator
	Logger     *slog.Logger
}

// --- deals/{dealID} ---

type planMilestoneRequest struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// PlanMilestone handles POST /deals/{dealID}/milestones.
func (h *EscrowHandler) PlanMilestone(w http.ResponseWriter, r *http.Request) {
	actor, dealID, ok := h.actorAndID(w, r, "dealID")
	if !ok {
		return
	}
	var req planMilestoneRequest
	if !h.decode(w, r, validation.PlanMilestone, &req) {
		return
	}
	rec, err := h.Escrows.PlanMilestone(r.Context(), actor, dealID, req.Label, req.Amount)
	h.respond(w, r, http.StatusCreated, rec, err)
}

type createInvoiceRequest struct {
	Amount      int64      `json:"amount"`
	Comment     string     `json:"comment"`
	DueDate     *time.Time `json:"due_date"`
	MilestoneID *uuid.UUID `json:"milestone_id"`
}

// CreateInvoice handles POST /deals/{dealID}/invoices.
func (h *EscrowHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	actor, dealID, ok := h.actorAndID(w, r, "dealID")
	if !ok {
		return
	}
	var req createInvoiceRequest
	if !h.decode(w, r, validation.CreateInvoice, &req) {
		return
	}
	res, err := h.Escrows.CreateInvoice(r.Context(), actor, services.CreateInvoiceInput{
		DealID:      dealID,
		Amount:      req.Amount,
		Comment:     req.Comment,
		DueDate:     req.DueDate,
		MilestoneID: req.MilestoneID,
	})
	h.respond(w, r, http.StatusCreated, res, err)
}

// ListInvoices handles GET /deals/{dealID}/invoices.
func (h *EscrowHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	actor, dealID, ok := h.actorAndID(w, r, "dealID")
	if !ok {
		return
	}
	list, err := h.Escrows.ListInvoices(r.Context(), actor, dealID)
	if list == nil && err == nil {
		list = []*models.Invoice{}
	}
	h.respond(w, r, http.StatusOK, list, err)
}

// ListEscrows handles GET /deals/{dealID}/escrows.
func (h *EscrowHandler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	actor, dealID, ok := h.actorAndID(w, r, "dealID")
	if !ok {
		return
	}
	list, err := h.Escrows.ListEscrows(r.Context(), actor, dealID)
	h.respond(w, r, http.StatusOK, list, err)
}

// ListAudit handles GET /deals/{dealID}/audit.
func (h *EscrowHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	actor, dealID, ok := h.actorAndID(w, r, "dealID")
	if !ok {
		return
	}
	list, err := h.Escrows.ListAudit(r.Context(), actor, dealID)
	h.respond(w, r, http.StatusOK, list, err)
}

// --- invoices/{invoiceID} ---

// PayInvoice handles POST /invoices/{invoiceID}/pay.
func (h *EscrowHandler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	actor, invoiceID, ok := h.actorAndID(w, r, "invoiceID")
	if !ok {
		return
	}
	res, err := h.Escrows.PayInvoice(r.Context(), actor, invoiceID)
	h.respond(w, r, http.StatusOK, res, err)
}

// --- escrows/{escrowID} ---

// GetEscrow handles GET /escrows/{escrowID}.
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	rec, err := h.Escrows.GetEscrow(r.Context(), actor, escrowID)
	h.respond(w, r, http.StatusOK, rec, err)
}

type submitProofRequest struct {
	PublicationURL        string `json:"publication_url"`
	PlacementDurationDays *int   `json:"placement_duration_days"`
}

// SubmitProof handles POST /escrows/{escrowID}/proof. A missing or null
// placement_duration_days makes the record payable immediately.
func (h *EscrowHandler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	var req submitProofRequest
	if !h.decode(w, r, validation.SubmitProof, &req) {
		return
	}
	in := services.SubmitProofInput{PublicationURL: req.PublicationURL}
	if req.PlacementDurationDays != nil {
		in.DurationDays = *req.PlacementDurationDays
	}
	rec, err := h.Escrows.SubmitProof(r.Context(), actor, escrowID, in)
	h.respond(w, r, http.StatusOK, rec, err)
}

// ConfirmPublication handles POST /escrows/{escrowID}/confirm.
func (h *EscrowHandler) ConfirmPublication(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	rec, err := h.Escrows.ConfirmPublication(r.Context(), actor, escrowID)
	h.respond(w, r, http.StatusOK, rec, err)
}

type lockDisputeRequest struct {
	Reason string `json:"reason"`
}

// LockDispute handles POST /escrows/{escrowID}/dispute.
func (h *EscrowHandler) LockDispute(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	var req lockDisputeRequest
	if !h.decode(w, r, validation.LockDispute, &req) {
		return
	}
	d, err := h.Escrows.LockDispute(r.Context(), actor, escrowID, req.Reason)
	h.respond(w, r, http.StatusCreated, d, err)
}

// ExecutePayout handles POST /escrows/{escrowID}/payout.
func (h *EscrowHandler) ExecutePayout(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	rec, err := h.Escrows.ExecutePayout(r.Context(), actor, escrowID)
	h.respond(w, r, http.StatusOK, rec, err)
}

// ReleaseEscrow handles POST /escrows/{escrowID}/release.
func (h *EscrowHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	rec, err := h.Escrows.ReleaseEscrow(r.Context(), actor, escrowID)
	h.respond(w, r, http.StatusOK, rec, err)
}

// --- admin ---

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// ResolveDispute handles POST /admin/escrows/{escrowID}/resolve.
func (h *EscrowHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !h.decode(w, r, validation.ResolveDispute, &req) {
		return
	}
	d, err := h.Escrows.ResolveDispute(r.Context(), actor, escrowID, req.Outcome, req.Note)
	h.respond(w, r, http.StatusOK, d, err)
}

// RefundEscrow handles POST /admin/escrows/{escrowID}/refund.
func (h *EscrowHandler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.actorAndID(w, r, "escrowID")
	if !ok {
		return
	}
	rec, err := h.Escrows.RefundEscrow(r.Context(), actor, escrowID)
	h.respond(w, r, http.StatusOK, rec, err)
}

// Reconcile handles GET /admin/reconciliation.
func (h *EscrowHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reconciler.Reconcile(r.Context())
	h.respond(w, r, http.StatusOK, rep, err)
}

// --- helpers ---

func (h *EscrowHandler) actorAndID(w http.ResponseWriter, r *http.Request, param string) (models.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return models.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return models.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *EscrowHandler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := h.Validator.Decode(schema, body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *EscrowHandler) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	code, body := errorResponse(err)
	if code == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, body)
}

type errorBody struct {
	Error        string `json:"error"`
	CurrentState string `json:"current_state,omitempty"`
	Required     *int64 `json:"required,omitempty"`
	Available    *int64 `json:"available,omitempty"`
}

// errorResponse maps domain errors to a status and a JSON body. Internal
// errors are not echoed to the client.
func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var stateErr *services.StateError
	if errors.As(err, &stateErr) {
		body.CurrentState = stateErr.Current.String()
	}
	var fundsErr *ledger.InsufficientFundsError
	if errors.As(err, &fundsErr) {
		body.Required = &fundsErr.Required
		body.Available = &fundsErr.Available
	}

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, body
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden, body
	case errors.Is(err, services.ErrInvoiceNotFound),
		errors.Is(err, services.ErrEscrowNotFound),
		errors.Is(err, services.ErrDealNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, services.ErrAlreadyPaid),
		errors.Is(err, services.ErrAlreadyPaidOut),
		errors.Is(err, services.ErrNotEligible),
		errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict, body
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
