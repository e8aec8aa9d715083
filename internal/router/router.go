package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creatordeals/backend/internal/auth"
	"github.com/creatordeals/backend/internal/dashboard"
	"github.com/creatordeals/backend/internal/deals"
	"github.com/creatordeals/backend/internal/handlers"
	"github.com/creatordeals/backend/internal/middleware"
	"github.com/creatordeals/backend/internal/models"
)

// Handlers groups the HTTP handlers mounted under /api/v1.
type Handlers struct {
	Auth      *auth.Handler
	Dashboard *dashboard.Handler
	Deals     *deals.Handler
	Escrows   *handlers.EscrowHandler
}

// New returns an http.Handler that serves the API under /api/v1 plus the
// /healthz and /metrics endpoints.
func New(h Handlers, tokens middleware.TokenValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(tokens))

			r.Get("/account/me", h.Dashboard.GetMe)
			r.Post("/account/topup", h.Dashboard.TopUp)
			r.Get("/account/transactions", h.Dashboard.ListTransactions)

			r.Route("/deals", func(r chi.Router) {
				r.Post("/", h.Deals.CreateDeal)
				r.Get("/", h.Deals.ListDeals)
				r.Route("/{dealID}", func(r chi.Router) {
					r.Get("/", h.Deals.GetDeal)
					r.Post("/milestones", h.Escrows.PlanMilestone)
					r.Post("/invoices", h.Escrows.CreateInvoice)
					r.Get("/invoices", h.Escrows.ListInvoices)
					r.Get("/escrows", h.Escrows.ListEscrows)
					r.Get("/audit", h.Escrows.ListAudit)
				})
			})

			r.Post("/invoices/{invoiceID}/pay", h.Escrows.PayInvoice)

			r.Route("/escrows/{escrowID}", func(r chi.Router) {
				r.Get("/", h.Escrows.GetEscrow)
				r.Post("/proof", h.Escrows.SubmitProof)
				r.Post("/confirm", h.Escrows.ConfirmPublication)
				r.Post("/dispute", h.Escrows.LockDispute)
				r.Post("/payout", h.Escrows.ExecutePayout)
				r.Post("/release", h.Escrows.ReleaseEscrow)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleAdmin))
				r.Post("/escrows/{escrowID}/resolve", h.Escrows.ResolveDispute)
				r.Post("/escrows/{escrowID}/refund", h.Escrows.RefundEscrow)
				r.Get("/reconciliation", h.Escrows.Reconcile)
			})
		})
	})
	return r
}
