package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatordeals/backend/internal/metrics"
	"github.com/creatordeals/backend/internal/repository"
)

// ReconcileStore runs the consistency queries.
type ReconcileStore interface {
	PaidInvoicesWithoutEscrow(ctx context.Context) ([]repository.OrphanInvoice, error)
	ReservedMismatches(ctx context.Context) ([]repository.ReservedMismatch, error)
}

// ReconcileReport lists state that a partially applied operation would leave
// behind. An empty report means ledger and escrow records agree.
type ReconcileReport struct {
	CheckedAt          time.Time                     `json:"checked_at"`
	OrphanInvoices     []repository.OrphanInvoice    `json:"orphan_invoices"`
	ReservedMismatches []repository.ReservedMismatch `json:"reserved_mismatches"`
}

func (r *ReconcileReport) Consistent() bool {
	return len(r.OrphanInvoices) == 0 && len(r.ReservedMismatches) == 0
}

type Reconciler struct {
	store  ReconcileStore
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewReconciler(store ReconcileStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	orphans, err := r.store.PaidInvoicesWithoutEscrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("paid invoices without escrow: %w", err)
	}
	mismatches, err := r.store.ReservedMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserved balance mismatches: %w", err)
	}
	rep := &ReconcileReport{
		CheckedAt:          r.nowFn(),
		OrphanInvoices:     orphans,
		ReservedMismatches: mismatches,
	}
	metrics.ReconcileDiscrepancies.WithLabelValues("orphan_invoices").Set(float64(len(orphans)))
	metrics.ReconcileDiscrepancies.WithLabelValues("reserved_mismatches").Set(float64(len(mismatches)))
	if !rep.Consistent() {
		r.logger.Warn("reconciliation found discrepancies",
			"orphan_invoices", len(orphans),
			"reserved_mismatches", len(mismatches),
		)
	}
	return rep, nil
}
