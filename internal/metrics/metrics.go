// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvoicesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_invoices_created_total",
			Help: "Invoices issued by creators",
		},
	)

	InvoicesPaid = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_invoices_paid_total",
			Help: "Invoices paid by advertisers (funds reserved)",
		},
	)

	FundsReserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_funds_reserved_minor_total",
			Help: "Minor units moved from available to reserved",
		},
	)

	Payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deals_payouts_total",
			Help: "Payout attempts by outcome",
		},
		[]string{"outcome"},
	)

	PayoutVolume = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_payout_minor_total",
			Help: "Minor units credited to creators",
		},
	)

	FeesCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_platform_fee_minor_total",
			Help: "Minor units withheld as platform fee",
		},
	)

	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deals_escrow_transitions_total",
			Help: "Escrow state transitions by target state",
		},
		[]string{"to"},
	)

	DisputesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_disputes_opened_total",
			Help: "Escrow records locked by a dispute",
		},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deals_side_effect_failures_total",
			Help: "Audit, notify or cache side effects that failed after commit",
		},
		[]string{"kind"},
	)

	ReconcileDiscrepancies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deals_reconcile_discrepancies",
			Help: "Discrepancies found by the last reconciliation run",
		},
		[]string{"check"},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deals_tx_retries_total",
			Help: "Database transactions retried after serialization failure or deadlock",
		},
	)
)

// Payout outcome labels.
const (
	OutcomePaid        = "paid"
	OutcomeNotEligible = "not_eligible"
	OutcomeDuplicate   = "duplicate"
)
