package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrphanInvoice is a paid invoice with no escrow record referencing it.
type OrphanInvoice struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	DealID        uuid.UUID `json:"deal_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Amount        int64     `json:"amount"`
}

// ReservedMismatch is a user whose reserved balance differs from the funds held
// by their open escrow records.
type ReservedMismatch struct {
	UserID   uuid.UUID `json:"user_id"`
	Reserved int64     `json:"reserved"`
	Held     int64     `json:"held"`
}

type ReconcileRepo struct {
	pool *pgxpool.Pool
}

func NewReconcileRepo(pool *pgxpool.Pool) *ReconcileRepo {
	return &ReconcileRepo{pool: pool}
}

func (r *ReconcileRepo) PaidInvoicesWithoutEscrow(ctx context.Context) ([]OrphanInvoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.deal_id, i.invoice_number, i.amount
		FROM invoices i
		LEFT JOIN escrow_records e ON e.invoice_id = i.id
		WHERE i.status = 'paid' AND e.id IS NULL
		ORDER BY i.paid_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrphanInvoice
	for rows.Next() {
		var o OrphanInvoice
		if err := rows.Scan(&o.InvoiceID, &o.DealID, &o.InvoiceNumber, &o.Amount); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReservedMismatches compares balances.reserved with the amounts of escrow
// records that still hold funds and have not been administratively released.
func (r *ReconcileRepo) ReservedMismatches(ctx context.Context) ([]ReservedMismatch, error) {
	rows, err := r.pool.Query(ctx, `
		WITH held AS (
			SELECT d.advertiser_id AS user_id, SUM(e.amount) AS held
			FROM escrow_records e
			JOIN deals d ON d.id = e.deal_id
			WHERE e.state IN ('FUNDS_RESERVED', 'ACTIVE_PERIOD', 'PAYOUT_READY', 'DISPUTE_LOCKED')
			  AND e.released_at IS NULL
			GROUP BY d.advertiser_id
		)
		SELECT COALESCE(b.user_id, h.user_id), COALESCE(b.reserved, 0), COALESCE(h.held, 0)
		FROM balances b
		FULL OUTER JOIN held h ON h.user_id = b.user_id
		WHERE COALESCE(b.reserved, 0) <> COALESCE(h.held, 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReservedMismatch
	for rows.Next() {
		var m ReservedMismatch
		if err := rows.Scan(&m.UserID, &m.Reserved, &m.Held); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
