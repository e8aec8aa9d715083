package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatordeals/backend/internal/database"
	"github.com/creatordeals/backend/internal/models"
)

type InvoiceRepo struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepo(pool *pgxpool.Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

const invoiceColumns = `id, deal_id, milestone_id, invoice_number, amount, comment, due_date, status, created_by, paid_by, paid_at, created_at`

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	err := row.Scan(&inv.ID, &inv.DealID, &inv.MilestoneID, &inv.InvoiceNumber, &inv.Amount, &inv.Comment,
		&inv.DueDate, &inv.Status, &inv.CreatedBy, &inv.PaidBy, &inv.PaidAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateTx inserts a pending invoice inside a savepoint, so a colliding
// invoice number yields ErrDuplicate and leaves tx usable for another attempt.
func (r *InvoiceRepo) CreateTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)
	err = sp.QueryRow(ctx, `
		INSERT INTO invoices (id, deal_id, milestone_id, invoice_number, amount, comment, due_date, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, inv.ID, inv.DealID, inv.MilestoneID, inv.InvoiceNumber, inv.Amount, inv.Comment, inv.DueDate, inv.Status, inv.CreatedBy).Scan(&inv.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	return sp.Commit(ctx)
}

func (r *InvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

// GetByIDForUpdate locks the invoice row. Call within a transaction.
func (r *InvoiceRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
}

// MarkPaidTx flips a pending invoice to paid. It returns ErrStale if the
// invoice was no longer pending.
func (r *InvoiceRepo) MarkPaidTx(ctx context.Context, tx pgx.Tx, id, paidBy uuid.UUID, paidAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE invoices SET status = 'paid', paid_by = $2, paid_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, paidBy, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// CountPendingTx returns how many invoices of the deal are still unpaid.
func (r *InvoiceRepo) CountPendingTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM invoices WHERE deal_id = $1 AND status = 'pending'`, dealID).Scan(&n)
	return n, err
}

func (r *InvoiceRepo) ListByDeal(ctx context.Context, dealID uuid.UUID) ([]*models.Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE deal_id = $1 ORDER BY created_at DESC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, inv)
	}
	return list, rows.Err()
}
