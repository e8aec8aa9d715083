package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatordeals/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, deal_id, invoice_id, milestone_id, label, amount, state, reserved_at, active_started_at,
	active_ends_at, publication_url, platform_fee, payout_amount, paid_out_at, released_at, released_by, created_at, updated_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.ID, &e.DealID, &e.InvoiceID, &e.MilestoneID, &e.Label, &e.Amount, &e.State, &e.ReservedAt,
		&e.ActiveStartedAt, &e.ActiveEndsAt, &e.PublicationURL, &e.PlatformFee, &e.PayoutAmount, &e.PaidOutAt,
		&e.ReleasedAt, &e.ReleasedBy, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord) error {
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_records (id, deal_id, invoice_id, milestone_id, label, amount, state, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, e.ID, e.DealID, e.InvoiceID, e.MilestoneID, e.Label, e.Amount, e.State, e.ReservedAt).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE id = $1`, id))
}

// GetByIDForUpdate locks the escrow row so the caller's precondition check and
// its write see the same state.
func (r *EscrowRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE id = $1 FOR UPDATE`, id))
}

func (r *EscrowRepo) GetByMilestoneForUpdate(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE milestone_id = $1 FOR UPDATE`, milestoneID))
}

// UpdateTx persists e only if the stored state still equals from.
func (r *EscrowRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord, from models.EscrowState) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_records SET
			invoice_id = $3, label = $4, amount = $5, state = $6, reserved_at = $7, active_started_at = $8,
			active_ends_at = $9, publication_url = $10, platform_fee = $11, payout_amount = $12,
			paid_out_at = $13, released_at = $14, released_by = $15, updated_at = now()
		WHERE id = $1 AND state = $2
	`, e.ID, from, e.InvoiceID, e.Label, e.Amount, e.State, e.ReservedAt, e.ActiveStartedAt, e.ActiveEndsAt,
		e.PublicationURL, e.PlatformFee, e.PayoutAmount, e.PaidOutAt, e.ReleasedAt, e.ReleasedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *EscrowRepo) ListByDeal(ctx context.Context, dealID uuid.UUID) ([]*models.EscrowRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE deal_id = $1 ORDER BY created_at`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EscrowRecord
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// CountOpenTx counts records of the deal that have not reached a terminal state.
func (r *EscrowRepo) CountOpenTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM escrow_records WHERE deal_id = $1 AND state NOT IN ('PAID_OUT', 'REFUNDED')
	`, dealID).Scan(&n)
	return n, err
}
