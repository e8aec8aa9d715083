package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatordeals/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

func (r *DisputeRepo) CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return tx.QueryRow(ctx, `
		INSERT INTO disputes (id, deal_id, escrow_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, d.ID, d.DealID, d.EscrowID, d.RaisedBy, d.Reason, d.Status).Scan(&d.CreatedAt)
}

// ResolveOpenTx closes the open dispute on the escrow record.
func (r *DisputeRepo) ResolveOpenTx(ctx context.Context, tx pgx.Tx, escrowID, resolvedBy uuid.UUID, resolution string, at time.Time) (*models.Dispute, error) {
	var d models.Dispute
	err := tx.QueryRow(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = $4
		WHERE escrow_id = $1 AND status = 'open'
		RETURNING id, deal_id, escrow_id, raised_by, reason, status, resolution, resolved_by, resolved_at, created_at
	`, escrowID, resolution, resolvedBy, at).Scan(&d.ID, &d.DealID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.Status,
		&d.Resolution, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DisputeRepo) ListByDeal(ctx context.Context, dealID uuid.UUID) ([]*models.Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, escrow_id, raised_by, reason, status, resolution, resolved_by, resolved_at, created_at
		FROM disputes WHERE deal_id = $1 ORDER BY created_at
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Dispute
	for rows.Next() {
		var d models.Dispute
		if err := rows.Scan(&d.ID, &d.DealID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.Status,
			&d.Resolution, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &d)
	}
	return list, rows.Err()
}
