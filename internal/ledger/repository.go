package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatordeals/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Reserve moves amount from available to reserved with a single conditional
// UPDATE, so two concurrent reservations cannot both pass the balance check.
func (r *Repository) Reserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := models.Balance{UserID: userID}
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET available = available - $1, reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2 AND available >= $1
		RETURNING available, reserved, updated_at
	`, amount, userID).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var available int64
		err = tx.QueryRow(ctx, `SELECT available FROM balances WHERE user_id = $1`, userID).Scan(&available)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, &InsufficientFundsError{Required: amount, Available: available}
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Release decrements reserved by min(reserved, amount).
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := models.Balance{UserID: userID}
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET reserved = GREATEST(reserved - $1, 0), updated_at = now()
		WHERE user_id = $2
		RETURNING available, reserved, updated_at
	`, amount, userID).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Credit increments available, creating the balance row if absent.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := models.Balance{UserID: userID}
	err := tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, available, reserved)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO UPDATE
		SET available = balances.available + EXCLUDED.available, updated_at = now()
		RETURNING available, reserved, updated_at
	`, userID, amount).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ReturnReserved moves amount from reserved back to available. It fails with
// ErrReservedShortfall rather than minting money when reserved is too low.
func (r *Repository) ReturnReserved(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := models.Balance{UserID: userID}
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET reserved = reserved - $1, available = available + $1, updated_at = now()
		WHERE user_id = $2 AND reserved >= $1
		RETURNING available, reserved, updated_at
	`, amount, userID).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservedShortfall
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, status, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.Status, t.Description, t.ReferenceID).Scan(&t.CreatedAt)
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	b := models.Balance{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT available, reserved, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, status, description, reference_id, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
