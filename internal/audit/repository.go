package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatordeals/backend/internal/models"
)

// Repository is the append-only audit trail. Entries are never updated or
// used to recompute state.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append stores e. Re-appending an entry with the same id is a no-op, so a
// retried job does not duplicate the trail.
func (r *Repository) Append(ctx context.Context, e models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (id, deal_id, user_id, action, category, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.DealID, e.UserID, e.Action, e.Category, meta)
	return err
}

// ListByDeal returns the trail of a deal oldest first.
func (r *Repository) ListByDeal(ctx context.Context, dealID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, user_id, action, category, metadata, created_at
		FROM audit_log WHERE deal_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, dealID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.UserID, &e.Action, &e.Category, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
