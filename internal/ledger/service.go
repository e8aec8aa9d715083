package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatordeals/backend/internal/models"
)

// Service is the Balance Ledger. It is the only component that mutates money;
// every method except TopUp runs inside the caller's transaction.
type Service interface {
	Reserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Release(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Refund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID, description string) (*models.Balance, error)
	Record(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount int64, referenceID *uuid.UUID, description string) (*models.Transaction, error)
	TopUp(ctx context.Context, userID uuid.UUID, amount int64) (*models.Balance, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// Store is the persistence the ledger needs; *Repository implements it.
type Store interface {
	Reserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Release(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	ReturnReserved(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type service struct {
	store Store
	txr   TxRunner
}

func NewService(store Store, txr TxRunner) Service {
	return &service{store: store, txr: txr}
}

var _ Service = (*service)(nil)

func (s *service) Reserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Reserve(ctx, tx, userID, amount)
}

func (s *service) Release(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Release(ctx, tx, userID, amount)
}

func (s *service) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Credit(ctx, tx, userID, amount)
}

// Refund returns reserved funds to the user's available balance and records a
// refund transaction in the same unit of work.
func (s *service) Refund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID, description string) (*models.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	b, err := s.store.ReturnReserved(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.Record(ctx, tx, userID, models.TransactionRefund, amount, &referenceID, description); err != nil {
		return nil, err
	}
	return b, nil
}

// Record appends a completed transaction to the log.
func (s *service) Record(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount int64, referenceID *uuid.UUID, description string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Status:      models.TransactionCompleted,
		Description: description,
		ReferenceID: referenceID,
	}
	if err := s.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", txType, err)
	}
	return t, nil
}

// TopUp credits available funds and appends a topup transaction atomically.
func (s *service) TopUp(ctx context.Context, userID uuid.UUID, amount int64) (*models.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *models.Balance
	err := s.txr.InTx(ctx, func(tx pgx.Tx) error {
		b, err := s.store.Credit(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		if _, err := s.Record(ctx, tx, userID, models.TransactionTopUp, amount, nil, "Balance top-up"); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, userID, limit)
}
