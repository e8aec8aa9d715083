package database

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/creatordeals/backend/internal/metrics"
)

// SQLSTATE codes that mean "run the whole transaction again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Beginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RetryConfig bounds how often a conflicting transaction is replayed.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// TxRunner executes a unit of work in a single transaction and replays it when
// PostgreSQL aborts it for a serialization failure or deadlock.
type TxRunner struct {
	db     Beginner
	policy retrypolicy.RetryPolicy[any]
}

func NewTxRunner(db Beginner, cfg RetryConfig) *TxRunner {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 20 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return IsRetryable(err)
		}).
		OnRetry(func(failsafe.ExecutionEvent[any]) {
			metrics.TxRetries.Inc()
		}).
		Build()
	return &TxRunner{db: db, policy: policy}
}

// InTx begins a transaction, runs fn and commits. fn's error rolls everything
// back and is returned unchanged.
func (r *TxRunner) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var last error
	_, err := failsafe.With(r.policy).WithContext(ctx).Get(func() (any, error) {
		last = r.attempt(ctx, fn)
		return nil, last
	})
	if err != nil && last != nil {
		return last
	}
	return err
}

func (r *TxRunner) attempt(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsRetryable reports whether err is a transient conflict between concurrent
// transactions.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
