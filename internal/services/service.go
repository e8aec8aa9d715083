package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/metrics"
	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/repository"
)

// InvoiceStore is the invoice persistence used by EscrowService.
type InvoiceStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Invoice, error)
	MarkPaidTx(ctx context.Context, tx pgx.Tx, id, paidBy uuid.UUID, paidAt time.Time) error
	CountPendingTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (int, error)
	ListByDeal(ctx context.Context, dealID uuid.UUID) ([]*models.Invoice, error)
}

// EscrowStore is the escrow record persistence used by EscrowService.
type EscrowStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error)
	GetByMilestoneForUpdate(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.EscrowRecord, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord, from models.EscrowState) error
	CountOpenTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (int, error)
	ListByDeal(ctx context.Context, dealID uuid.UUID) ([]*models.EscrowRecord, error)
}

// DealStore is the slice of deal persistence the financial lifecycle mutates.
type DealStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	SetPublicationURLTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, url string) error
}

// DisputeStore persists disputes.
type DisputeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	ResolveOpenTx(ctx context.Context, tx pgx.Tx, escrowID, resolvedBy uuid.UUID, resolution string, at time.Time) (*models.Dispute, error)
}

// SideEffects receives audit entries and counterparty notifications once the
// transaction that produced them has committed. Errors are logged, never
// returned to the caller.
type SideEffects interface {
	Audit(ctx context.Context, e models.AuditEntry) error
	Notify(ctx context.Context, n models.Notification) error
}

// BalanceInvalidator drops cached balance projections after money moved.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...uuid.UUID) error
}

// AuditReader reads the trail written by the audit side effect.
type AuditReader interface {
	ListByDeal(ctx context.Context, dealID uuid.UUID, limit int) ([]models.AuditEntry, error)
}

// Deps groups the collaborators of EscrowService. Balances and AuditTrail may
// be nil.
type Deps struct {
	Ledger     ledger.Service
	Tx         ledger.TxRunner
	Invoices   InvoiceStore
	Escrows    EscrowStore
	Deals      DealStore
	Disputes   DisputeStore
	Effects    SideEffects
	Balances   BalanceInvalidator
	AuditTrail AuditReader
}

// EscrowService drives the deal financial lifecycle: invoices, escrow records,
// payouts and disputes. Every mutating method runs in one database transaction
// and dispatches its side effects only after commit.
type EscrowService struct {
	Deps
	feeRate  decimal.Decimal
	logger   *slog.Logger
	nowFn    func() time.Time
	numberFn func(time.Time) string
}

func NewEscrowService(deps Deps, feeRate decimal.Decimal, logger *slog.Logger) *EscrowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowService{
		Deps:     deps,
		feeRate:  feeRate,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		numberFn: invoiceNumber,
	}
}

// FeeRate returns the platform commission applied at payout.
func (s *EscrowService) FeeRate() decimal.Decimal { return s.feeRate }

// invoiceNumber formats INV-YYYYMMDD-XXXXXXXX with a random uppercase hex suffix.
func invoiceNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), suffix)
}

// effects accumulates what a transaction wants to announce. It is rebuilt on
// every attempt, so a replayed transaction never announces twice.
type effects struct {
	audits   []models.AuditEntry
	notes    []models.Notification
	balances []uuid.UUID
}

func (e *effects) reset() { *e = effects{} }

func (e *effects) audit(dealID, userID uuid.UUID, action, category string, meta map[string]string) {
	e.audits = append(e.audits, models.AuditEntry{
		ID:       uuid.New(),
		DealID:   dealID,
		UserID:   userID,
		Action:   action,
		Category: category,
		Metadata: meta,
	})
}

// notify addresses the party of deal opposite to actor.
func (e *effects) notify(deal *models.Deal, actor uuid.UUID, title, message string) {
	e.notifyUser(deal.ID, actor, deal.Counterparty(actor), title, message)
}

func (e *effects) notifyUser(dealID, actor, recipient uuid.UUID, title, message string) {
	e.notes = append(e.notes, models.Notification{
		DealID:       dealID,
		ActingUserID: actor,
		RecipientID:  recipient,
		Title:        title,
		Message:      message,
	})
}

func (e *effects) touch(userIDs ...uuid.UUID) {
	e.balances = append(e.balances, userIDs...)
}

// dispatch hands committed effects to their sinks. Failures are logged and
// counted; the committed operation has already succeeded.
func (s *EscrowService) dispatch(ctx context.Context, fx *effects) {
	if s.Balances != nil && len(fx.balances) > 0 {
		if err := s.Balances.Invalidate(ctx, fx.balances...); err != nil {
			metrics.SideEffectFailures.WithLabelValues("cache").Inc()
			s.logger.Warn("balance cache invalidation failed", "error", err)
		}
	}
	if s.Effects == nil {
		return
	}
	for _, a := range fx.audits {
		if err := s.Effects.Audit(ctx, a); err != nil {
			metrics.SideEffectFailures.WithLabelValues("audit").Inc()
			s.logger.Error("audit append failed", "deal_id", a.DealID, "action", a.Action, "error", err)
		}
	}
	for _, n := range fx.notes {
		if err := s.Effects.Notify(ctx, n); err != nil {
			metrics.SideEffectFailures.WithLabelValues("notify").Inc()
			s.logger.Warn("counterparty notification failed", "deal_id", n.DealID, "recipient", n.RecipientID, "error", err)
		}
	}
}

func (s *EscrowService) loadDealTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	deal, err := s.Deals.GetByIDTx(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load deal: %w", err)
	}
	return deal, nil
}

func (s *EscrowService) lockEscrowTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error) {
	rec, err := s.Escrows.GetByIDForUpdate(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock escrow record: %w", err)
	}
	return rec, nil
}

// transitionTx moves rec to next and persists it conditionally on its
// previous state.
func (s *EscrowService) transitionTx(ctx context.Context, tx pgx.Tx, op string, rec *models.EscrowRecord, next models.EscrowState) error {
	from := rec.State
	if !models.CanTransition(from, next) {
		return &StateError{Op: op, Current: from}
	}
	rec.State = next
	return s.saveTx(ctx, tx, op, rec, from)
}

func (s *EscrowService) saveTx(ctx context.Context, tx pgx.Tx, op string, rec *models.EscrowRecord, from models.EscrowState) error {
	err := s.Escrows.UpdateTx(ctx, tx, rec, from)
	if errors.Is(err, repository.ErrStale) {
		return &StateError{Op: op, Current: from}
	}
	if err != nil {
		return fmt.Errorf("%s: update escrow record: %w", op, err)
	}
	return nil
}

// settleDealTx marks the deal completed once none of its escrow records can
// move any more money.
func (s *EscrowService) settleDealTx(ctx context.Context, tx pgx.Tx, deal *models.Deal, otherwise string) error {
	open, err := s.Escrows.CountOpenTx(ctx, tx, deal.ID)
	if err != nil {
		return fmt.Errorf("count open escrow records: %w", err)
	}
	status := otherwise
	if open == 0 {
		status = models.DealStatusCompleted
	}
	if status == "" || status == deal.Status {
		return nil
	}
	if err := s.Deals.UpdateStatusTx(ctx, tx, deal.ID, status); err != nil {
		return fmt.Errorf("update deal status: %w", err)
	}
	deal.Status = status
	return nil
}

func (s *EscrowService) setDealStatusTx(ctx context.Context, tx pgx.Tx, deal *models.Deal, status string) error {
	if deal.Status == status {
		return nil
	}
	if err := s.Deals.UpdateStatusTx(ctx, tx, deal.ID, status); err != nil {
		return fmt.Errorf("update deal status: %w", err)
	}
	deal.Status = status
	return nil
}
