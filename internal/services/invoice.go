package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatordeals/backend/internal/metrics"
	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/repository"
)

const invoiceNumberAttempts = 5

type CreateInvoiceInput struct {
	DealID      uuid.UUID
	Amount      int64
	Comment     string
	DueDate     *time.Time
	MilestoneID *uuid.UUID
}

// InvoiceResult carries the created invoice and how many invoices of the deal
// are still unpaid, including this one.
type InvoiceResult struct {
	Invoice         *models.Invoice `json:"invoice"`
	PendingInvoices int             `json:"pending_invoices"`
}

// PaymentResult is the paid invoice and the escrow record now holding its funds.
type PaymentResult struct {
	Invoice *models.Invoice      `json:"invoice"`
	Escrow  *models.EscrowRecord `json:"escrow"`
}

// CreateInvoice issues an invoice from the deal's creator to its advertiser.
func (s *EscrowService) CreateInvoice(ctx context.Context, actor models.Actor, in CreateInvoiceInput) (*InvoiceResult, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	var (
		out *InvoiceResult
		fx  effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		now := s.nowFn()
		deal, err := s.loadDealTx(ctx, tx, in.DealID)
		if err != nil {
			return err
		}
		if actor.ID != deal.CreatorID {
			return ErrUnauthorized
		}

		var milestone *models.EscrowRecord
		if in.MilestoneID != nil {
			milestone, err = s.Escrows.GetByMilestoneForUpdate(ctx, tx, *in.MilestoneID)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrEscrowNotFound
			}
			if err != nil {
				return fmt.Errorf("lock milestone: %w", err)
			}
			if milestone.DealID != deal.ID {
				return ErrEscrowNotFound
			}
			if !models.CanTransition(milestone.State, models.EscrowInvoiceSent) {
				return &StateError{Op: "create invoice", Current: milestone.State}
			}
			if milestone.Amount != in.Amount {
				return fmt.Errorf("%w: amount %d does not match milestone amount %d", ErrInvalidInput, in.Amount, milestone.Amount)
			}
		}

		inv := &models.Invoice{
			ID:          uuid.New(),
			DealID:      deal.ID,
			MilestoneID: in.MilestoneID,
			Amount:      in.Amount,
			Comment:     strings.TrimSpace(in.Comment),
			DueDate:     in.DueDate,
			Status:      models.InvoiceStatusPending,
			CreatedBy:   actor.ID,
		}
		for attempt := 1; ; attempt++ {
			inv.InvoiceNumber = s.numberFn(now)
			err = s.Invoices.CreateTx(ctx, tx, inv)
			if !errors.Is(err, repository.ErrDuplicate) || attempt == invoiceNumberAttempts {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}

		if milestone != nil {
			milestone.InvoiceID = &inv.ID
			if err := s.transitionTx(ctx, tx, "create invoice", milestone, models.EscrowInvoiceSent); err != nil {
				return err
			}
		}
		if deal.Status != models.DealStatusDisputed {
			if err := s.setDealStatusTx(ctx, tx, deal, models.DealStatusWaitingPayment); err != nil {
				return err
			}
		}
		pending, err := s.Invoices.CountPendingTx(ctx, tx, deal.ID)
		if err != nil {
			return fmt.Errorf("count pending invoices: %w", err)
		}

		fx.audit(deal.ID, actor.ID, "invoice created", models.AuditCategoryInvoice, map[string]string{
			"invoice_id":     inv.ID.String(),
			"invoice_number": inv.InvoiceNumber,
			"amount":         strconv.FormatInt(inv.Amount, 10),
		})
		fx.notify(deal, actor.ID, "New invoice",
			fmt.Sprintf("Invoice %s for %d is awaiting payment", inv.InvoiceNumber, inv.Amount))
		out = &InvoiceResult{Invoice: inv, PendingInvoices: pending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.InvoicesCreated.Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// PayInvoice reserves the invoice amount from the advertiser's available
// balance and places it in an escrow record. The invoice row is locked for the
// duration, so concurrent payments of one invoice reserve exactly once.
func (s *EscrowService) PayInvoice(ctx context.Context, actor models.Actor, invoiceID uuid.UUID) (*PaymentResult, error) {
	var (
		out *PaymentResult
		fx  effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		now := s.nowFn()
		inv, err := s.Invoices.GetByIDForUpdate(ctx, tx, invoiceID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("lock invoice: %w", err)
		}
		deal, err := s.loadDealTx(ctx, tx, inv.DealID)
		if err != nil {
			return err
		}
		if actor.ID != deal.AdvertiserID {
			return ErrUnauthorized
		}
		if inv.Status == models.InvoiceStatusPaid {
			return ErrAlreadyPaid
		}

		var rec *models.EscrowRecord
		if inv.MilestoneID != nil {
			rec, err = s.Escrows.GetByMilestoneForUpdate(ctx, tx, *inv.MilestoneID)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrEscrowNotFound
			}
			if err != nil {
				return fmt.Errorf("lock milestone: %w", err)
			}
			if !models.CanTransition(rec.State, models.EscrowFundsReserved) {
				return &StateError{Op: "pay invoice", Current: rec.State}
			}
		}

		if _, err := s.Ledger.Reserve(ctx, tx, deal.AdvertiserID, inv.Amount); err != nil {
			return fmt.Errorf("reserve funds: %w", err)
		}
		if _, err := s.Ledger.Record(ctx, tx, deal.AdvertiserID, models.TransactionCharge, inv.Amount, &inv.ID,
			"Invoice "+inv.InvoiceNumber); err != nil {
			return err
		}

		if rec != nil {
			rec.InvoiceID = &inv.ID
			rec.ReservedAt = &now
			if err := s.transitionTx(ctx, tx, "pay invoice", rec, models.EscrowFundsReserved); err != nil {
				return err
			}
		} else {
			paid := inv.ID
			rec = &models.EscrowRecord{
				ID:         uuid.New(),
				DealID:     deal.ID,
				InvoiceID:  &paid,
				Label:      invoiceLabel(inv),
				Amount:     inv.Amount,
				State:      models.EscrowFundsReserved,
				ReservedAt: &now,
			}
			if err := s.Escrows.CreateTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("create escrow record: %w", err)
			}
		}

		err = s.Invoices.MarkPaidTx(ctx, tx, inv.ID, actor.ID, now)
		if errors.Is(err, repository.ErrStale) {
			return ErrAlreadyPaid
		}
		if err != nil {
			return fmt.Errorf("mark invoice paid: %w", err)
		}
		inv.Status = models.InvoiceStatusPaid
		inv.PaidBy = &actor.ID
		inv.PaidAt = &now

		if deal.Status != models.DealStatusDisputed {
			if err := s.setDealStatusTx(ctx, tx, deal, models.DealStatusInProgress); err != nil {
				return err
			}
		}

		fx.audit(deal.ID, actor.ID, "invoice paid", models.AuditCategoryInvoice, map[string]string{
			"invoice_id":     inv.ID.String(),
			"invoice_number": inv.InvoiceNumber,
			"escrow_id":      rec.ID.String(),
			"amount":         strconv.FormatInt(inv.Amount, 10),
		})
		fx.notify(deal, actor.ID, "Invoice paid",
			fmt.Sprintf("Invoice %s was paid; %d is held in escrow", inv.InvoiceNumber, inv.Amount))
		fx.touch(deal.AdvertiserID)
		out = &PaymentResult{Invoice: inv, Escrow: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.InvoicesPaid.Inc()
	metrics.FundsReserved.Add(float64(out.Invoice.Amount))
	metrics.EscrowTransitions.WithLabelValues(models.EscrowFundsReserved.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// ListInvoices returns the deal's invoices to either party or an admin.
func (s *EscrowService) ListInvoices(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]*models.Invoice, error) {
	if err := s.authorizeRead(ctx, actor, dealID); err != nil {
		return nil, err
	}
	return s.Invoices.ListByDeal(ctx, dealID)
}

func invoiceLabel(inv *models.Invoice) string {
	if inv.Comment != "" {
		return inv.Comment
	}
	return "Invoice " + inv.InvoiceNumber
}
