package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatordeals/backend/internal/metrics"
	"github.com/creatordeals/backend/internal/models"
)

// LockDispute halts payout of a record during or after its placement period.
func (s *EscrowService) LockDispute(ctx context.Context, actor models.Actor, escrowID uuid.UUID, reason string) (*models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute needs a reason", ErrInvalidInput)
	}
	var (
		out *models.Dispute
		fx  effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		rec, err := s.lockEscrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		deal, err := s.loadDealTx(ctx, tx, rec.DealID)
		if err != nil {
			return err
		}
		if actor.ID != deal.AdvertiserID {
			return ErrUnauthorized
		}
		if (rec.State != models.EscrowActivePeriod && rec.State != models.EscrowPayoutReady) || rec.ReleasedAt != nil {
			return &StateError{Op: "lock dispute", Current: rec.State}
		}

		d := &models.Dispute{
			ID:       uuid.New(),
			DealID:   deal.ID,
			EscrowID: rec.ID,
			RaisedBy: actor.ID,
			Reason:   reason,
			Status:   models.DisputeStatusOpen,
		}
		if err := s.Disputes.CreateTx(ctx, tx, d); err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}
		if err := s.transitionTx(ctx, tx, "lock dispute", rec, models.EscrowDisputeLocked); err != nil {
			return err
		}
		if err := s.setDealStatusTx(ctx, tx, deal, models.DealStatusDisputed); err != nil {
			return err
		}

		fx.audit(deal.ID, actor.ID, "dispute opened", models.AuditCategoryDispute, map[string]string{
			"escrow_id":  rec.ID.String(),
			"dispute_id": d.ID.String(),
			"reason":     reason,
		})
		fx.notify(deal, actor.ID, "Dispute opened", fmt.Sprintf("Payout for %s is on hold: %s", rec.Label, reason))
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesOpened.Inc()
	metrics.EscrowTransitions.WithLabelValues(models.EscrowDisputeLocked.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// ResolveDispute is the administrative exit from DISPUTE_LOCKED. Outcome
// release makes the record PAYOUT_READY; refund returns the reserved funds to
// the advertiser and makes it REFUNDED.
func (s *EscrowService) ResolveDispute(ctx context.Context, actor models.Actor, escrowID uuid.UUID, outcome, note string) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	if outcome != models.DisputeOutcomeRelease && outcome != models.DisputeOutcomeRefund {
		return nil, fmt.Errorf("%w: outcome must be %q or %q", ErrInvalidInput, models.DisputeOutcomeRelease, models.DisputeOutcomeRefund)
	}
	note = strings.TrimSpace(note)
	var (
		out  *models.Dispute
		next models.EscrowState
		fx   effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		now := s.nowFn()
		rec, err := s.lockEscrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		deal, err := s.loadDealTx(ctx, tx, rec.DealID)
		if err != nil {
			return err
		}
		if rec.State != models.EscrowDisputeLocked {
			return &StateError{Op: "resolve dispute", Current: rec.State}
		}

		next = models.EscrowPayoutReady
		if outcome == models.DisputeOutcomeRefund {
			next = models.EscrowRefunded
			if _, err := s.Ledger.Refund(ctx, tx, deal.AdvertiserID, rec.Amount, rec.ID, "Dispute refund for "+rec.Label); err != nil {
				return fmt.Errorf("refund advertiser: %w", err)
			}
			fx.touch(deal.AdvertiserID)
		}
		if err := s.transitionTx(ctx, tx, "resolve dispute", rec, next); err != nil {
			return err
		}

		resolution := outcome
		if note != "" {
			resolution = outcome + ": " + note
		}
		d, err := s.Disputes.ResolveOpenTx(ctx, tx, rec.ID, actor.ID, resolution, now)
		if err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}
		if err := s.settleDealTx(ctx, tx, deal, models.DealStatusInProgress); err != nil {
			return err
		}

		fx.audit(deal.ID, actor.ID, "dispute resolved", models.AuditCategoryDispute, map[string]string{
			"escrow_id":  rec.ID.String(),
			"dispute_id": d.ID.String(),
			"outcome":    outcome,
			"amount":     strconv.FormatInt(rec.Amount, 10),
		})
		msg := fmt.Sprintf("Dispute on %s resolved: %s", rec.Label, outcome)
		fx.notifyUser(deal.ID, actor.ID, deal.AdvertiserID, "Dispute resolved", msg)
		fx.notifyUser(deal.ID, actor.ID, deal.CreatorID, "Dispute resolved", msg)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(next.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// RefundEscrow returns the funds of a record that never started its
// publication obligation back to the advertiser.
func (s *EscrowService) RefundEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	var (
		out *models.EscrowRecord
		fx  effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		rec, err := s.lockEscrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		deal, err := s.loadDealTx(ctx, tx, rec.DealID)
		if err != nil {
			return err
		}
		if rec.State != models.EscrowFundsReserved || rec.ReleasedAt != nil {
			return &StateError{Op: "refund escrow", Current: rec.State}
		}
		if _, err := s.Ledger.Refund(ctx, tx, deal.AdvertiserID, rec.Amount, rec.ID, "Refund for "+rec.Label); err != nil {
			return fmt.Errorf("refund advertiser: %w", err)
		}
		if err := s.transitionTx(ctx, tx, "refund escrow", rec, models.EscrowRefunded); err != nil {
			return err
		}
		if err := s.settleDealTx(ctx, tx, deal, ""); err != nil {
			return err
		}

		fx.audit(deal.ID, actor.ID, "escrow refunded", models.AuditCategoryEscrow, map[string]string{
			"escrow_id": rec.ID.String(),
			"amount":    strconv.FormatInt(rec.Amount, 10),
		})
		msg := fmt.Sprintf("Escrow for %s was refunded to the advertiser", rec.Label)
		fx.notifyUser(deal.ID, actor.ID, deal.AdvertiserID, "Escrow refunded", msg)
		fx.notifyUser(deal.ID, actor.ID, deal.CreatorID, "Escrow refunded", msg)
		fx.touch(deal.AdvertiserID)
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(models.EscrowRefunded.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}
