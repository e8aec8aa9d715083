package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatordeals/backend/internal/metrics"
	"github.com/creatordeals/backend/internal/models"
)

// ExecutePayout settles an eligible escrow record: the advertiser's reserved
// funds are released, the creator is credited amount minus the platform fee and
// the record becomes PAID_OUT. A record is paid out at most once.
func (s *EscrowService) ExecutePayout(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error) {
	var (
		out *models.EscrowRecord
		fx  effects
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
		if !actor.IsAdmin() && !deal.HasParty(actor.ID) {
			return ErrUnauthorized
		}
		switch {
		case rec.State == models.EscrowPaidOut:
			return ErrAlreadyPaidOut
		case rec.State == models.EscrowDisputeLocked:
			return fmt.Errorf("%w: %w", ErrNotEligible, &StateError{Op: "execute payout", Current: rec.State})
		case !rec.PayoutEligible(now):
			if rec.ReleasedAt != nil {
				return fmt.Errorf("%w: funds were released", ErrNotEligible)
			}
			if rec.State == models.EscrowActivePeriod && rec.ActiveEndsAt != nil {
				return fmt.Errorf("%w: placement period ends %s", ErrNotEligible, rec.ActiveEndsAt.Format("2006-01-02 15:04 MST"))
			}
			return fmt.Errorf("%w: state %s", ErrNotEligible, rec.State)
		}

		fee, payout := SplitFee(rec.Amount, s.feeRate)
		ref := rec.ID
		if _, err := s.Ledger.Release(ctx, tx, deal.AdvertiserID, rec.Amount); err != nil {
			return fmt.Errorf("release reserved funds: %w", err)
		}
		if payout > 0 {
			if _, err := s.Ledger.Credit(ctx, tx, deal.CreatorID, payout); err != nil {
				return fmt.Errorf("credit creator: %w", err)
			}
			if _, err := s.Ledger.Record(ctx, tx, deal.CreatorID, models.TransactionPayout, payout, &ref,
				"Payout for "+rec.Label); err != nil {
				return err
			}
		}
		if fee > 0 {
			if _, err := s.Ledger.Record(ctx, tx, deal.CreatorID, models.TransactionFee, fee, &ref,
				"Platform fee for "+rec.Label); err != nil {
				return err
			}
		}

		rec.PlatformFee = &fee
		rec.PayoutAmount = &payout
		rec.PaidOutAt = &now
		if err := s.transitionTx(ctx, tx, "execute payout", rec, models.EscrowPaidOut); err != nil {
			return err
		}
		if err := s.settleDealTx(ctx, tx, deal, ""); err != nil {
			return err
		}

		fx.audit(deal.ID, actor.ID, "payout executed", models.AuditCategoryPayout, map[string]string{
			"escrow_id":     rec.ID.String(),
			"amount":        strconv.FormatInt(rec.Amount, 10),
			"platform_fee":  strconv.FormatInt(fee, 10),
			"payout_amount": strconv.FormatInt(payout, 10),
		})
		fx.notifyUser(deal.ID, actor.ID, deal.CreatorID, "Payout completed",
			fmt.Sprintf("%d was credited to your balance for %s (platform fee %d)", payout, rec.Label, fee))
		if actor.ID != deal.AdvertiserID {
			fx.notifyUser(deal.ID, actor.ID, deal.AdvertiserID, "Payout completed",
				fmt.Sprintf("Escrow for %s was paid out to the creator", rec.Label))
		}
		fx.touch(deal.AdvertiserID, deal.CreatorID)
		out = rec
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyPaidOut):
			metrics.Payouts.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		case errors.Is(err, ErrNotEligible):
			metrics.Payouts.WithLabelValues(metrics.OutcomeNotEligible).Inc()
		}
		return nil, err
	}
	metrics.Payouts.WithLabelValues(metrics.OutcomePaid).Inc()
	metrics.PayoutVolume.Add(float64(*out.PayoutAmount))
	metrics.FeesCollected.Add(float64(*out.PlatformFee))
	metrics.EscrowTransitions.WithLabelValues(models.EscrowPaidOut.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// ReleaseEscrow is the administrative release: the advertiser's reserved
// balance is reduced by the record amount without crediting anyone. The record
// keeps its state but is no longer eligible for payout; releasing it twice
// fails with ErrInvalidState.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error) {
	var (
		out *models.EscrowRecord
		fx  effects
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
		if !actor.IsAdmin() && actor.ID != deal.AdvertiserID {
			return ErrUnauthorized
		}
		if rec.ReleasedAt != nil || !releasable(rec.State) {
			return &StateError{Op: "release escrow", Current: rec.State}
		}
		if _, err := s.Ledger.Release(ctx, tx, deal.AdvertiserID, rec.Amount); err != nil {
			return fmt.Errorf("release reserved funds: %w", err)
		}
		rec.ReleasedAt = &now
		rec.ReleasedBy = &actor.ID
		if err := s.saveTx(ctx, tx, "release escrow", rec, rec.State); err != nil {
			return err
		}

		fx.audit(deal.ID, actor.ID, "escrow released", models.AuditCategoryEscrow, map[string]string{
			"escrow_id": rec.ID.String(),
			"amount":    strconv.FormatInt(rec.Amount, 10),
			"state":     rec.State.String(),
		})
		fx.notify(deal, actor.ID, "Escrow released", fmt.Sprintf("Escrow for %s was released", rec.Label))
		fx.touch(deal.AdvertiserID)
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, &fx)
	return out, nil
}

func releasable(st models.EscrowState) bool {
	switch st {
	case models.EscrowFundsReserved, models.EscrowActivePeriod, models.EscrowPayoutReady:
		return true
	}
	return false
}
