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

// MaxPlacementDays bounds the obligation period a creator can declare.
const MaxPlacementDays = 365

// PlanMilestone adds a not-yet-invoiced escrow record to a deal. An invoice
// created later for the milestone moves it to INVOICE_SENT.
func (s *EscrowService) PlanMilestone(ctx context.Context, actor models.Actor, dealID uuid.UUID, label string, amount int64) (*models.EscrowRecord, error) {
	label = strings.TrimSpace(label)
	if label == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: milestone needs a label and a positive amount", ErrInvalidInput)
	}
	var (
		out *models.EscrowRecord
		fx  effects
	)
	err := s.Tx.InTx(ctx, func(tx pgx.Tx) error {
		fx.reset()
		deal, err := s.loadDealTx(ctx, tx, dealID)
		if err != nil {
			return err
		}
		if !deal.HasParty(actor.ID) {
			return ErrUnauthorized
		}
		milestoneID := uuid.New()
		rec := &models.EscrowRecord{
			ID:          uuid.New(),
			DealID:      deal.ID,
			MilestoneID: &milestoneID,
			Label:       label,
			Amount:      amount,
			State:       models.EscrowWaitingInvoice,
		}
		if err := s.Escrows.CreateTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("create milestone: %w", err)
		}
		fx.audit(deal.ID, actor.ID, "milestone planned", models.AuditCategoryEscrow, map[string]string{
			"escrow_id":    rec.ID.String(),
			"milestone_id": milestoneID.String(),
			"label":        label,
			"amount":       strconv.FormatInt(amount, 10),
		})
		fx.notify(deal, actor.ID, "Milestone planned", fmt.Sprintf("Milestone %q for %d was added", label, amount))
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, &fx)
	return out, nil
}

type SubmitProofInput struct {
	PublicationURL string
	// DurationDays is the placement obligation; zero means none.
	DurationDays int
}

// SubmitProof records the creator's publication. With a placement duration the
// record enters ACTIVE_PERIOD ending DurationDays after now, otherwise it is
// immediately PAYOUT_READY.
func (s *EscrowService) SubmitProof(ctx context.Context, actor models.Actor, escrowID uuid.UUID, in SubmitProofInput) (*models.EscrowRecord, error) {
	url := strings.TrimSpace(in.PublicationURL)
	if url == "" {
		return nil, fmt.Errorf("%w: publication url is required", ErrInvalidInput)
	}
	if in.DurationDays < 0 || in.DurationDays > MaxPlacementDays {
		return nil, fmt.Errorf("%w: duration must be between 0 and %d days", ErrInvalidInput, MaxPlacementDays)
	}
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
		if actor.ID != deal.CreatorID {
			return ErrUnauthorized
		}
		if rec.State != models.EscrowFundsReserved || rec.ReleasedAt != nil {
			return &StateError{Op: "submit proof", Current: rec.State}
		}

		next := models.EscrowPayoutReady
		rec.PublicationURL = &url
		if in.DurationDays > 0 {
			next = models.EscrowActivePeriod
			ends := now.Add(time.Duration(in.DurationDays) * 24 * time.Hour)
			rec.ActiveStartedAt = &now
			rec.ActiveEndsAt = &ends
		}
		if err := s.transitionTx(ctx, tx, "submit proof", rec, next); err != nil {
			return err
		}
		if err := s.Deals.SetPublicationURLTx(ctx, tx, deal.ID, url); err != nil {
			return fmt.Errorf("set publication url: %w", err)
		}

		meta := map[string]string{
			"escrow_id":       rec.ID.String(),
			"publication_url": url,
			"state":           next.String(),
		}
		msg := "Publication submitted; payout is available now"
		if rec.ActiveEndsAt != nil {
			meta["active_ends_at"] = rec.ActiveEndsAt.Format(time.RFC3339)
			msg = fmt.Sprintf("Publication submitted; placement period ends %s", rec.ActiveEndsAt.Format(time.DateOnly))
		}
		fx.audit(deal.ID, actor.ID, "publication submitted", models.AuditCategoryEscrow, meta)
		fx.notify(deal, actor.ID, "Publication submitted", msg)
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(out.State.String()).Inc()
	s.dispatch(ctx, &fx)
	return out, nil
}

// ConfirmPublication is the advertiser's acknowledgement of a submitted
// publication. It changes no money and no state.
func (s *EscrowService) ConfirmPublication(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error) {
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
		if actor.ID != deal.AdvertiserID {
			return ErrUnauthorized
		}
		if rec.State != models.EscrowActivePeriod && rec.State != models.EscrowPayoutReady {
			return &StateError{Op: "confirm publication", Current: rec.State}
		}
		fx.audit(deal.ID, actor.ID, "publication confirmed", models.AuditCategoryEscrow, map[string]string{
			"escrow_id": rec.ID.String(),
		})
		fx.notify(deal, actor.ID, "Publication confirmed", "The advertiser confirmed your publication")
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, &fx)
	return out, nil
}

// GetEscrow returns a record to either party of its deal or an admin.
func (s *EscrowService) GetEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.EscrowRecord, error) {
	rec, err := s.Escrows.GetByID(ctx, escrowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, actor, rec.DealID); err != nil {
		return nil, err
	}
	return rec, nil
}

// EscrowView decorates a record with its payout eligibility at read time.
type EscrowView struct {
	*models.EscrowRecord
	PayoutEligible bool `json:"payout_eligible"`
}

func (s *EscrowService) ListEscrows(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]EscrowView, error) {
	if err := s.authorizeRead(ctx, actor, dealID); err != nil {
		return nil, err
	}
	recs, err := s.Escrows.ListByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	views := make([]EscrowView, 0, len(recs))
	for _, r := range recs {
		views = append(views, EscrowView{EscrowRecord: r, PayoutEligible: r.PayoutEligible(now)})
	}
	return views, nil
}

// MaxAuditEntries caps one audit trail read.
const MaxAuditEntries = 500

// ListAudit returns the deal's audit trail to either party or an admin.
func (s *EscrowService) ListAudit(ctx context.Context, actor models.Actor, dealID uuid.UUID) ([]models.AuditEntry, error) {
	if err := s.authorizeRead(ctx, actor, dealID); err != nil {
		return nil, err
	}
	if s.AuditTrail == nil {
		return []models.AuditEntry{}, nil
	}
	return s.AuditTrail.ListByDeal(ctx, dealID, MaxAuditEntries)
}

func (s *EscrowService) authorizeRead(ctx context.Context, actor models.Actor, dealID uuid.UUID) error {
	deal, err := s.Deals.GetByID(ctx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDealNotFound
	}
	if err != nil {
		return err
	}
	if !actor.IsAdmin() && !deal.HasParty(actor.ID) {
		return ErrUnauthorized
	}
	return nil
}
