package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/repository"
)

var (
	ErrNotFound     = errors.New("deal not found")
	ErrForbidden    = errors.New("not a party to this deal")
	ErrInvalidInput = errors.New("invalid deal")
)

// Store is the deal persistence used by Service.
type Store interface {
	Create(ctx context.Context, d *models.Deal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Deal, error)
}

// AccountLookup resolves the counterparty named on a new deal.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Service manages the deal records the escrow lifecycle mutates. Negotiation
// and briefing content live elsewhere; a deal here is the two parties, a title
// and a status.
type Service struct {
	store    Store
	accounts AccountLookup
	log      *slog.Logger
}

func NewService(store Store, accounts AccountLookup, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, accounts: accounts, log: log}
}

// Create opens a deal between the calling advertiser and a creator. The deal
// starts in briefing.
func (s *Service) Create(ctx context.Context, actor models.Actor, creatorID uuid.UUID, title string) (*models.Deal, error) {
	if actor.Role != models.RoleAdvertiser {
		return nil, fmt.Errorf("%w: only advertisers open deals", ErrForbidden)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	creator, err := s.accounts.GetByID(ctx, creatorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: creator %s does not exist", ErrInvalidInput, creatorID)
	}
	if err != nil {
		return nil, fmt.Errorf("load creator: %w", err)
	}
	if creator.Role != models.RoleCreator {
		return nil, fmt.Errorf("%w: account %s is not a creator", ErrInvalidInput, creatorID)
	}
	d := &models.Deal{
		ID:           uuid.New(),
		AdvertiserID: actor.ID,
		CreatorID:    creator.ID,
		Title:        title,
		Status:       models.DealStatusBriefing,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}
	s.log.Info("deal created", "deal_id", d.ID, "advertiser_id", d.AdvertiserID, "creator_id", d.CreatorID)
	return d, nil
}

// Get returns the deal to either party or an admin.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Deal, error) {
	d, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !d.HasParty(actor.ID) {
		return nil, ErrForbidden
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, actor models.Actor) ([]*models.Deal, error) {
	list, err := s.store.ListForUser(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Deal{}
	}
	return list, nil
}
