package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal status enums.
const (
	DealStatusPending        = "pending"
	DealStatusBriefing       = "briefing"
	DealStatusWaitingPayment = "waiting_payment"
	DealStatusInProgress     = "in_progress"
	DealStatusCompleted      = "completed"
	DealStatusDisputed       = "disputed"
)

type Deal struct {
	ID             uuid.UUID `json:"id"`
	AdvertiserID   uuid.UUID `json:"advertiser_id"`
	CreatorID      uuid.UUID `json:"creator_id"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	PublicationURL *string   `json:"publication_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasParty reports whether userID is the advertiser or the creator of the deal.
func (d *Deal) HasParty(userID uuid.UUID) bool {
	return d.AdvertiserID == userID || d.CreatorID == userID
}

// Counterparty returns the other side of the deal relative to userID.
func (d *Deal) Counterparty(userID uuid.UUID) uuid.UUID {
	if userID == d.AdvertiserID {
		return d.CreatorID
	}
	return d.AdvertiserID
}
