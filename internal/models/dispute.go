package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
)

// Dispute resolution outcomes, applied by an administrator.
const (
	DisputeOutcomeRelease = "release"
	DisputeOutcomeRefund  = "refund"
)

type Dispute struct {
	ID         uuid.UUID  `json:"id"`
	DealID     uuid.UUID  `json:"deal_id"`
	EscrowID   uuid.UUID  `json:"escrow_id"`
	RaisedBy   uuid.UUID  `json:"raised_by"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Resolution *string    `json:"resolution,omitempty"`
	ResolvedBy *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
