package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit categories.
const (
	AuditCategoryInvoice = "invoice"
	AuditCategoryEscrow  = "escrow"
	AuditCategoryPayout  = "payout"
	AuditCategoryDispute = "dispute"
)

// AuditEntry is an immutable, human-readable trail item. It is never used to
// recompute state.
type AuditEntry struct {
	ID        uuid.UUID         `json:"id"`
	DealID    uuid.UUID         `json:"deal_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Action    string            `json:"action"`
	Category  string            `json:"category"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is a counterparty event handed to the Notifier.
type Notification struct {
	DealID       uuid.UUID `json:"deal_id"`
	ActingUserID uuid.UUID `json:"acting_user_id"`
	RecipientID  uuid.UUID `json:"recipient_id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
}
