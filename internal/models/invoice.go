package models

import (
	"time"

	"github.com/google/uuid"
)

// Invoice status enums. Paid is terminal.
const (
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
)

// Invoice is a payment request issued by the creator against a deal.
type Invoice struct {
	ID            uuid.UUID  `json:"id"`
	DealID        uuid.UUID  `json:"deal_id"`
	MilestoneID   *uuid.UUID `json:"milestone_id,omitempty"`
	InvoiceNumber string     `json:"invoice_number"`
	Amount        int64      `json:"amount"`
	Comment       string     `json:"comment"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Status        string     `json:"status"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	PaidBy        *uuid.UUID `json:"paid_by,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
