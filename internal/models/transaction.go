package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction type enums.
const (
	TransactionTopUp  = "topup"
	TransactionCharge = "charge"
	TransactionRefund = "refund"
	TransactionPayout = "payout"
	TransactionFee    = "fee"
)

// Transaction status enums. Only pending -> completed is ever applied.
const (
	TransactionPending   = "pending"
	TransactionCompleted = "completed"
)

// Transaction is an append-only record of a ledger-affecting event.
type Transaction struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Type        string     `json:"type"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	ReferenceID *uuid.UUID `json:"reference_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
