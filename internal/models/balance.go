package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance holds a user's funds in minor units of the ledger currency.
// Available is spendable; Reserved is committed to open escrow records.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the user's money held by the platform.
func (b Balance) Total() int64 { return b.Available + b.Reserved }
