package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleAdvertiser = "advertiser"
	RoleCreator    = "creator"
	RoleAdmin      = "admin"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Actor is the authenticated caller of a ledger-affecting operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
