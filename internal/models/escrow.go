package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EscrowState is the lifecycle position of an escrow record. The zero value is
// not a valid state so an unset field never reads as a real one.
type EscrowState uint8

const (
	EscrowWaitingInvoice EscrowState = iota + 1
	EscrowInvoiceSent
	EscrowFundsReserved
	EscrowActivePeriod
	EscrowPayoutReady
	EscrowPaidOut
	EscrowDisputeLocked
	EscrowRefunded
)

var escrowStateNames = map[EscrowState]string{
	EscrowWaitingInvoice: "WAITING_INVOICE",
	EscrowInvoiceSent:    "INVOICE_SENT",
	EscrowFundsReserved:  "FUNDS_RESERVED",
	EscrowActivePeriod:   "ACTIVE_PERIOD",
	EscrowPayoutReady:    "PAYOUT_READY",
	EscrowPaidOut:        "PAID_OUT",
	EscrowDisputeLocked:  "DISPUTE_LOCKED",
	EscrowRefunded:       "REFUNDED",
}

// escrowTransitions lists every edge of the state machine. Anything not listed
// here is rejected by CanTransition.
var escrowTransitions = map[EscrowState][]EscrowState{
	EscrowWaitingInvoice: {EscrowInvoiceSent},
	EscrowInvoiceSent:    {EscrowFundsReserved},
	EscrowFundsReserved:  {EscrowActivePeriod, EscrowPayoutReady, EscrowPaidOut, EscrowRefunded},
	EscrowActivePeriod:   {EscrowPayoutReady, EscrowDisputeLocked, EscrowPaidOut},
	EscrowPayoutReady:    {EscrowDisputeLocked, EscrowPaidOut},
	EscrowDisputeLocked:  {EscrowPayoutReady, EscrowRefunded},
}

func (s EscrowState) String() string {
	if name, ok := escrowStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("EscrowState(%d)", uint8(s))
}

// Valid reports whether s is one of the declared states.
func (s EscrowState) Valid() bool {
	_, ok := escrowStateNames[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s EscrowState) Terminal() bool {
	return s == EscrowPaidOut || s == EscrowRefunded
}

// HoldsFunds reports whether a record in state s has money sitting in the
// advertiser's reserved balance.
func (s EscrowState) HoldsFunds() bool {
	switch s {
	case EscrowFundsReserved, EscrowActivePeriod, EscrowPayoutReady, EscrowDisputeLocked:
		return true
	}
	return false
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to EscrowState) bool {
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseEscrowState maps the persisted name back to a state.
func ParseEscrowState(name string) (EscrowState, error) {
	for s, n := range escrowStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown escrow state %q", name)
}

func (s EscrowState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid escrow state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *EscrowState) UnmarshalText(b []byte) error {
	parsed, err := ParseEscrowState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the state by name.
func (s EscrowState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid escrow state %d", uint8(s))
	}
	return s.String(), nil
}

// Scan reads a state stored by name.
func (s *EscrowState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into EscrowState", src)
	}
}

// EscrowRecord is one funded obligation within a deal.
type EscrowRecord struct {
	ID              uuid.UUID   `json:"id"`
	DealID          uuid.UUID   `json:"deal_id"`
	InvoiceID       *uuid.UUID  `json:"invoice_id,omitempty"`
	MilestoneID     *uuid.UUID  `json:"milestone_id,omitempty"`
	Label           string      `json:"label"`
	Amount          int64       `json:"amount"`
	State           EscrowState `json:"state"`
	ReservedAt      *time.Time  `json:"reserved_at,omitempty"`
	ActiveStartedAt *time.Time  `json:"active_started_at,omitempty"`
	ActiveEndsAt    *time.Time  `json:"active_ends_at,omitempty"`
	PublicationURL  *string     `json:"publication_url,omitempty"`
	PlatformFee     *int64      `json:"platform_fee,omitempty"`
	PayoutAmount    *int64      `json:"payout_amount,omitempty"`
	PaidOutAt       *time.Time  `json:"paid_out_at,omitempty"`
	ReleasedAt      *time.Time  `json:"released_at,omitempty"`
	ReleasedBy      *uuid.UUID  `json:"released_by,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PayoutEligible evaluates the payout predicate against now, which must come
// from the server clock.
func (e *EscrowRecord) PayoutEligible(now time.Time) bool {
	if e.ReleasedAt != nil {
		return false
	}
	switch e.State {
	case EscrowPayoutReady:
		return true
	case EscrowActivePeriod:
		return e.ActiveEndsAt != nil && !now.Before(*e.ActiveEndsAt)
	}
	return false
}
