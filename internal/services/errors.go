package services

import (
	"errors"
	"fmt"

	"github.com/creatordeals/backend/internal/models"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrEscrowNotFound  = errors.New("escrow record not found")
	ErrDealNotFound    = errors.New("deal not found")
	ErrAlreadyPaid     = errors.New("invoice already paid")
	ErrAlreadyPaidOut  = errors.New("escrow already paid out")
	ErrNotEligible     = errors.New("escrow not eligible for payout")
	ErrInvalidState    = errors.New("invalid escrow state")
	ErrUnauthorized    = errors.New("not allowed for this user")
	ErrInvalidInput    = errors.New("invalid input")
)

// StateError reports an operation attempted from a state that does not allow
// it. It matches ErrInvalidState under errors.Is.
type StateError struct {
	Op      string
	Current models.EscrowState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid escrow state %s", e.Op, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
