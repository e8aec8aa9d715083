package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is matched by every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrReservedShortfall means a refund asked for more than the user has reserved.
	ErrReservedShortfall = errors.New("reserved balance lower than refund amount")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// InsufficientFundsError reports the amount a reservation needed against what
// was available when it was attempted.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
