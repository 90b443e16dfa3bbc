package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInvoice       = errors.New("invalid lightning invoice")
	ErrInvoiceExpired       = errors.New("lightning invoice has expired")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrExchangeRateRequired = errors.New("exchange rate required to convert amount")
	ErrAmountRequired       = errors.New("amount required for invoice without amount")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAlreadyClaimed       = errors.New("token already claimed")
	ErrProofsMismatch       = errors.New("reserved proofs do not match account proofs")

	// ErrInvalidTransition means the caller asked for a transition the
	// current state does not allow. It signals a bug in the caller and
	// should not be retried.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InsufficientBalanceError carries the amount needed including all fees.
type InsufficientBalanceError struct {
	Required  uint64
	Available uint64
	Currency  Currency
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d %s including fees, have %d",
		e.Required, e.Currency, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
