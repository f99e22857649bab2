package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrInvalidOrder          = errors.New("invalid order parameters")
	ErrLockHeld              = errors.New("lock already held")
	ErrLockContention        = errors.New("account lock held by another operation")
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrMarketClosed          = errors.New("market closed")
	ErrInvalidTransition     = errors.New("invalid order status transition")
	ErrPositionClosed        = errors.New("position already closed")
)

// ValidationError rejects bad input before any lock is taken.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidOrder
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// MarginInsufficientError is the business rejection for an order the account
// cannot fund.
type MarginInsufficientError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *MarginInsufficientError) Error() string {
	return fmt.Sprintf("insufficient margin: required %s, available %s, shortfall %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

// PersistenceError wraps a failed ledger transaction. The transaction was
// rolled back in full.
type PersistenceError struct {
	Op           string
	AccountID    string
	InstrumentID string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s account=%s instrument=%s: %v", e.Op, e.AccountID, e.InstrumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsLockContention reports whether err is the expected try-lock miss.
func IsLockContention(err error) bool {
	return errors.Is(err, ErrLockContention)
}
