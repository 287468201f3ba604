package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Handlers map these to HTTP statuses with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrExpiredResource     = errors.New("resource expired")
	ErrNotFound            = errors.New("not found")
)

// InsufficientBalanceError carries the figures the client needs to top up.
type InsufficientBalanceError struct {
	Currency string
	Current  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: current %d %s, required %d %s", e.Current, e.Currency, e.Required, e.Currency)
}

// Is lets errors.Is(err, ErrInsufficientBalance) match the typed error.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Shortfall is the amount still missing, never negative.
func (e *InsufficientBalanceError) Shortfall() int64 {
	if e.Required <= e.Current {
		return 0
	}
	return e.Required - e.Current
}

func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func ProviderRejectedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProviderRejected, fmt.Sprintf(format, args...))
}

func ProviderUnavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, fmt.Sprintf(format, args...))
}

func ExpiredResourcef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExpiredResource, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
