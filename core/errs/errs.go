// Package errs defines the error kinds surfaced by the settlement engine.
// Every failure returned to a caller wraps exactly one kind so callers can
// branch with errors.Is without parsing messages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation")
	// ErrState marks an operation invalid for the entity's current phase.
	ErrState = errors.New("invalid state")
	// ErrAuthorization marks a caller lacking the needed capability or a
	// disallowed party (e.g. self-trading).
	ErrAuthorization = errors.New("unauthorized")
	// ErrInsufficientFunds marks a balance, allowance or stake that is too
	// low for the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotFound marks an unknown identifier.
	ErrNotFound = errors.New("not found")
	// ErrTiming marks an operation attempted too early or too late. Timing
	// failures are retryable once enough time elapses.
	ErrTiming = errors.New("timing")
)

// Validationf wraps ErrValidation with a formatted description.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Statef wraps ErrState with a formatted description.
func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// Authorizationf wraps ErrAuthorization with a formatted description.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// InsufficientFundsf wraps ErrInsufficientFunds with a formatted description.
func InsufficientFundsf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientFunds, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Timingf wraps ErrTiming with a formatted description.
func Timingf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTiming, fmt.Sprintf(format, args...))
}
