package service

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the authentication flows. Anything that
// could enumerate accounts is collapsed into ErrInvalidCredentials
// before it leaves this package.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already registered")
	ErrSessionRequired    = errors.New("authentication required")
	ErrMFANotEnabled      = errors.New("mfa is not enabled")
	ErrInternal           = errors.New("internal error")
)

// ValidationError carries the full set of policy violations so the
// caller can render them all at once.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	return fmt.Sprintf("validation failed: %d violations", len(e.Violations))
}

func NewValidationError(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}

// LockoutError is the one rejection that discloses timing: the caller
// already knows the account or address is blocked, so hiding the
// remaining time would only generate support load.
type LockoutError struct {
	Scope      string // "account" or "ip"
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s temporarily locked, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// AuthAttemptError is a failed credential check that optionally warns
// how many attempts remain before lockout. The warning is attached only
// when few attempts are left.
type AuthAttemptError struct {
	AttemptsLeft int
	Warn         bool
}

func (e *AuthAttemptError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *AuthAttemptError) Unwrap() error {
	return ErrInvalidCredentials
}
