package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation         = errors.New("auth: invalid input")
	ErrNotFound           = errors.New("auth: not found")
	ErrDuplicateEmail     = errors.New("auth: email already registered")
	ErrRoleNotFound       = errors.New("auth: role not found")
	ErrProtected          = errors.New("auth: protected")
	ErrInUse              = errors.New("auth: in use")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrSessionInvalid     = errors.New("auth: session invalid")
	ErrUserInactive       = errors.New("auth: user inactive")
	ErrStorage            = errors.New("auth: storage failure")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// LoginError describes a refused login. It unwraps to ErrInvalidCredentials,
// ErrAccountLocked or ErrAccountInactive.
type LoginError struct {
	Kind        error
	NowLocked   bool
	LockedUntil *time.Time
}

func (e *LoginError) Error() string {
	if e.NowLocked {
		return e.Kind.Error() + " (account now locked)"
	}
	return e.Kind.Error()
}

func (e *LoginError) Unwrap() error { return e.Kind }

// Message is safe to show to the person attempting to log in. It never
// reveals whether the email exists.
func (e *LoginError) Message() string {
	switch {
	case errors.Is(e.Kind, ErrAccountLocked), e.NowLocked:
		if e.LockedUntil != nil {
			return fmt.Sprintf("account is temporarily locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
		}
		return "account is temporarily locked"
	case errors.Is(e.Kind, ErrAccountInactive):
		return "account is disabled"
	default:
		return "invalid email or password"
	}
}
