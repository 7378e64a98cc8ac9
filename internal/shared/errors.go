package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput wraps validation failures on caller supplied data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConstraintViolation is returned when a write would break a storage or business constraint.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrDuplicateName marks a unique name collision. It also matches ErrConstraintViolation.
	ErrDuplicateName = fmt.Errorf("%w: duplicate name", ErrConstraintViolation)
	// ErrInactiveRole rejects assignments to a role that is switched off.
	ErrInactiveRole = errors.New("role is inactive")
	// ErrInactiveUser rejects role changes on a deactivated account.
	ErrInactiveUser = errors.New("user is inactive")
	// ErrSystemRole protects built-in roles from deletion.
	ErrSystemRole = fmt.Errorf("%w: system role cannot be deleted", ErrConstraintViolation)
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates the account is temporarily locked after repeated failures.
	ErrAccountLocked = errors.New("account locked")
	// ErrUnauthorized indicates a missing or rejected bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller lacks the required permission.
	ErrForbidden = errors.New("forbidden")
)

// Invalid wraps a message as ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
