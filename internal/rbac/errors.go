package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates that the requested template or override does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrStoreUnavailable indicates a transient storage failure.
	ErrStoreUnavailable = errors.New("rbac: store unavailable")
	// ErrTimeout indicates that a storage call exceeded its deadline.
	ErrTimeout = errors.New("rbac: timeout")
	// ErrConflict indicates a write that lost a uniqueness race.
	ErrConflict = errors.New("rbac: conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrSystemRole is returned when deleting a system-protected template.
	ErrSystemRole = errors.New("rbac: system role is protected")
	// ErrConfirmationRequired is returned when a role deletion would reassign users
	// without an explicit confirmation.
	ErrConfirmationRequired = errors.New("rbac: confirmation required")
)

// StoreError wraps a storage failure with the operation that produced it.
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rbac: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the classification sentinel and the cause.
func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "rbac: " + e.Reason
	}
	return fmt.Sprintf("rbac: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConfirmationError reports how many users a role deletion would reassign.
type ConfirmationError struct {
	Role          Role
	AffectedUsers int64
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("rbac: deleting role %s reassigns %d users; confirmation required", e.Role, e.AffectedUsers)
}

func (e *ConfirmationError) Unwrap() error {
	return ErrConfirmationRequired
}

// ClassifyStoreError wraps a raw storage error. Domain sentinels pass through
// untouched so callers can keep matching on ErrNotFound and friends.
func ClassifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrSystemRole, ErrValidation, ErrConfirmationRequired} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var already *StoreError
	if errors.As(err, &already) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StoreError{Op: op, Kind: ErrTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrConflict):
		return &StoreError{Op: op, Kind: ErrConflict, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &StoreError{Op: op, Kind: ErrConflict, Err: err}
	}
	return &StoreError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}

// IsNotFound reports whether err means the template or override is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
