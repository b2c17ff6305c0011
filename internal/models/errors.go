package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")

	ErrEmptyAudience      = fmt.Errorf("%w: audience resolved to no recipients", ErrInvalidState)
	ErrNoFailedRecipients = fmt.Errorf("%w: no failed recipients to resend", ErrInvalidState)
)

// StateError is a guard violation: the operation is not allowed in the current status.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s announcement in status %s", e.Op, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ValidationError rejects malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
