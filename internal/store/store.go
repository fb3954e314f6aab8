// Package store holds what the presence and sync-state store backends share.
package store

import (
	"fmt"

	"github.com/google/uuid"
)

// Error is returned by store backends. Its code has the form "operation.reason".
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *Error) Code() string {
	return e.code
}

// NewError builds an Error for operation and reason wrapping cause.
func NewError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues presence record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
