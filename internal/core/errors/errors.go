// Package errors defines custom error types for the ephemport listener core.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// DomainError represents errors in the domain logic
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code, so wrapped
// errors created by NewDomainError match their sentinel.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Lifecycle and listener errors
var (
	ErrBindFailed = &DomainError{
		Code:    "BIND_FAILED",
		Message: "failed to bind listener",
	}

	ErrCloseFailed = &DomainError{
		Code:    "CLOSE_FAILED",
		Message: "failed to close listener",
	}

	ErrAcceptFailed = &DomainError{
		Code:    "ACCEPT_FAILED",
		Message: "failed to accept connection",
	}

	ErrAlreadyRunning = &DomainError{
		Code:    "ALREADY_RUNNING",
		Message: "listener is already running",
	}

	ErrNotRunning = &DomainError{
		Code:    "NOT_RUNNING",
		Message: "listener is not running",
	}

	ErrInvalidConfiguration = &DomainError{
		Code:    "INVALID_CONFIGURATION",
		Message: "configuration is invalid",
	}
)

// NewDomainError creates a new domain error with context
func NewDomainError(base *DomainError, err error) error {
	return &DomainError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// IsListenerClosed reports whether err is the accept failure produced by
// closing the listener. That failure terminates an accept loop normally.
func IsListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
