package ephemport

import (
	"errors"

	coreerrors "github.com/sufield/ephemport/internal/core/errors"
)

// Sentinel errors for stable programmatic error handling.
// These errors can be used with errors.Is() for reliable error detection.
var (
	// ErrAlreadyRunning is returned by Start when the listener is already bound.
	ErrAlreadyRunning = coreerrors.ErrAlreadyRunning

	// ErrNotRunning is returned by Stop when no listener is bound.
	ErrNotRunning = coreerrors.ErrNotRunning

	// ErrBindFailed wraps the operating system error when the listener cannot bind.
	ErrBindFailed = coreerrors.ErrBindFailed

	// ErrCloseFailed wraps the error returned when closing the listener fails.
	ErrCloseFailed = coreerrors.ErrCloseFailed

	// ErrAcceptFailed is reported through Stats().LastError when the accept
	// loop gives up after repeated unexpected errors.
	ErrAcceptFailed = coreerrors.ErrAcceptFailed

	// ErrConfigInvalid indicates that the provided configuration is invalid.
	ErrConfigInvalid = coreerrors.ErrInvalidConfiguration

	// ErrServerClosed is returned by Start after Close.
	ErrServerClosed = errors.New("server closed")
)
