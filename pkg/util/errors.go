package util

import "errors"

// Sentinel errors shared across the stack. Radio-side errors distinguish
// transient conditions (retried with a fixed delay) from SIM-state errors
// (no blind retry; wait for the SIM-state-changed signal).
var (
	ErrNotFound             = errors.New("resource not found")
	ErrAlreadyExists        = errors.New("resource already exists")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrNetworkNotReady      = errors.New("network not ready")
	ErrInvalidSIMState      = errors.New("invalid SIM state")
	ErrInactiveSubscription = errors.New("inactive subscription")
	ErrUnsupported          = errors.New("operation not supported")
	ErrValidationFailed     = errors.New("validation failed")
)

// IsTransientRadioError reports whether a radio command failure should be
// retried on a fixed delay rather than surfaced or deferred.
func IsTransientRadioError(err error) bool {
	return errors.Is(err, ErrNetworkNotReady)
}

// IsSIMStateError reports whether a radio command failure must wait for an
// external SIM-state-changed signal instead of being retried.
func IsSIMStateError(err error) bool {
	return errors.Is(err, ErrInvalidSIMState)
}
