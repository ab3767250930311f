package session

import "errors"

// Admission errors. These surface synchronously to the caller and are never
// retried automatically; the API layer maps them onto HTTP statuses.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrForbidden            = errors.New("session access denied")
	ErrCapacityExceeded     = errors.New("concurrent session limit reached")
	ErrNoGpuAvailable       = errors.New("no GPUs available")
	ErrAllocationConflict   = errors.New("session allocation conflict")
	ErrPackNotFound         = errors.New("pack not found")
	ErrPackDeprecated       = errors.New("selected pack is deprecated")
	ErrPackExposureMismatch = errors.New("selected pack does not support the requested exposure")
	ErrStartFailed          = errors.New("failed to start session runtime")
)
