package models

import "errors"

// Error kinds returned by the coordinator and session manager. The HTTP
// boundary maps each kind to a status code; everything else wraps one of
// these with errors.Is-compatible context.
var (
	// ErrValidation marks missing or malformed required input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a ride, driver or session id that does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a precondition on current status or
	// assignment that is not met. The losing writer of a concurrent
	// assignment race receives this.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnauthorized marks a caller identity that does not match the
	// ride's rider or the session's assigned party.
	ErrUnauthorized = errors.New("unauthorized")
)
