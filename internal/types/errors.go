package types

import "errors"

// Sentinel errors for the stop-loss service.
var (
	// Boundary errors
	ErrInvalidArgument = errors.New("invalid argument")

	// Local state errors; a violation means a fill was applied twice.
	ErrInvariantViolation = errors.New("invariant violation")

	// Venue errors
	ErrTransport          = errors.New("venue transport error")
	ErrUnknownVenueStatus = errors.New("unknown venue status")
	ErrCancelTimeout      = errors.New("cancel wait timed out")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
