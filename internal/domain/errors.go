package domain

import "errors"

// Sentinel errors, matched with errors.Is. Stores and services wrap these
// with context; handleError maps them onto HTTP status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStreamActive indicates a completion stream is already running for the
	// conversation. The client must wait or interrupt before starting another.
	ErrStreamActive = errors.New("stream already active for conversation")
)
