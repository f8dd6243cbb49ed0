package models

import "errors"

// Error taxonomy shared across the core. Callers classify failures with
// errors.Is; individual call sites wrap these with fmt.Errorf("%w: ...").
var (
	// ErrValidation marks malformed input, rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientData marks analysis attempted below the minimum sample
	// size. The caller must wait and retry; no partial result is produced.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidStateTransition marks an operation attempted against an
	// entity not in the required state. No side effect occurred, so the
	// caller may re-read state and retry.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConflict marks a second active threshold change requested for a
	// service type already under one.
	ErrConflict = errors.New("conflict")

	// ErrExternalWrite marks a failed ConfigurationStore write.
	ErrExternalWrite = errors.New("external write failure")

	// ErrNotFound marks a lookup for an unknown entity ID.
	ErrNotFound = errors.New("not found")
)
