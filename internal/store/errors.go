package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps failures of the durable store during ingestion.
	// Callers surface it to the inbound handler instead of swallowing it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDuplicateMessage is returned by Append when the tenant already has a
	// message with the same provider message id.
	ErrDuplicateMessage = errors.New("duplicate provider message id")

	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid pending response transition")
)
