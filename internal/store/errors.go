package store

import "errors"

var (
	// ErrNotFound is returned when no row exists for the requested id.
	ErrNotFound = errors.New("store: device not found")

	// ErrInvalidDevice is returned for rows without an id, host or
	// supported generation.
	ErrInvalidDevice = errors.New("store: invalid device")
)
