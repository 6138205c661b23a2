package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, registry.ErrUnknownDevice) {
//	    // no device with that id
//	}
var (
	// ErrUnknownDevice is returned when no device has the requested id.
	ErrUnknownDevice = errors.New("registry: unknown device")

	// ErrAddInProgress is returned when the same host is already being
	// added by another goroutine.
	ErrAddInProgress = errors.New("registry: add already in progress")

	// ErrAlreadyStarted is returned by Start on a running registry.
	ErrAlreadyStarted = errors.New("registry: already started")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("registry: stopped")
)
