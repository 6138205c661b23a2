package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // host is not a Shelly device
//	}
var (
	// ErrNotFound is returned by Create when the base /shelly payload is
	// missing.
	ErrNotFound = errors.New("device: not found")

	// ErrHandshake is returned by Create when the status or
	// settings/config payload cannot be fetched.
	ErrHandshake = errors.New("device: handshake failed")

	// ErrInvalidIdentity is returned when a vendor id cannot be split into
	// type and mac.
	ErrInvalidIdentity = errors.New("device: invalid identity")

	// ErrUnsupportedGeneration is returned for a gen value outside 1-4.
	ErrUnsupportedGeneration = errors.New("device: unsupported generation")

	// ErrOutOfRange is returned when a command argument is outside its range.
	ErrOutOfRange = errors.New("device: argument out of range")

	// ErrNotSupported is returned when a component cannot perform a command.
	ErrNotSupported = errors.New("device: command not supported")

	// ErrDestroyed is returned for operations on a destroyed device.
	ErrDestroyed = errors.New("device: destroyed")

	// ErrFixture is returned when a command is sent to a fixture-backed device.
	ErrFixture = errors.New("device: fixture devices do not accept commands")
)
