package mirror

import "errors"

// Domain errors for the mirror package.
var (
	// ErrUnknownDevice is returned for commands to an unregistered device.
	ErrUnknownDevice = errors.New("mirror: unknown device")

	// ErrUnknownComponent is returned for commands to a missing component.
	ErrUnknownComponent = errors.New("mirror: unknown component")

	// ErrUnsupportedCommand is returned when the component lacks the
	// capability the command needs.
	ErrUnsupportedCommand = errors.New("mirror: unsupported command")

	// ErrInvalidCommand is returned for undecodable commands and missing or
	// malformed parameters.
	ErrInvalidCommand = errors.New("mirror: invalid command")

	// ErrNotRunning is returned by Start after Stop.
	ErrNotRunning = errors.New("mirror: not running")
)
