package coiot

import "errors"

// Domain errors for the coiot package.
var (
	// ErrInvalidMessage is returned when a datagram is not a valid CoAP
	// message.
	ErrInvalidMessage = errors.New("coiot: invalid message")

	// ErrInvalidOption is returned when an option header or a vendor
	// option value is malformed.
	ErrInvalidOption = errors.New("coiot: invalid option")

	// ErrInvalidPayload is returned when a /cit/d or /cit/s payload is not
	// the expected JSON document.
	ErrInvalidPayload = errors.New("coiot: invalid payload")

	// ErrTimeout is returned when a unicast request gets no response.
	ErrTimeout = errors.New("coiot: request timed out")

	// ErrNotListening is returned when a request is made before Start.
	ErrNotListening = errors.New("coiot: server not started")

	// ErrUnknownDevice is returned for operations on unregistered hosts.
	ErrUnknownDevice = errors.New("coiot: unknown device")
)
