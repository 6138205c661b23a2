package mdns

import "errors"

// Domain errors for the mdns package.
var (
	// ErrMalformedPacket is returned when a datagram is not a valid DNS
	// message.
	ErrMalformedPacket = errors.New("mdns: malformed packet")

	// ErrAlreadyStarted is returned by Start on a running Scanner.
	ErrAlreadyStarted = errors.New("mdns: scanner already started")
)
