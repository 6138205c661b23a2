package rpc

import "errors"

// Domain errors for the rpc package.
var (
	// ErrUnauthorized is returned when a request is still rejected after
	// credentials were supplied.
	ErrUnauthorized = errors.New("rpc: unauthorized")

	// ErrTransport is returned when the device cannot be reached or the
	// request times out.
	ErrTransport = errors.New("rpc: transport failure")

	// ErrBadResponse is returned when a device answers with an unexpected
	// status code or a body that is not a JSON object.
	ErrBadResponse = errors.New("rpc: malformed response")

	// ErrRemote is returned when a JSON-RPC response carries an error object.
	ErrRemote = errors.New("rpc: remote error")
)
