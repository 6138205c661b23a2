package ws

import "errors"

// Domain errors for the ws package.
var (
	// ErrNotConnected is returned by Client.Call when no connection is up.
	ErrNotConnected = errors.New("ws: not connected")

	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("ws: request timed out")

	// ErrClosed is returned for calls pending when the connection closed,
	// and by Start after Stop.
	ErrClosed = errors.New("ws: connection closed")

	// ErrServerRunning is returned by Server.Start when already started.
	ErrServerRunning = errors.New("ws: server already running")
)
