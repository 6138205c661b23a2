// Package api implements the local HTTP API and event WebSocket of Shelly Core.
//
// This package provides:
//   - REST endpoints to list, add, refresh and remove devices
//   - Component state reads and capability commands (on, off, position, ...)
//   - A WebSocket hub that streams registry events to subscribed clients
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for deployments outside a trusted network
//
// # Architecture
//
// The server is a thin view over registry.Registry. Reads never touch the
// network: they serialise the normalised component model the registry keeps
// current. Commands run synchronously against the device and report the
// device error, if any, as a 4xx/5xx response.
//
// # WebSocket
//
// Clients connect to /api/v1/ws and subscribe to channels:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["device.state_changed"]}}
//
// The channel "*" receives every event.
//
// # Security
//
// There is no user authentication. Bind the server to a loopback or
// otherwise trusted address.
package api
