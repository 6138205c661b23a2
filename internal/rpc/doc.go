// Package rpc implements the request side of the Shelly device APIs.
//
// Two wire styles exist:
//
//   - Generation 1: flat HTTP GET endpoints (/shelly, /status, /settings,
//     /relay/0?turn=on, ...) returning JSON objects, protected by HTTP Basic.
//   - Generation 2+: JSON-RPC 2.0 over POST /rpc (and over WebSocket, see
//     package ws), protected by a digest challenge.
//
// Envelope types shared with the WebSocket transport live in envelope.go.
// Client wraps net/http with per-request timeouts and the authentication
// retry dance; it never retries more than once per request.
package rpc
