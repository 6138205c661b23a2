// Package ws carries Shelly JSON-RPC over WebSocket in both directions.
//
// Gen 2+ devices can open an outbound websocket toward us (configured under
// their "ws" component); Server accepts those connections, decodes
// NotifyStatus, NotifyFullStatus and NotifyEvent frames and hands them to a
// Dispatcher, which resolves the device by the frame's "src" claim.
//
// Client is the opposite direction: one persistent ws://<host>/rpc
// connection per device, used for commands and as a fallback push channel.
// Requests are correlated with responses by id, each with its own timeout.
// A 401 error response carrying a digest challenge is answered by resending
// the request once with an auth object.
//
// # Wire format
//
//	request:      {"id":1,"src":"shellycore-…","method":"Switch.Set","params":{"id":0,"on":true}}
//	response:     {"id":1,"src":"shellyplus1-…","dst":"shellycore-…","result":{…}}
//	notification: {"src":"shellyplus1-…","dst":"…","method":"NotifyStatus","params":{"ts":…,"switch:0":{…}}}
//
// # Thread Safety
//
// Server and Client are safe for concurrent use. Writes to a connection are
// serialised; the Dispatcher runs on the connection's read goroutine.
package ws
