// Package coiot implements the CoIoT protocol used by generation 1 Shelly
// devices: CoAP over UDP with three vendor options.
//
// Devices multicast status datagrams to 224.0.1.187:5683 with the
// non-standard code 0.30 and path /cit/s, and answer unicast CON GETs for
// /cit/d (the device description) and /cit/s (the current status). A
// status payload is a list of [channel, sensorId, value] datums that only
// make sense against the sensor table of the description, so the server
// caches one description per device and fetches it on demand.
//
// # Architecture
//
//	                 224.0.1.187:5683            unicast (ephemeral port)
//	                        │                            │
//	                        ▼                            ▼
//	               ┌─────────────────┐         ┌──────────────────┐
//	               │ multicast read  │         │  unicast read    │
//	               └────────┬────────┘         └───┬──────────┬───┘
//	                        │      unsolicited     │          │ ACK / response
//	                        └──────────┬───────────┘          ▼
//	                                   ▼                 pending requests
//	                           ┌───────────────┐        (message id, token)
//	                           │    worker     │
//	                           │ serial dedup  │──▶ description cache
//	                           │ datum decode  │
//	                           └───────┬───────┘
//	                                   ▼
//	                              Handler(Update)
//
// # Vendor options
//
//   - 3332 device id, "type#mac#revision"
//   - 3412 validity; even values are tenths of a second, odd values are
//     multiples of four seconds
//   - 3420 serial, bumped by the device whenever a value changes
//
// A datagram whose serial is not newer than the last one seen from the
// same device is discarded, so each change is reported once.
//
// # Thread Safety
//
// Server methods are safe for concurrent use. The Handler is called from a
// single worker goroutine, in delivery order.
package coiot
