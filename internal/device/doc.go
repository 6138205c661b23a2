// Package device provides the normalised Shelly device model.
//
// Four firmware generations expose incompatible payload shapes: generation 1
// serves flat /status and /settings objects with arrays (relays, rollers,
// lights), generations 2-4 serve Shelly.GetStatus and Shelly.GetConfig keyed
// by component ("switch:0", "cover:0", "sys"). This package folds both into
// one Device holding an ordered set of Components, each an ordered set of
// Properties.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                              Device                              │
//	│                                                                  │
//	│  ┌────────────┐   ┌────────────┐   ┌────────────┐  ┌──────────┐  │
//	│  │  Create /  │   │ ApplyStatus│   │ Component  │  │  BTHome  │  │
//	│  │ FetchUpdate│──▶│ ApplyEvents│──▶│ + Property │  │ sub-maps │  │
//	│  │(handshake) │   │  (pushes)  │   │(capability)│  │          │  │
//	│  └────────────┘   └────────────┘   └────────────┘  └──────────┘  │
//	│        │                                  │                      │
//	└────────│──────────────────────────────────│──────────────────────┘
//	         ▼                                  ▼
//	  Transport (HTTP/RPC, fixture file)   WsClient / Transport commands
//
// # Lifecycle
//
// Create performs the full generation-specific handshake before returning,
// so a *Device is always fully initialised. Destroy stops the poll loop and
// the WebSocket client and detaches all subscribers; it is terminal.
//
// # Events
//
// State changes are published as Event values to subscribers registered
// with Subscribe: online, offline, awake, update, event, bthome_event,
// bthomedevice_update, bthomesensor_update and firmware_update.
//
// # Capabilities
//
// Components of kind switch, light or cover expose command interfaces via
// AsSwitch, AsLight and AsCover. Commands never mutate local state; the
// next push or poll is authoritative.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Mutations of one device
// are serialised; events are dispatched after the device lock is released,
// in the order the mutations happened.
package device
