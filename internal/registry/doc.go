// Package registry owns the Shelly device collection and the transports
// that keep it in sync.
//
// A Registry holds one instance of each transport: the mDNS scanner for
// discovery, the CoIoT server for gen 1 pushes and the inbound WebSocket
// server for gen 2+ pushes. Every transport event is routed to the device
// it belongs to, and device changes are re-emitted to subscribers together
// with the registry's own lifecycle events.
//
// # Lifecycle
//
//	reg := registry.New(registry.Options{
//	    Credentials: auth.Credentials{Username: "admin", Password: pw},
//	    DataPath:    "./data/devices",
//	    EnableMDNS:  true,
//	    EnableCoIoT: true,
//	    Store:       store.NewSQLiteRepository(db.DB),
//	})
//	reg.Subscribe(func(ev registry.Event) { ... })
//	if err := reg.Start(ctx); err != nil { ... }
//	defer reg.Stop()
//
// Start reloads previously seen devices from their snapshots as cached,
// offline devices and refreshes them in the background. Stop destroys every
// device and stops every transport; it is terminal.
//
// # Events
//
// Subscribers receive discovered, add and remove events from the registry
// and one device event for every change a device publishes. Handlers run on
// the transport goroutine that produced the change and must not block.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The device map is guarded by an
// RWMutex; device mutations are serialised by each device.
package registry
