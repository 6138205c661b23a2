// Package mirror publishes registry events to MQTT and turns MQTT command
// messages into device capability calls.
//
// # Topics
//
// Under the configured prefix (see mqtt.Topics):
//
//	state/<device>/<component>    retained component state, on add and update
//	availability/<device>         retained online/offline, on add and transitions
//	event/<device>                input, BTHome and firmware events
//	command/<device>/<component>  inbound commands
//	ack/<device>                  command results
//
// Removing a device clears its retained topics.
//
// # Commands
//
//	{"id": "c1", "command": "on"}
//	{"id": "c2", "command": "position", "parameters": {"position": 5000}}
//	{"id": "c3", "command": "level", "parameters": {"level": 128}}
//
// Commands: on, off, toggle, open, close, stop, position, level, rgb
// (parameters r, g, b) and color_temp (parameter mireds). Every command is
// answered with an acknowledgement carrying the command id.
//
// # Thread Safety
//
// Handle only enqueues; a single worker publishes in delivery order, so the
// registry's transport goroutines never wait on the broker.
package mirror
