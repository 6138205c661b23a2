package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves it empty.
const DefaultTopicPrefix = "shellycore"

// Topics builds the Shelly Core topic tree under one prefix:
//
//	<prefix>/state/<device>/<component>     retained component state
//	<prefix>/availability/<device>          retained "online" / "offline"
//	<prefix>/event/<device>                 input, BTHome and firmware events
//	<prefix>/command/<device>/<component>   inbound capability commands
//	<prefix>/ack/<device>                   command acknowledgements
//	<prefix>/system/status                  retained service status and LWT
//
// Component ids keep their "type:index" form ("switch:0"); ':' is legal in
// MQTT topic levels.
type Topics struct {
	Prefix string
}

// NewTopics returns a Topics for prefix, trimming slashes.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) join(parts ...string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/" + strings.Join(parts, "/")
}

// DeviceState returns the retained state topic of one component.
//
// Example: shellycore/state/shellyplus1pm-441793d69718/switch:0
func (t Topics) DeviceState(deviceID, componentID string) string {
	return t.join("state", deviceID, componentID)
}

// Availability returns the retained availability topic of a device.
//
// Example: shellycore/availability/shellyplus1pm-441793d69718
func (t Topics) Availability(deviceID string) string {
	return t.join("availability", deviceID)
}

// Event returns the event topic of a device.
func (t Topics) Event(deviceID string) string {
	return t.join("event", deviceID)
}

// Command returns the command topic of one component.
func (t Topics) Command(deviceID, componentID string) string {
	return t.join("command", deviceID, componentID)
}

// Ack returns the command acknowledgement topic of a device.
func (t Topics) Ack(deviceID string) string {
	return t.join("ack", deviceID)
}

// AllCommands returns the wildcard matching every command topic.
func (t Topics) AllCommands() string {
	return t.join("command", "+", "+")
}

// SystemStatus returns the service status topic.
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// ParseCommand splits a command topic into device and component ids.
func (t Topics) ParseCommand(topic string) (deviceID, componentID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.join("command")+"/")
	if !found {
		return "", "", false
	}
	deviceID, componentID, found = strings.Cut(rest, "/")
	if !found || deviceID == "" || componentID == "" || strings.Contains(componentID, "/") {
		return "", "", false
	}
	return deviceID, componentID, true
}
