package mirror

import (
	"time"

	"github.com/nerrad567/shelly-core/internal/device"
)

// Availability values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// AvailabilityMessage is published retained on the availability topic.
type AvailabilityMessage struct {
	Status    string    `json:"status"`
	Cached    bool      `json:"cached,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMessage is published retained on a component state topic.
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Component string         `json:"component"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name,omitempty"`
	State     map[string]any `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventMessage is published on the event topic.
type EventMessage struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Component string    `json:"component,omitempty"`
	Name      string    `json:"name,omitempty"`
	Key       string    `json:"key,omitempty"`
	Value     any       `json:"value,omitempty"`
	Address   string    `json:"address,omitempty"`
	Index     int       `json:"index,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandMessage is received on a command topic.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	// Command is the command name, e.g. "on" or "position".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"position": 5000} for position
	//   {"level": 128} for level
	//   {"r": 255, "g": 0, "b": 0} for rgb
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage answers a CommandMessage on the ack topic.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Component string    `json:"component"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// availability builds the availability message of d.
func availability(d *device.Device, now time.Time) AvailabilityMessage {
	status := StatusOffline
	if d.Online() {
		status = StatusOnline
	}
	return AvailabilityMessage{Status: status, Cached: d.Cached(), Timestamp: now.UTC()}
}

// state builds the state message of one component.
func state(deviceID string, c *device.Component, now time.Time) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Component: c.ID(),
		Kind:      string(c.Kind()),
		Name:      c.Name(),
		State:     c.Snapshot(),
		Timestamp: now.UTC(),
	}
}

// event builds the event message of a device change.
func event(ev device.Event) EventMessage {
	return EventMessage{
		Type:      string(ev.Type),
		DeviceID:  ev.DeviceID,
		Component: ev.Component,
		Name:      ev.Name,
		Key:       ev.Key,
		Value:     ev.Value,
		Address:   ev.Address,
		Index:     ev.Index,
		Timestamp: ev.Time.UTC(),
	}
}
