package registry

import (
	"sync"

	"github.com/nerrad567/shelly-core/internal/device"
)

// EventType names a registry event.
type EventType string

// Registry events.
const (
	// EventDiscovered is emitted for every device reported by a discovery
	// transport, known or not.
	EventDiscovered EventType = "discovered"

	// EventAdd is emitted once a device joined the collection.
	EventAdd EventType = "add"

	// EventRemove is emitted after a device left the collection and was
	// destroyed.
	EventRemove EventType = "remove"

	// EventDevice wraps a change published by a device.
	EventDevice EventType = "device"
)

// Event is published to registry subscribers.
//
// Device is nil for discovered events of devices not yet added. Change is
// only set for EventDevice.
type Event struct {
	Type     EventType
	DeviceID string
	Host     string
	Gen      int
	Device   *device.Device
	Change   device.Event
}

// Handler receives registry events.
type Handler func(Event)

// subscribers is the registration list of registry handlers.
type subscribers struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// snapshot returns the handlers in registration order.
func (s *subscribers) snapshot() []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handler, 0, len(s.handlers))
	for i := 0; i < s.next; i++ {
		if h, ok := s.handlers[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

// emit delivers ev to every subscriber, recovering handler panics.
func (r *Registry) emit(ev Event) {
	for _, h := range r.subs.snapshot() {
		r.safeCall(h, ev)
	}
}

func (r *Registry) safeCall(h Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry handler panic recovered",
				"event", string(ev.Type),
				"device_id", ev.DeviceID,
				"panic", p,
			)
		}
	}()
	h(ev)
}

// deviceEvent builds the registry event for one of d's changes.
func deviceEvent(d *device.Device, ch device.Event) Event {
	return Event{
		Type:     EventDevice,
		DeviceID: d.ID(),
		Host:     d.Host(),
		Gen:      int(d.Generation()),
		Device:   d,
		Change:   ch,
	}
}

// lifecycleEvent builds an add or remove event.
func lifecycleEvent(t EventType, d *device.Device) Event {
	return Event{
		Type:     t,
		DeviceID: d.ID(),
		Host:     d.Host(),
		Gen:      int(d.Generation()),
		Device:   d,
	}
}
