package device

import (
	"sync"
	"time"
)

// EventType names a device event.
type EventType string

// Device events.
const (
	EventOnline             EventType = "online"
	EventOffline            EventType = "offline"
	EventAwake              EventType = "awake"
	EventUpdate             EventType = "update"
	EventInput              EventType = "event"
	EventBTHome             EventType = "bthome_event"
	EventBTHomeDeviceUpdate EventType = "bthomedevice_update"
	EventBTHomeSensorUpdate EventType = "bthomesensor_update"
	EventFirmwareUpdate     EventType = "firmware_update"
)

// Event is a state change published by a Device.
//
// Which fields are set depends on Type:
//   - update: Component, Key, Value
//   - event: Component, Name (e.g. "single_push"), Value (event data)
//   - bthome_event: Address, Name, Value
//   - bthomedevice_update: Address, Key, Value
//   - bthomesensor_update: Address, Key (decoded sensor name), Value, Index
//   - firmware_update: Value (available version)
type Event struct {
	Type      EventType
	DeviceID  string
	Component string
	Key       string
	Name      string
	Value     any
	Address   string
	Index     int
	Time      time.Time
}

// Handler receives device events. Handlers run on the goroutine that applied
// the change, after the device lock is released, and must not block.
type Handler func(Event)

// subscribers is a registration list of handlers.
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

func (s *subscribers) clear() {
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

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
