package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/shelly-core/internal/registry"
	"github.com/nerrad567/shelly-core/internal/rpc"
)

const (
	fixtureGen1 = "../device/testdata/gen1_shellyswitch25.json"
	fixtureGen2 = "../device/testdata/gen2_shellyplus1pm.json"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakePublisher records publications and subscriptions.
type fakePublisher struct {
	mu         sync.Mutex
	messages   []published
	handlers   map[string]mqtt.MessageHandler
	subErr     error
	unsubbed   []string
	publishErr error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakePublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers[topic] = h
	return nil
}

func (f *fakePublisher) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubbed = append(f.unsubbed, topic)
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func (f *fakePublisher) on(topic string) []published {
	var out []published
	for _, m := range f.all() {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePublisher) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

// recordingTransport serves the handshake from a fixture and records
// command requests.
type recordingTransport struct {
	fixture string

	mu    sync.Mutex
	calls []string
}

func (r *recordingTransport) load(key string) (map[string]any, error) {
	data, err := os.ReadFile(r.fixture)
	if err != nil {
		return nil, err
	}
	var fx map[string]map[string]any
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, err
	}
	return fx[key], nil
}

func (r *recordingTransport) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recordingTransport) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingTransport) Get(_ context.Context, _, path string, query url.Values) (map[string]any, error) {
	switch path {
	case "/shelly", "/status", "/settings":
		return r.load(strings.TrimPrefix(path, "/"))
	}
	r.record(path + "?" + query.Encode())
	return map[string]any{}, nil
}

func (r *recordingTransport) Call(_ context.Context, _, method string, params map[string]any) (map[string]any, error) {
	switch method {
	case rpc.MethodGetDeviceInfo:
		return r.load("shelly")
	case rpc.MethodGetStatus:
		return r.load("status")
	case rpc.MethodGetConfig:
		return r.load("settings")
	}
	r.record(fmt.Sprintf("%s %v", method, params))
	return map[string]any{}, nil
}

// newDevice creates an online device served by fixture.
func newDevice(t *testing.T, fixture string) (*device.Device, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{fixture: fixture}
	d, err := device.Create(context.Background(), "192.0.2.50", device.Options{
		Transport: tr,
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("device.Create() error = %v", err)
	}
	t.Cleanup(d.Destroy)
	return d, tr
}

func newMirror(pub Publisher, devices ...*device.Device) *Mirror {
	byID := make(map[string]*device.Device, len(devices))
	for _, d := range devices {
		byID[d.ID()] = d
	}
	return New(pub, Options{
		Topics: mqtt.NewTopics("test"),
		QoS:    1,
		Lookup: func(id string) *device.Device { return byID[device.NormalizeID(id)] },
		Now:    func() time.Time { return fixedNow },
	})
}

func TestProcess_AddPublishesRetainedState(t *testing.T) {
	d, _ := newDevice(t, fixtureGen2)
	pub := newFakePublisher()
	m := newMirror(pub, d)

	m.process(registry.Event{Type: registry.EventAdd, DeviceID: d.ID(), Device: d})

	avail := pub.on("test/availability/" + d.ID())
	if len(avail) != 1 || !avail[0].retained {
		t.Fatalf("availability messages = %+v", avail)
	}
	var a AvailabilityMessage
	if err := json.Unmarshal(avail[0].payload, &a); err != nil {
		t.Fatalf("decoding availability: %v", err)
	}
	if a.Status != StatusOnline || !a.Timestamp.Equal(fixedNow) {
		t.Errorf("availability = %+v", a)
	}

	states := pub.on("test/state/" + d.ID() + "/switch:0")
	if len(states) != 1 || !states[0].retained {
		t.Fatalf("switch:0 state messages = %+v", states)
	}
	var s StateMessage
	if err := json.Unmarshal(states[0].payload, &s); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if s.Component != "switch:0" || s.Kind != string(device.KindSwitch) {
		t.Errorf("state = %+v", s)
	}
	if _, ok := s.State["output"]; !ok {
		t.Errorf("state has no output: %v", s.State)
	}

	if got, want := len(pub.all()), 1+len(d.Components()); got != want {
		t.Errorf("published %d messages, want %d", got, want)
	}
}

func TestProcess_RemoveClearsRetained(t *testing.T) {
	d, _ := newDevice(t, fixtureGen2)
	pub := newFakePublisher()
	m := newMirror(pub, d)

	m.process(registry.Event{Type: registry.EventRemove, DeviceID: d.ID(), Device: d})

	for _, msg := range pub.all() {
		if len(msg.payload) != 0 || !msg.retained {
			t.Errorf("remove published %q on %s, want empty retained", msg.payload, msg.topic)
		}
	}
	if len(pub.on("test/availability/"+d.ID())) != 1 {
		t.Error("availability not cleared")
	}
}

func TestProcess_DeviceChanges(t *testing.T) {
	d, _ := newDevice(t, fixtureGen2)
	pub := newFakePublisher()
	m := newMirror(pub, d)

	change := func(ch device.Event) registry.Event {
		ch.DeviceID = d.ID()
		return registry.Event{Type: registry.EventDevice, DeviceID: d.ID(), Device: d, Change: ch}
	}

	m.process(change(device.Event{Type: device.EventUpdate, Component: "switch:0", Key: "output", Value: true}))
	m.process(change(device.Event{Type: device.EventOffline}))
	m.process(change(device.Event{Type: device.EventInput, Component: "input:0", Name: "single_push", Time: fixedNow}))
	m.process(change(device.Event{Type: device.EventUpdate, Component: "nope:0"}))
	m.process(registry.Event{Type: registry.EventDiscovered, DeviceID: d.ID()})

	if n := len(pub.on("test/state/" + d.ID() + "/switch:0")); n != 1 {
		t.Errorf("state messages = %d, want 1", n)
	}
	if n := len(pub.on("test/availability/" + d.ID())); n != 1 {
		t.Errorf("availability messages = %d, want 1", n)
	}

	events := pub.on("test/event/" + d.ID())
	if len(events) != 1 || events[0].retained {
		t.Fatalf("event messages = %+v", events)
	}
	var e EventMessage
	if err := json.Unmarshal(events[0].payload, &e); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if e.Type != string(device.EventInput) || e.Component != "input:0" || e.Name != "single_push" {
		t.Errorf("event = %+v", e)
	}
	if got := len(pub.all()); got != 3 {
		t.Errorf("published %d messages, want 3", got)
	}
}

func TestStartStop(t *testing.T) {
	d, _ := newDevice(t, fixtureGen2)
	pub := newFakePublisher()
	m := newMirror(pub, d)

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if pub.handler("test/command/+/+") == nil {
		t.Fatal("command topic not subscribed")
	}

	m.Handle(registry.Event{Type: registry.EventAdd, DeviceID: d.ID(), Device: d})
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.on("test/availability/"+d.ID())) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not publish the queued event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
	if len(pub.unsubbed) != 1 {
		t.Errorf("Unsubscribe called %d times, want 1", len(pub.unsubbed))
	}
	if err := m.Start(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Start() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestStart_SubscribeError(t *testing.T) {
	pub := newFakePublisher()
	pub.subErr = mqtt.ErrNotConnected
	m := newMirror(pub)
	if err := m.Start(); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
}

func TestHandle_QueueFull(t *testing.T) {
	pub := newFakePublisher()
	m := New(pub, Options{QueueSize: 1})
	m.Handle(registry.Event{Type: registry.EventAdd})
	m.Handle(registry.Event{Type: registry.EventAdd})
	if len(m.queue) != 1 {
		t.Errorf("queue length = %d, want 1", len(m.queue))
	}
}

func TestResync(t *testing.T) {
	d1, _ := newDevice(t, fixtureGen1)
	d2, _ := newDevice(t, fixtureGen2)
	pub := newFakePublisher()
	m := newMirror(pub, d1, d2)

	m.Resync([]*device.Device{d1, d2})
	want := 2 + len(d1.Components()) + len(d2.Components())
	if got := len(pub.all()); got != want {
		t.Errorf("published %d messages, want %d", got, want)
	}
}
