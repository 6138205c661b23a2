package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shelly-core/internal/coiot"
	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/mdns"
	"github.com/nerrad567/shelly-core/internal/rpc"
	"github.com/nerrad567/shelly-core/internal/store"
	"github.com/nerrad567/shelly-core/internal/ws"
)

const (
	fixtureGen1 = "../device/testdata/gen1_shellyswitch25.json"
	fixtureGen2 = "../device/testdata/gen2_shellyplus1pm.json"

	idGen1 = "shellyswitch25-C45BBE6B2A1F"
	idGen2 = "shellyplus1pm-441793D69718"
)

// hostTransport serves handshakes for a set of hosts from fixture files.
type hostTransport struct {
	mu    sync.Mutex
	hosts map[string]string
	fail  bool
}

func newHostTransport(hosts map[string]string) *hostTransport {
	return &hostTransport{hosts: hosts}
}

func (h *hostTransport) set(host, fixture string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts[host] = fixture
}

func (h *hostTransport) setFail(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = fail
}

func (h *hostTransport) payloads(host string) (map[string]map[string]any, error) {
	h.mu.Lock()
	path, ok := h.hosts[host]
	fail := h.fail
	h.mu.Unlock()
	if fail || !ok {
		return nil, fmt.Errorf("dial %s: connection refused", host)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx map[string]map[string]any
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, err
	}
	return fx, nil
}

func (h *hostTransport) Get(_ context.Context, host, path string, _ url.Values) (map[string]any, error) {
	fx, err := h.payloads(host)
	if err != nil {
		return nil, err
	}
	switch path {
	case "/shelly":
		return fx["shelly"], nil
	case "/status":
		return fx["status"], nil
	case "/settings":
		return fx["settings"], nil
	}
	return map[string]any{}, nil
}

func (h *hostTransport) Call(_ context.Context, host, method string, _ map[string]any) (map[string]any, error) {
	fx, err := h.payloads(host)
	if err != nil {
		return nil, err
	}
	switch method {
	case rpc.MethodGetDeviceInfo:
		return fx["shelly"], nil
	case rpc.MethodGetStatus:
		return fx["status"], nil
	case rpc.MethodGetConfig:
		return fx["settings"], nil
	}
	return map[string]any{}, nil
}

// fakeWsClient records its lifecycle.
type fakeWsClient struct {
	host     string
	mu       sync.Mutex
	started  int
	stopped  bool
	dispatch ws.Dispatcher
}

func (f *fakeWsClient) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeWsClient) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeWsClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started > 0 && !f.stopped
}

func (f *fakeWsClient) Call(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeWsClient) state() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

// wsClients collects every client the registry builds.
type wsClients struct {
	mu      sync.Mutex
	clients []*fakeWsClient
}

func (w *wsClients) factory(d *device.Device, dispatch ws.Dispatcher) device.WsClient {
	c := &fakeWsClient{host: d.Host(), dispatch: dispatch}
	w.mu.Lock()
	w.clients = append(w.clients, c)
	w.mu.Unlock()
	return c
}

func (w *wsClients) all() []*fakeWsClient {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*fakeWsClient(nil), w.clients...)
}

// memStore is an in-memory store.Repository.
type memStore struct {
	mu   sync.Mutex
	rows map[string]store.KnownDevice
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]store.KnownDevice)}
}

func (m *memStore) Upsert(_ context.Context, d store.KnownDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[d.ID] = d
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*store.KnownDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (m *memStore) List(_ context.Context) ([]store.KnownDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.KnownDevice, 0, len(m.rows))
	for _, d := range m.rows {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// eventLog records registry events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) changes(kind device.EventType) []device.Event {
	var out []device.Event
	for _, ev := range l.ofType(EventDevice) {
		if ev.Change.Type == kind {
			out = append(out, ev.Change)
		}
	}
	return out
}

type testEnv struct {
	reg       *Registry
	transport *hostTransport
	ws        *wsClients
	store     *memStore
	events    *eventLog
	dataPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		transport: newHostTransport(map[string]string{
			"192.0.2.10": fixtureGen1,
			"192.0.2.20": fixtureGen2,
		}),
		ws:       &wsClients{},
		store:    newMemStore(),
		events:   &eventLog{},
		dataPath: t.TempDir(),
	}
	env.reg = env.newRegistry()
	t.Cleanup(env.reg.Stop)
	return env
}

func (env *testEnv) newRegistry() *Registry {
	r := New(Options{
		DataPath:       env.dataPath,
		PollInterval:   time.Hour,
		RequestTimeout: 5 * time.Second,
		Store:          env.store,
		Transport:      env.transport,
		NewWsClient:    env.ws.factory,
	})
	r.Subscribe(env.events.handle)
	return r
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddDevice_Fixture(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.reg.AddDevice(ctx, fixtureGen2)
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if d.ID() != idGen2 {
		t.Errorf("ID() = %q, want %q", d.ID(), idGen2)
	}
	if got := env.reg.Device("ShellyPlus1PM-441793d69718"); got != d {
		t.Error("Device() with vendor spelling did not resolve")
	}
	if got := env.reg.DeviceByHost(fixtureGen2); got != d {
		t.Error("DeviceByHost() did not resolve the fixture path")
	}

	again, err := env.reg.AddDevice(ctx, fixtureGen2)
	if err != nil || again != d {
		t.Errorf("second AddDevice() = %v, %v, want the same device", again, err)
	}
	if n := len(env.events.ofType(EventAdd)); n != 1 {
		t.Errorf("add events = %d, want 1", n)
	}

	if len(env.ws.all()) != 0 {
		t.Error("fixture device built a websocket client")
	}
	if rows, _ := env.store.List(ctx); len(rows) != 0 {
		t.Errorf("fixture device stored: %+v", rows)
	}
}

func TestAddDevice_NetworkHost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.reg.AddDevice(ctx, "192.0.2.20")
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if !d.Online() || d.Cached() {
		t.Errorf("Online() = %v, Cached() = %v", d.Online(), d.Cached())
	}

	row, err := env.store.Get(ctx, idGen2)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if row.Host != "192.0.2.20" || row.Gen != 2 {
		t.Errorf("stored row = %+v", row)
	}
	if _, err := os.Stat(device.SnapshotPath(env.dataPath, idGen2)); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}

	waitFor(t, "websocket client start", func() bool {
		clients := env.ws.all()
		if len(clients) != 1 {
			return false
		}
		started, _ := clients[0].state()
		return started > 0
	})
	if got := env.ws.all()[0].host; got != "192.0.2.20" {
		t.Errorf("websocket client host = %q", got)
	}
}

func TestAddDevice_NotShelly(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.AddDevice(context.Background(), "192.0.2.99")
	if !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("AddDevice() error = %v, want device.ErrNotFound", err)
	}
	if env.reg.Len() != 0 {
		t.Error("failed handshake registered a device")
	}
}

func TestRemoveDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.reg.AddDevice(ctx, "192.0.2.20")
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := env.reg.RemoveDevice(d.ID()); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	if env.reg.Device(idGen2) != nil || env.reg.DeviceByHost("192.0.2.20") != nil {
		t.Error("device still registered")
	}
	if _, err := env.store.Get(ctx, idGen2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store row after remove: err = %v", err)
	}
	if _, err := os.Stat(device.SnapshotPath(env.dataPath, idGen2)); err != nil {
		t.Errorf("snapshot removed with device: %v", err)
	}
	// The client is attached in the background and may still be starting.
	waitFor(t, "websocket clients stopped", func() bool {
		for _, c := range env.ws.all() {
			if _, stopped := c.state(); !stopped {
				return false
			}
		}
		return true
	})
	if removed := env.events.ofType(EventRemove); len(removed) != 1 || removed[0].DeviceID != idGen2 {
		t.Errorf("remove events = %+v", removed)
	}

	if err := env.reg.RemoveDevice(idGen2); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second RemoveDevice() error = %v, want ErrUnknownDevice", err)
	}
}

func TestRelocate_RemovedDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.reg.AddDevice(ctx, "192.0.2.20")
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := env.reg.RemoveDevice(d.ID()); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	// Discovery looked the device up before it was removed.
	env.reg.relocate(d, "192.0.2.21")

	if got := env.reg.DeviceByHost("192.0.2.21"); got != nil {
		t.Errorf("DeviceByHost() = %v for a removed device", got.ID())
	}
	env.transport.set("192.0.2.21", fixtureGen2)
	added, err := env.reg.AddDevice(ctx, "192.0.2.21")
	if err != nil {
		t.Fatalf("AddDevice() after stale relocate error = %v", err)
	}
	if added == d {
		t.Error("AddDevice() returned the removed device")
	}
}

func TestLookups_StaleHostIndex(t *testing.T) {
	env := newTestEnv(t)
	env.reg.mu.Lock()
	env.reg.hosts["192.0.2.99"] = "shellyplus1-000000000000"
	env.reg.mu.Unlock()

	if env.reg.DeviceByHost("192.0.2.99") != nil {
		t.Error("DeviceByHost() resolved a stale host entry")
	}
	if _, err := env.reg.AddDevice(context.Background(), "192.0.2.99"); err == nil {
		t.Error("AddDevice() expected handshake error for unknown host")
	}
}

func TestDispatchWs(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.reg.AddDevice(context.Background(), "192.0.2.20")
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	sw, ok := d.Component("switch:0")
	if !ok {
		t.Fatal("switch:0 missing")
	}
	want := sw.GetValue("output") != true

	known := env.reg.dispatchWs(ws.Notification{
		Kind:   ws.KindUpdate,
		Src:    "shellyplus1pm-441793d69718",
		Method: "NotifyStatus",
		Status: map[string]any{"switch:0": map[string]any{"output": want}},
	})
	if !known {
		t.Fatal("dispatchWs() = false for a registered src")
	}
	updates := env.events.changes(device.EventUpdate)
	if len(updates) != 1 || updates[0].Component != "switch:0" || updates[0].Key != "output" || updates[0].Value != want {
		t.Errorf("update events = %+v", updates)
	}

	env.reg.dispatchWs(ws.Notification{
		Kind:   ws.KindEvent,
		Src:    "shellyplus1pm-441793d69718",
		Method: "NotifyEvent",
		Events: []rpc.Event{{Component: "input:0", ID: 0, Event: "single_push"}},
	})
	if inputs := env.events.changes(device.EventInput); len(inputs) != 1 || inputs[0].Name != "single_push" {
		t.Errorf("input events = %+v", inputs)
	}

	if env.reg.dispatchWs(ws.Notification{Kind: ws.KindUpdate, Src: "shellypro4pm-000000000000"}) {
		t.Error("dispatchWs() = true for an unknown src")
	}
}

func TestHandleCoIoT(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.reg.AddDevice(context.Background(), "192.0.2.10")
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	relay, ok := d.Component("relay:0")
	if !ok {
		t.Fatal("relay:0 missing")
	}
	want := relay.GetValue("ison") != true

	env.reg.handleCoIoT(coiot.Update{
		Host:     "192.0.2.10",
		DeviceID: d.ID(),
		Status:   map[string]any{"relay:0": map[string]any{"ison": want}},
	})
	if got := relay.GetValue("ison"); got != want {
		t.Errorf("relay:0 ison = %v, want %v", got, want)
	}

	// Unknown ids are dropped
	env.reg.handleCoIoT(coiot.Update{DeviceID: "shelly1-AABBCC", Status: map[string]any{}})
}

func TestHandleUnknownCoIoT_AddsDevice(t *testing.T) {
	env := newTestEnv(t)

	env.reg.handleUnknownCoIoT("192.0.2.10", coiot.DeviceID{Type: "SHSW-25", MAC: "C45BBE6B2A1F"})

	waitFor(t, "gen 1 device added", func() bool { return env.reg.Device(idGen1) != nil })
	disc := env.events.ofType(EventDiscovered)
	if len(disc) != 1 || disc[0].DeviceID != idGen1 || disc[0].Gen != 1 || disc[0].Device != nil {
		t.Errorf("discovered events = %+v", disc)
	}
}

func TestHandleDiscovery(t *testing.T) {
	env := newTestEnv(t)

	env.reg.handleDiscovery(mdns.Discovery{ID: "shellyplus1pm-441793d69718", Host: "192.0.2.20", Port: 80, Gen: 2})
	waitFor(t, "discovered device added", func() bool { return env.reg.Device(idGen2) != nil })

	// Same device at a new address
	env.transport.set("192.0.2.21", fixtureGen2)
	env.reg.handleDiscovery(mdns.Discovery{ID: "ShellyPlus1PM-441793D69718", Host: "192.0.2.21", Port: 80, Gen: 2})

	d := env.reg.Device(idGen2)
	if d.Host() != "192.0.2.21" {
		t.Errorf("Host() = %q after rediscovery", d.Host())
	}
	if env.reg.DeviceByHost("192.0.2.20") != nil || env.reg.DeviceByHost("192.0.2.21") != d {
		t.Error("host index not moved")
	}
	if n := len(env.events.ofType(EventAdd)); n != 1 {
		t.Errorf("add events = %d, want 1", n)
	}
	waitFor(t, "stored host update", func() bool {
		row, err := env.store.Get(context.Background(), idGen2)
		return err == nil && row.Host == "192.0.2.21"
	})
}

func TestHandleDiscovery_Port(t *testing.T) {
	env := newTestEnv(t)
	env.transport.set("192.0.2.30:8080", fixtureGen2)

	env.reg.handleDiscovery(mdns.Discovery{ID: "shellyplus1pm-441793d69718", Host: "192.0.2.30", Port: 8080, Gen: 2})
	waitFor(t, "device added", func() bool { return env.reg.DeviceByHost("192.0.2.30:8080") != nil })
}

func TestLoadKnownDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.reg.AddDevice(ctx, "192.0.2.20"); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	env.reg.Stop()

	env.transport.setFail(true)
	env.events = &eventLog{}
	reg := env.newRegistry()
	defer reg.Stop()

	if err := reg.LoadKnownDevices(ctx); err != nil {
		t.Fatalf("LoadKnownDevices() error = %v", err)
	}
	d := reg.Device(idGen2)
	if d == nil {
		t.Fatal("known device not restored")
	}
	if !d.Cached() || d.Online() {
		t.Errorf("Cached() = %v, Online() = %v, want cached and offline", d.Cached(), d.Online())
	}
	if d.Host() != "192.0.2.20" {
		t.Errorf("Host() = %q", d.Host())
	}

	env.transport.setFail(false)
	if err := d.FetchUpdate(ctx); err != nil {
		t.Fatalf("FetchUpdate() error = %v", err)
	}
	if d.Cached() || !d.Online() {
		t.Error("device still cached after a successful fetch")
	}
	if online := env.events.changes(device.EventOnline); len(online) != 1 {
		t.Errorf("online events = %d, want 1", len(online))
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.reg.AddDevice(ctx, "192.0.2.20"); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	env.reg.Stop()
	env.reg.Stop()

	if env.reg.Len() != 0 {
		t.Errorf("Len() = %d after Stop", env.reg.Len())
	}
	for _, c := range env.ws.all() {
		if _, stopped := c.state(); !stopped {
			t.Error("websocket client not stopped")
		}
	}
	if _, err := env.reg.AddDevice(ctx, "192.0.2.10"); !errors.Is(err, ErrStopped) {
		t.Errorf("AddDevice() after Stop error = %v, want ErrStopped", err)
	}
	if err := env.reg.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestSubscribe_PanicRecovered(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Subscribe(func(Event) { panic("boom") })
	unsubscribe := env.reg.Subscribe(func(Event) { t.Error("removed handler called") })
	unsubscribe()

	if _, err := env.reg.AddDevice(context.Background(), fixtureGen1); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if n := len(env.events.ofType(EventAdd)); n != 1 {
		t.Errorf("add events = %d, want 1", n)
	}
}

func TestDevices_Sorted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, host := range []string{fixtureGen2, fixtureGen1} {
		if _, err := env.reg.AddDevice(ctx, host); err != nil {
			t.Fatalf("AddDevice(%s) error = %v", host, err)
		}
	}
	got := env.reg.Devices()
	if len(got) != 2 || got[0].ID() != idGen2 || got[1].ID() != idGen1 {
		ids := make([]string, 0, len(got))
		for _, d := range got {
			ids = append(ids, d.ID())
		}
		t.Errorf("Devices() = %v", ids)
	}
}
