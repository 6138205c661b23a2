package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/shelly-core/internal/auth"
)

// Logger defines the logging interface used by devices.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// WsClient is the per-device outbound WebSocket JSON-RPC connection.
// *ws.Client satisfies it.
type WsClient interface {
	// Start connects in the background. Calling Start on a running client
	// is a no-op.
	Start(ctx context.Context) error

	// Stop closes the connection and fails pending calls.
	Stop()

	// IsConnected reports whether the connection is currently up.
	IsConnected() bool

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Defaults.
const (
	// DefaultFetchInterval is the polling interval when none is configured.
	DefaultFetchInterval = 60 * time.Second

	// refreshTimeout bounds the background refresh after a sleepy device wakes.
	refreshTimeout = 30 * time.Second

	// firmwareReannounce is how often a still-pending firmware update is
	// announced again.
	firmwareReannounce = 24 * time.Hour
)

// Options configures device creation.
type Options struct {
	// Transport reaches the device over HTTP/RPC. Ignored for fixture hosts.
	Transport Transport

	// Credentials are remembered for display and for WsClient digest auth.
	Credentials auth.Credentials

	// WsClientFactory builds the outbound WebSocket client for gen 2+
	// devices that do not sleep. Nil disables WsClients.
	WsClientFactory func(*Device) WsClient

	// LocalAddress and WsServerPort describe our WebSocket server so the
	// device's outbound websocket config can be checked.
	LocalAddress string
	WsServerPort int

	// DataPath is where Refresh persists snapshots. Empty disables saving.
	DataPath string

	// FetchInterval for StartPolling. Default: DefaultFetchInterval.
	FetchInterval time.Duration

	// OnAwake runs after a sleepy device woke and was refreshed.
	OnAwake func(*Device)

	// Logger is optional.
	Logger Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Device is one physical Shelly unit with its normalised components.
//
// Thread Safety: All methods are safe for concurrent use. Mutations are
// serialised by applyMu; event handlers run after mu is released but while
// applyMu is still held, so handlers may call getters and must not call
// mutating methods of the same device synchronously.
type Device struct {
	id       string
	identity Identity
	host     string
	gen      Generation
	fixture  bool

	transport Transport
	creds     auth.Credentials
	ws        WsClient
	logger    Logger
	now       func() time.Time
	opts      Options

	// Handshake-derived state, guarded by mu
	name          string
	model         string
	firmware      string
	profile       string
	authRequired  bool
	sleepMode     bool
	online        bool
	cached        bool
	lastSeen      time.Time
	lastFetchedAt time.Time
	fetchInterval time.Duration
	payloads      payloads
	bthome        bthomeMaps

	components map[string]*Component
	order      []string

	fwPending   string
	fwAnnounced time.Time

	mu      sync.RWMutex
	applyMu sync.Mutex
	subs    subscribers

	// Lifecycle
	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once
	pollMu      sync.Mutex
	pollStop    chan struct{}
	wg          sync.WaitGroup
}

// Create builds a device by running the full handshake against host.
// Hosts ending in ".json" are read as fixture files.
//
// Parameters:
//   - ctx: Bounds the handshake requests
//   - host: Device address, or path to a fixture file
//   - opts: Transport, credentials and collaborators
//
// Returns:
//   - *Device: Fully initialised device, online
//   - error: ErrNotFound when the base payload is missing, ErrHandshake when
//     status or settings cannot be fetched
func Create(ctx context.Context, host string, opts Options) (*Device, error) {
	t := opts.Transport
	fixture := IsFixtureHost(host)
	if fixture {
		t = fileTransport{path: host}
	}
	if t == nil {
		return nil, fmt.Errorf("device: no transport for %s", host)
	}

	p, gen, err := fetchPayloads(ctx, t, host)
	if err != nil {
		return nil, err
	}
	ident, err := identityFromBase(gen, p.shelly)
	if err != nil {
		return nil, err
	}

	d := newDevice(ident, host, gen, t, opts)
	d.fixture = fixture

	d.mu.Lock()
	d.applyHandshakeLocked(p)
	now := d.now()
	d.online = true
	d.lastSeen = now
	d.lastFetchedAt = now
	d.mu.Unlock()

	if gen >= Gen2 {
		d.attachWsClient()
		d.checkWsConfig()
	}

	d.logger.Info("device created",
		"device_id", d.id,
		"host", host,
		"gen", int(gen),
		"model", d.model,
		"components", len(d.order),
	)
	return d, nil
}

// LoadCached builds a device from a saved snapshot and addresses it at host.
// The device starts offline and cached until the next successful contact.
func LoadCached(ctx context.Context, snapshotPath, host string, opts Options) (*Device, error) {
	fixtureOpts := opts
	fixtureOpts.WsClientFactory = nil
	d, err := Create(ctx, snapshotPath, fixtureOpts)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.host = host
	d.fixture = IsFixtureHost(host)
	if !d.fixture {
		d.transport = opts.Transport
	}
	d.online = false
	d.cached = true
	d.mu.Unlock()

	d.opts.WsClientFactory = opts.WsClientFactory
	if d.gen >= Gen2 {
		d.attachWsClient()
	}
	return d, nil
}

func newDevice(ident Identity, host string, gen Generation, t Transport, opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.FetchInterval
	if interval <= 0 {
		interval = DefaultFetchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{
		id:            ident.ID,
		identity:      ident,
		host:          host,
		gen:           gen,
		transport:     t,
		creds:         opts.Credentials,
		logger:        logger,
		now:           now,
		opts:          opts,
		fetchInterval: interval,
		components:    make(map[string]*Component),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// attachWsClient builds the WsClient outside mu so the factory may call
// getters.
func (d *Device) attachWsClient() {
	if d.destroyed() {
		return
	}
	d.mu.RLock()
	skip := d.ws != nil || d.sleepMode || d.fixture || d.opts.WsClientFactory == nil
	d.mu.RUnlock()
	if skip {
		return
	}
	c := d.opts.WsClientFactory(d)
	if c == nil {
		return
	}
	// Destroy may have run while the factory did.
	d.mu.Lock()
	if d.ws == nil && !d.destroyed() {
		d.ws, c = c, nil
	}
	d.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (d *Device) checkWsConfig() {
	if d.opts.WsServerPort <= 0 {
		return
	}
	d.mu.RLock()
	settings := d.payloads.settings
	d.mu.RUnlock()
	for _, problem := range wsConfigProblems(settings, d.opts.LocalAddress, d.opts.WsServerPort) {
		d.logger.Warn("device websocket config mismatch", "device_id", d.id, "problem", problem)
	}
}

// applyHandshakeLocked folds a full handshake into the device. Caller holds mu.
func (d *Device) applyHandshakeLocked(p payloads) []Event {
	d.payloads = payloads{
		shelly:   deepCopyMap(p.shelly),
		settings: deepCopyMap(p.settings),
		status:   deepCopyMap(p.status),
	}
	d.model = baseModel(d.gen, p.shelly)
	d.firmware = baseFirmware(d.gen, p.shelly)
	d.authRequired = deriveAuth(d.gen, p.shelly)
	d.sleepMode = deriveSleep(d.gen, p)
	d.profile = deriveProfile(d.gen, p)
	d.name = stringValue(p.shelly["name"])
	if d.gen >= Gen2 {
		d.bthome = buildBTHomeMaps(p.settings)
		if n := stringValue(lookupPath(p.settings, "sys", "device", "name")); n != "" {
			d.name = n
		}
	} else if n := stringValue(p.settings["name"]); n != "" {
		d.name = n
	}

	var events []Event
	comps := componentPayload(d.gen, p.status)
	for _, key := range sortedKeys(comps) {
		if isBTHomeKey(key) {
			continue
		}
		obj := comps[key].(map[string]any)
		c, ok := d.components[key]
		if !ok {
			t, known := lookupType(key)
			if !known {
				d.logger.Debug("dropping unknown component", "device_id", d.id, "key", key)
				continue
			}
			c = newComponent(d, key, t)
			d.components[key] = c
			d.order = append(d.order, key)
		}
		events = append(events, d.updateEvents(c, c.Update(obj))...)
	}
	return events
}

func (d *Device) updateEvents(c *Component, changes []Change) []Event {
	if len(changes) == 0 {
		return nil
	}
	now := d.now()
	events := make([]Event, 0, len(changes))
	for _, ch := range changes {
		events = append(events, Event{
			Type:      EventUpdate,
			DeviceID:  d.id,
			Component: c.id,
			Key:       ch.Key,
			Value:     ch.Value,
			Time:      now,
		})
	}
	return events
}

// Subscribe registers a handler for device events.
//
// Returns:
//   - func(): Removes the handler
func (d *Device) Subscribe(h Handler) func() {
	return d.subs.add(h)
}

// dispatch delivers events to all handlers. Caller holds applyMu, not mu.
func (d *Device) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	handlers := d.subs.snapshot()
	for _, ev := range events {
		for _, h := range handlers {
			d.safeCall(h, ev)
		}
	}
}

func (d *Device) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("device event handler panic recovered",
				"device_id", d.id,
				"event", string(ev.Type),
				"panic", r,
			)
		}
	}()
	h(ev)
}

// Destroy stops polling and the WsClient and detaches all handlers.
// It is terminal; calling it again is a no-op.
func (d *Device) Destroy() {
	d.destroyOnce.Do(func() {
		d.cancel()
		d.StopPolling()

		d.mu.Lock()
		ws := d.ws
		d.ws = nil
		d.mu.Unlock()
		if ws != nil {
			ws.Stop()
		}

		d.subs.clear()
		d.wg.Wait()
		d.logger.Debug("device destroyed", "device_id", d.id)
	})
}

func (d *Device) destroyed() bool {
	return d.ctx.Err() != nil
}

// ID returns the normalised device id ("shellyplus1pm-441793D69718").
func (d *Device) ID() string { return d.id }

// Identity returns the parsed identity.
func (d *Device) Identity() Identity { return d.identity }

// Generation returns the device generation.
func (d *Device) Generation() Generation { return d.gen }

// IsFixture reports whether the device is backed by a fixture file.
func (d *Device) IsFixture() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fixture
}

// Host returns the device address (or fixture path).
func (d *Device) Host() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.host
}

// SetHost updates the address, e.g. after a DHCP change seen by discovery.
// A WsClient bound to the old address is stopped and dropped; the next
// EnsureWsClient builds one for the new address.
func (d *Device) SetHost(host string) {
	d.mu.Lock()
	if d.host == host {
		d.mu.Unlock()
		return
	}
	d.host = host
	ws := d.ws
	d.ws = nil
	d.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
}

// Name returns the user-assigned name, or "".
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Model returns the model code.
func (d *Device) Model() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model
}

// Firmware returns the running firmware version.
func (d *Device) Firmware() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmware
}

// Profile returns the device mode (switch, cover, color, white...), or "".
func (d *Device) Profile() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profile
}

// AuthRequired reports whether the device has authentication enabled.
func (d *Device) AuthRequired() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.authRequired
}

// Username returns the configured username.
func (d *Device) Username() string { return d.creds.Username }

// Credentials returns the configured credentials.
func (d *Device) Credentials() auth.Credentials { return d.creds }

// Online reports whether the last contact succeeded.
func (d *Device) Online() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

// Cached reports whether the state shown is stale, loaded from a snapshot.
func (d *Device) Cached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// SleepMode reports whether the device sleeps and is never polled.
func (d *Device) SleepMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sleepMode
}

// LastSeen returns the time of the last push or fetch.
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// LastFetchedAt returns the time of the last successful handshake.
func (d *Device) LastFetchedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFetchedAt
}

// FetchInterval returns the polling interval.
func (d *Device) FetchInterval() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchInterval
}

// AvailableFirmware returns the firmware version offered by the device, or "".
func (d *Device) AvailableFirmware() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deriveFirmwareUpdate(d.gen, d.payloads.status)
}

// WsClient returns the outbound WebSocket client, or nil.
func (d *Device) WsClient() WsClient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ws
}

// Components returns all components in creation order. The handshake
// creates them in sorted id order; components that appear later are
// appended.
func (d *Device) Components() []*Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Component, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.components[id])
	}
	return out
}

// Component returns the component with the given id.
func (d *Device) Component(id string) (*Component, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.components[id]
	return c, ok
}
