package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/shelly-core/internal/auth"
	"github.com/nerrad567/shelly-core/internal/coiot"
	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/mdns"
	"github.com/nerrad567/shelly-core/internal/rpc"
	"github.com/nerrad567/shelly-core/internal/store"
	"github.com/nerrad567/shelly-core/internal/ws"
)

// Logger defines the logging interface used by the Registry.
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

// Defaults.
const (
	// DefaultRequestTimeout bounds each handshake started by discovery.
	DefaultRequestTimeout = 20 * time.Second

	// storeTimeout bounds a single known-device write.
	storeTimeout = 5 * time.Second
)

// WsClientFactory builds the outbound client of a device. dispatch must
// receive every notification the client gets.
type WsClientFactory func(d *device.Device, dispatch ws.Dispatcher) device.WsClient

// Options configures a Registry.
type Options struct {
	// Credentials are the default device credentials.
	Credentials auth.Credentials

	// DataPath is the snapshot directory. Empty disables snapshots and the
	// reload of known devices.
	DataPath string

	// Interface names the network interface for multicast transports.
	Interface string

	// LocalAddress is the IPv4 address devices use to reach the inbound
	// websocket server.
	LocalAddress string

	// IPv6 additionally runs mDNS on ff02::fb.
	IPv6 bool

	EnableMDNS     bool
	EnableCoIoT    bool
	EnableWsServer bool

	// WsServerPort of the inbound websocket server.
	// Default: ws.DefaultServerPort.
	WsServerPort int

	// Inbound websocket server settings. Zero values use the ws defaults.
	WsPath           string
	WsMaxMessageSize int64
	PingInterval     time.Duration
	PongTimeout      time.Duration

	PollInterval      time.Duration
	RequestTimeout    time.Duration
	MDNSQueryInterval time.Duration

	// Store remembers devices across restarts. Optional.
	Store store.Repository

	// Transport overrides the HTTP/RPC client. Default: rpc.NewClient.
	Transport device.Transport

	// NewWsClient overrides the outbound client. Default: ws.NewClient.
	NewWsClient WsClientFactory

	// Logger is optional.
	Logger Logger
}

// entry is one registered device.
type entry struct {
	dev         *device.Device
	unsubscribe func()
}

// Registry is the device collection and its transports.
//
// Thread Safety: All public methods are safe for concurrent use.
type Registry struct {
	opts      Options
	logger    Logger
	transport device.Transport

	scanner  *mdns.Scanner
	coap     *coiot.Server
	wsServer *ws.Server

	mu      sync.RWMutex
	devices map[string]*entry // by device id
	hosts   map[string]string // host -> device id
	adding  map[string]struct{}
	started bool
	stopped bool

	subs subscribers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Registry and its enabled transports. No socket is opened
// until Start.
func New(opts Options) *Registry {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.WsServerPort == 0 {
		opts.WsServerPort = ws.DefaultServerPort
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:    opts,
		logger:  logger,
		devices: make(map[string]*entry),
		hosts:   make(map[string]string),
		adding:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.transport = opts.Transport
	if r.transport == nil {
		r.transport = rpc.NewClient(rpc.ClientOptions{
			Credentials: opts.Credentials,
			Timeout:     opts.RequestTimeout,
			Logger:      logger,
		})
	}

	if opts.EnableMDNS {
		r.scanner = mdns.NewScanner(mdns.Options{
			Interface:     opts.Interface,
			IPv6:          opts.IPv6,
			QueryInterval: opts.MDNSQueryInterval,
			Handler:       r.handleDiscovery,
			Logger:        logger,
		})
	}
	if opts.EnableCoIoT {
		r.coap = coiot.NewServer(coiot.Options{
			Interface:      opts.Interface,
			RequestTimeout: opts.RequestTimeout,
			Handler:        r.handleCoIoT,
			OnUnknown:      r.handleUnknownCoIoT,
			Logger:         logger,
		})
	}
	if opts.EnableWsServer {
		r.wsServer = ws.NewServer(ws.ServerOptions{
			Port:           opts.WsServerPort,
			Path:           opts.WsPath,
			MaxMessageSize: opts.WsMaxMessageSize,
			PingInterval:   opts.PingInterval,
			PongTimeout:    opts.PongTimeout,
			Dispatch:       r.dispatchWs,
			Logger:         logger,
		})
	}
	return r
}

// Start opens the enabled transports and reloads known devices.
//
// The websocket server and the CoIoT unicast socket are required once
// enabled; joining a multicast group is best effort and only logged.
//
// Returns:
//   - error: ErrAlreadyStarted, ErrStopped, or the transport error
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return ErrStopped
	case r.started:
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	if r.wsServer != nil {
		if err := r.wsServer.Start(ctx); err != nil {
			return fmt.Errorf("starting websocket server: %w", err)
		}
		r.logger.Info("websocket server started", "addr", r.wsServer.Addr().String())
	}
	if r.coap != nil {
		if err := r.coap.Start(ctx); err != nil {
			return fmt.Errorf("starting coiot server: %w", err)
		}
		if err := r.coap.ListenForStatusUpdates(ctx); err != nil {
			r.logger.Warn("coiot multicast unavailable", "error", err)
		}
	}

	if err := r.LoadKnownDevices(ctx); err != nil {
		r.logger.Warn("loading known devices failed", "error", err)
	}

	if r.scanner != nil {
		if err := r.scanner.Start(ctx); err != nil {
			r.logger.Warn("mdns discovery unavailable", "error", err)
		}
	}

	r.logger.Info("registry started",
		"mdns", r.scanner != nil,
		"coiot", r.coap != nil,
		"ws_server", r.wsServer != nil,
		"devices", r.Len(),
	)
	return nil
}

// Stop destroys every device and stops every transport. It is terminal;
// calling it again is a no-op.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.devices = make(map[string]*entry)
	r.hosts = make(map[string]string)
	r.mu.Unlock()

	r.cancel()
	if r.scanner != nil {
		r.scanner.Stop()
	}
	if r.coap != nil {
		r.coap.Stop()
	}
	if r.wsServer != nil {
		if err := r.wsServer.Stop(); err != nil {
			r.logger.Warn("stopping websocket server", "error", err)
		}
	}

	for _, e := range entries {
		e.unsubscribe()
		e.dev.Destroy()
	}
	r.wg.Wait()
	r.logger.Info("registry stopped", "devices", len(entries))
}

// Subscribe registers h for registry events and returns a function that
// removes it.
func (r *Registry) Subscribe(h Handler) func() {
	return r.subs.add(h)
}

// Device returns the device with id, or nil. The id is normalised first, so
// vendor spellings of any case match.
func (r *Registry) Device(id string) *device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.devices[device.NormalizeID(id)]; ok {
		return e.dev
	}
	return nil
}

// DeviceByHost returns the device currently addressed at host, or nil.
func (r *Registry) DeviceByHost(host string) *device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.devices[r.hosts[host]]; ok {
		return e.dev
	}
	return nil
}

// Devices returns all devices ordered by id.
func (r *Registry) Devices() []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// CoIoT returns the CoIoT server, or nil when disabled.
func (r *Registry) CoIoT() *coiot.Server { return r.coap }

// WsServer returns the inbound websocket server, or nil when disabled.
func (r *Registry) WsServer() *ws.Server { return r.wsServer }

// Scanner returns the mDNS scanner, or nil when disabled.
func (r *Registry) Scanner() *mdns.Scanner { return r.scanner }

// deviceOptions are the options every device is created with.
func (r *Registry) deviceOptions() device.Options {
	opts := device.Options{
		Transport:       r.transport,
		Credentials:     r.opts.Credentials,
		WsClientFactory: r.newWsClient,
		LocalAddress:    r.opts.LocalAddress,
		DataPath:        r.opts.DataPath,
		FetchInterval:   r.opts.PollInterval,
		OnAwake:         r.handleAwake,
		Logger:          r.logger,
	}
	if r.opts.EnableWsServer {
		opts.WsServerPort = r.opts.WsServerPort
	}
	return opts
}

// newWsClient is the device WsClientFactory.
func (r *Registry) newWsClient(d *device.Device) device.WsClient {
	if r.opts.NewWsClient != nil {
		return r.opts.NewWsClient(d, r.dispatchWs)
	}
	return ws.NewClient(ws.ClientOptions{
		Host:          d.Host(),
		Credentials:   d.Credentials(),
		Dispatch:      r.dispatchWs,
		InitialStatus: true,
		CallTimeout:   r.opts.RequestTimeout,
		PingInterval:  r.opts.PingInterval,
		PongTimeout:   r.opts.PongTimeout,
		Logger:        r.logger,
	})
}

// isStopped reports whether Stop has been called.
func (r *Registry) isStopped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped
}

// goBackground runs fn on a goroutine Stop waits for. It is a no-op once
// stopped.
func (r *Registry) goBackground(fn func(ctx context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// isCanceled reports whether err only signals registry shutdown.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
