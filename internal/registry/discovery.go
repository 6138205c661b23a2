package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/nerrad567/shelly-core/internal/coiot"
	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/mdns"
)

// AddDevice runs the handshake against host and adds the resulting device.
// Hosts ending in ".json" are loaded as fixture files.
//
// A host that is already registered returns its device. When the handshake
// reveals a device that is registered under another host, the existing
// device is moved to host instead of being replaced.
//
// Parameters:
//   - ctx: Bounds the handshake
//   - host: Device address or fixture path
//
// Returns:
//   - *device.Device: The registered device
//   - error: device.ErrNotFound or device.ErrHandshake when host is not a
//     reachable Shelly device, ErrAddInProgress, or ErrStopped
func (r *Registry) AddDevice(ctx context.Context, host string) (*device.Device, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if e, ok := r.devices[r.hosts[host]]; ok {
		r.mu.Unlock()
		return e.dev, nil
	}
	if _, busy := r.adding[host]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddInProgress, host)
	}
	r.adding[host] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.adding, host)
		r.mu.Unlock()
	}()

	d, err := device.Create(ctx, host, r.deviceOptions())
	if err != nil {
		return nil, err
	}

	if existing := r.Device(d.ID()); existing != nil {
		d.Destroy()
		r.relocate(existing, host)
		return existing, nil
	}
	if err := r.insert(d); err != nil {
		return nil, err
	}
	return d, nil
}

// RemoveDevice destroys the device with id and forgets it. Its snapshot
// file is kept so a later rediscovery starts from it.
//
// Returns:
//   - error: ErrUnknownDevice if no device has id
func (r *Registry) RemoveDevice(id string) error {
	id = device.NormalizeID(id)

	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	delete(r.devices, id)
	host := e.dev.Host()
	if r.hosts[host] == id {
		delete(r.hosts, host)
	}
	r.mu.Unlock()

	if r.coap != nil && e.dev.Generation() == device.Gen1 {
		r.coap.UnregisterDevice(host)
	}
	if r.scanner != nil {
		r.scanner.Forget(id)
	}
	e.unsubscribe()
	e.dev.Destroy()
	r.forget(id)

	r.logger.Info("device removed", "device_id", id, "host", host)
	r.emit(lifecycleEvent(EventRemove, e.dev))
	return nil
}

// insert registers a new device and starts its transports.
func (r *Registry) insert(d *device.Device) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		d.Destroy()
		return ErrStopped
	}
	if _, dup := r.devices[d.ID()]; dup {
		r.mu.Unlock()
		d.Destroy()
		return fmt.Errorf("registry: %s already registered", d.ID())
	}
	unsubscribe := d.Subscribe(r.deviceHandler(d))
	r.devices[d.ID()] = &entry{dev: d, unsubscribe: unsubscribe}
	r.hosts[d.Host()] = d.ID()
	r.mu.Unlock()

	r.attach(d)

	r.logger.Info("device added",
		"device_id", d.ID(),
		"host", d.Host(),
		"gen", int(d.Generation()),
		"cached", d.Cached(),
	)
	r.emit(lifecycleEvent(EventAdd, d))
	return nil
}

// attach connects d to the transports of its generation.
func (r *Registry) attach(d *device.Device) {
	if d.IsFixture() {
		return
	}
	if d.Generation() == device.Gen1 {
		if r.coap != nil {
			r.coap.RegisterDevice(d.Host(), d.ID(), true)
		}
	} else {
		r.goBackground(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
			defer cancel()
			d.EnsureWsClient(ctx)
		})
	}
	d.StartPolling(r.opts.PollInterval)

	if !d.Cached() {
		r.saveSnapshot(d)
		r.remember(d)
	}
}

// relocate moves a known device to a new address.
func (r *Registry) relocate(d *device.Device, host string) {
	old := d.Host()
	if old == host {
		return
	}

	r.mu.Lock()
	if e, ok := r.devices[d.ID()]; !ok || e.dev != d {
		// Removed since it was looked up.
		r.mu.Unlock()
		return
	}
	if r.hosts[old] == d.ID() {
		delete(r.hosts, old)
	}
	r.hosts[host] = d.ID()
	r.mu.Unlock()

	d.SetHost(host)
	if r.coap != nil && d.Generation() == device.Gen1 {
		r.coap.UnregisterDevice(old)
		r.coap.RegisterDevice(host, d.ID(), true)
	}
	r.logger.Info("device moved", "device_id", d.ID(), "from", old, "to", host)

	r.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
		if err := d.FetchUpdate(ctx); err != nil {
			r.logger.Debug("fetching moved device failed", "device_id", d.ID(), "error", err)
			return
		}
		d.EnsureWsClient(ctx)
		r.remember(d)
	})
}

// handleDiscovery is the mDNS handler.
func (r *Registry) handleDiscovery(disc mdns.Discovery) {
	host := disc.Host
	if disc.Port != 0 && disc.Port != 80 {
		host = net.JoinHostPort(disc.Host, strconv.Itoa(disc.Port))
	}
	r.discovered(device.NormalizeID(disc.ID), host, disc.Gen)
}

// handleUnknownCoIoT adopts gen 1 devices that push status before mDNS
// found them.
func (r *Registry) handleUnknownCoIoT(host string, id coiot.DeviceID) {
	ident, err := device.Gen1Identity(id.Type, id.MAC)
	if err != nil {
		r.logger.Debug("ignoring coiot sender", "host", host, "error", err)
		return
	}
	r.discovered(ident.ID, host, int(device.Gen1))
}

// discovered emits the discovered event, then moves a known device or adds
// an unknown one in the background.
func (r *Registry) discovered(id, host string, gen int) {
	known := r.Device(id)
	r.emit(Event{Type: EventDiscovered, DeviceID: id, Host: host, Gen: gen, Device: known})

	if known != nil {
		r.relocate(known, host)
		return
	}

	r.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
		if _, err := r.AddDevice(ctx, host); err != nil {
			if !isCanceled(err) && !errors.Is(err, ErrAddInProgress) {
				r.logger.Warn("adding discovered device failed", "device_id", id, "host", host, "error", err)
			}
			// Discovery reports the id again on a later query
			if r.scanner != nil {
				r.scanner.Forget(id)
			}
		}
	})
}
