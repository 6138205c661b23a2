package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/store"
)

// LoadKnownDevices adds every stored device from its snapshot as a cached,
// offline device and refreshes it in the background. Devices without a
// snapshot are added by a fresh handshake instead. Start calls it; it is a
// no-op without a Store.
//
// Returns:
//   - error: If the store cannot be listed
func (r *Registry) LoadKnownDevices(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	known, err := r.opts.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing known devices: %w", err)
	}

	loaded := 0
	for _, k := range known {
		if r.Device(k.ID) != nil {
			continue
		}
		if r.loadKnown(ctx, k) {
			loaded++
		}
	}
	r.logger.Info("known devices loaded", "count", loaded, "stored", len(known))
	return nil
}

// loadKnown restores one stored device. It reports whether the device was
// added from its snapshot.
func (r *Registry) loadKnown(ctx context.Context, k store.KnownDevice) bool {
	host := k.Host
	path := ""
	if r.opts.DataPath != "" {
		path = device.SnapshotPath(r.opts.DataPath, k.ID)
	}
	if path == "" || !fileExists(path) {
		r.logger.Debug("no snapshot for known device", "device_id", k.ID)
		r.goBackground(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
			defer cancel()
			if _, err := r.AddDevice(ctx, host); err != nil && !isCanceled(err) {
				r.logger.Warn("adding known device failed", "device_id", k.ID, "host", host, "error", err)
			}
		})
		return false
	}

	d, err := device.LoadCached(ctx, path, host, r.deviceOptions())
	if err != nil {
		r.logger.Warn("loading device snapshot failed", "device_id", k.ID, "path", path, "error", err)
		return false
	}
	if d.ID() != k.ID {
		r.logger.Warn("device snapshot belongs to another device", "device_id", k.ID, "snapshot_id", d.ID())
		d.Destroy()
		return false
	}
	if err := r.insert(d); err != nil {
		r.logger.Warn("registering known device failed", "device_id", k.ID, "error", err)
		return false
	}

	if !d.SleepMode() {
		r.goBackground(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
			defer cancel()
			if err := d.FetchUpdate(ctx); err != nil {
				r.logger.Debug("known device not reachable", "device_id", d.ID(), "host", host, "error", err)
			}
		})
	}
	return true
}

// saveSnapshot writes the snapshot of d; failures are logged.
func (r *Registry) saveSnapshot(d *device.Device) {
	if r.opts.DataPath == "" || d.IsFixture() {
		return
	}
	if _, err := d.SaveDevicePayloads(r.opts.DataPath); err != nil {
		r.logger.Warn("saving device snapshot failed", "device_id", d.ID(), "error", err)
	}
}

// remember upserts the known-device row of d.
func (r *Registry) remember(d *device.Device) {
	if r.opts.Store == nil || d.IsFixture() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := r.opts.Store.Upsert(ctx, store.KnownDevice{
		ID:        d.ID(),
		Host:      d.Host(),
		Gen:       int(d.Generation()),
		Model:     d.Model(),
		Firmware:  d.Firmware(),
		SleepMode: d.SleepMode(),
		LastSeen:  d.LastSeen(),
	})
	if err != nil {
		r.logger.Warn("storing known device failed", "device_id", d.ID(), "error", err)
	}
}

// forget deletes the known-device row of id.
func (r *Registry) forget(id string) {
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.opts.Store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("deleting known device failed", "device_id", id, "error", err)
	}
}

// handleAwake runs after a sleepy device woke and was refreshed.
func (r *Registry) handleAwake(d *device.Device) {
	if r.coap != nil && d.Generation() == device.Gen1 && !d.IsFixture() {
		r.coap.RegisterDevice(d.Host(), d.ID(), true)
	}
	r.remember(d)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
