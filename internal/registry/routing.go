package registry

import (
	"context"

	"github.com/nerrad567/shelly-core/internal/coiot"
	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/ws"
)

// dispatchWs routes a websocket notification to the device named by its
// src. It serves both the inbound server and every outbound client.
func (r *Registry) dispatchWs(n ws.Notification) bool {
	d := r.Device(n.Src)
	if d == nil {
		return false
	}
	switch n.Kind {
	case ws.KindUpdate:
		d.ApplyStatus(n.Status)
	case ws.KindEvent:
		d.ApplyEvents(n.Events)
	default:
		r.logger.Debug("ignoring websocket notification", "device_id", d.ID(), "kind", n.Kind, "method", n.Method)
	}
	return true
}

// handleCoIoT routes a decoded CoIoT status update.
func (r *Registry) handleCoIoT(u coiot.Update) {
	d := r.Device(u.DeviceID)
	if d == nil {
		r.logger.Debug("coiot update for unknown device", "device_id", u.DeviceID, "host", u.Host)
		return
	}
	d.ApplyStatus(u.Status)
}

// deviceHandler re-emits the changes of d and keeps the known-device row
// current when d comes online.
func (r *Registry) deviceHandler(d *device.Device) device.Handler {
	return func(ev device.Event) {
		r.emit(deviceEvent(d, ev))
		if ev.Type == device.EventOnline && !d.IsFixture() {
			r.goBackground(func(context.Context) {
				r.saveSnapshot(d)
				r.remember(d)
			})
		}
	}
}
