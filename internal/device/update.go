package device

import (
	"context"
	"fmt"

	"github.com/nerrad567/shelly-core/internal/rpc"
)

// FetchUpdate repeats the handshake and merges the result into the device.
//
// A failed fetch marks the device offline (emitting offline on the
// transition) and returns the transport error for logging; it is never
// fatal. A successful fetch updates existing components, adds new ones and
// flips a cached or offline device to online.
func (d *Device) FetchUpdate(ctx context.Context) error {
	return d.fetch(ctx, true)
}

// Refresh runs the handshake in place after a sleepy device woke, then
// persists the snapshot and runs the OnAwake hook. A failed refresh leaves
// the online state untouched.
func (d *Device) Refresh(ctx context.Context) error {
	if err := d.fetch(ctx, false); err != nil {
		return err
	}
	if d.opts.DataPath != "" {
		if _, err := d.SaveDevicePayloads(d.opts.DataPath); err != nil {
			d.logger.Warn("saving device snapshot failed", "device_id", d.id, "error", err)
		}
	}
	if d.opts.OnAwake != nil {
		d.opts.OnAwake(d)
	}
	return nil
}

func (d *Device) fetch(ctx context.Context, markOffline bool) error {
	if d.destroyed() {
		return ErrDestroyed
	}

	d.mu.RLock()
	t, host := d.transport, d.host
	d.mu.RUnlock()

	p, gen, err := fetchPayloads(ctx, t, host)
	if err == nil && gen != d.gen {
		err = fmt.Errorf("%w: %s reports gen %d, expected %d", ErrHandshake, host, gen, d.gen)
	}
	if err == nil {
		var ident Identity
		if ident, err = identityFromBase(gen, p.shelly); err == nil && ident.ID != d.id {
			err = fmt.Errorf("%w: %s now serves %s", ErrHandshake, host, ident.ID)
		}
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	var events []Event
	if err != nil {
		if markOffline {
			events = d.setOfflineLocked()
		}
		d.mu.Unlock()
		d.dispatch(events)
		return err
	}

	events = d.applyHandshakeLocked(p)
	now := d.now()
	d.lastFetchedAt = now
	d.lastSeen = now
	events = append(events, d.firmwareEventsLocked()...)
	if d.cached || !d.online {
		d.cached = false
		d.online = true
		events = append(events, d.stateEvent(EventOnline))
	}
	d.mu.Unlock()

	d.dispatch(events)
	return nil
}

// MarkOffline flags the device unreachable, emitting offline on the transition.
func (d *Device) MarkOffline() {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	d.mu.Lock()
	events := d.setOfflineLocked()
	d.mu.Unlock()
	d.dispatch(events)
}

func (d *Device) setOfflineLocked() []Event {
	if !d.online {
		return nil
	}
	d.online = false
	return []Event{d.stateEvent(EventOffline)}
}

func (d *Device) stateEvent(t EventType) Event {
	return Event{Type: t, DeviceID: d.id, Time: d.now()}
}

// ApplyStatus applies a pushed status payload keyed by component id, as
// delivered by NotifyStatus, NotifyFullStatus or decoded CoIoT updates.
// BTHome keys resolve against the gateway's sub-entity maps; keys of unknown
// components are logged and ignored.
func (d *Device) ApplyStatus(payload map[string]any) {
	if d.destroyed() {
		return
	}
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	events, wake := d.contactLocked()
	for _, key := range sortedKeys(payload) {
		obj, ok := payload[key].(map[string]any)
		if !ok {
			d.logger.Debug("ignoring non-object status key", "device_id", d.id, "key", key)
			continue
		}
		if isBTHomeKey(key) {
			events = append(events, d.bthomeStatusEvents(key, obj)...)
			continue
		}
		c, ok := d.components[key]
		if !ok {
			d.logger.Debug("status for unknown component", "device_id", d.id, "key", key)
			continue
		}
		events = append(events, d.updateEvents(c, c.Update(obj))...)
		if d.gen >= Gen2 {
			d.mergeStatusLocked(key, obj)
		}
	}
	if _, ok := payload["sys"]; ok {
		events = append(events, d.firmwareEventsLocked()...)
	}
	d.mu.Unlock()

	d.dispatch(events)
	if wake {
		d.refreshAsync()
	}
}

// ApplyEvents applies a NotifyEvent batch.
func (d *Device) ApplyEvents(evs []rpc.Event) {
	if d.destroyed() {
		return
	}
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	events, wake := d.contactLocked()
	now := d.now()
	for _, ev := range evs {
		if isBTHomeKey(ev.Component) {
			e, ok := d.bthome.lookup(ev.Component)
			if !ok {
				d.logger.Debug("event for unknown bthome entity", "device_id", d.id, "component", ev.Component)
				continue
			}
			events = append(events, Event{
				Type:      EventBTHome,
				DeviceID:  d.id,
				Component: ev.Component,
				Address:   e.Address,
				Name:      ev.Event,
				Value:     deepCopyMap(ev.Data),
				Time:      now,
			})
			continue
		}
		if _, ok := d.components[ev.Component]; !ok {
			d.logger.Debug("event for unknown component", "device_id", d.id, "component", ev.Component, "event", ev.Event)
			continue
		}
		events = append(events, Event{
			Type:      EventInput,
			DeviceID:  d.id,
			Component: ev.Component,
			Name:      ev.Event,
			Value:     deepCopyMap(ev.Data),
			Index:     ev.ID,
			Time:      now,
		})
	}
	d.mu.Unlock()

	d.dispatch(events)
	if wake {
		d.refreshAsync()
	}
}

// contactLocked records a push from the device. A sleepy device seen while
// offline emits awake and asks for a refresh. Caller holds mu.
func (d *Device) contactLocked() ([]Event, bool) {
	d.lastSeen = d.now()
	var events []Event
	wake := false
	if d.sleepMode && !d.online {
		events = append(events, d.stateEvent(EventAwake))
		wake = true
	}
	if !d.online || d.cached {
		d.online = true
		d.cached = false
		events = append(events, d.stateEvent(EventOnline))
	}
	return events, wake
}

func (d *Device) mergeStatusLocked(key string, obj map[string]any) {
	if d.payloads.status == nil {
		d.payloads.status = make(map[string]any)
	}
	cur, ok := d.payloads.status[key].(map[string]any)
	if !ok {
		cur = make(map[string]any, len(obj))
		d.payloads.status[key] = cur
	}
	for k, v := range obj {
		cur[k] = deepCopyValue(v)
	}
}

func (d *Device) refreshAsync() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, refreshTimeout)
		defer cancel()
		if err := d.Refresh(ctx); err != nil {
			d.logger.Warn("refresh after wake failed", "device_id", d.id, "error", err)
		}
	}()
}

// firmwareEventsLocked announces an available firmware version once per
// version, and again every firmwareReannounce while it stays pending.
func (d *Device) firmwareEventsLocked() []Event {
	version := deriveFirmwareUpdate(d.gen, d.payloads.status)
	if version == "" {
		d.fwPending = ""
		return nil
	}
	now := d.now()
	if version == d.fwPending && now.Sub(d.fwAnnounced) < firmwareReannounce {
		return nil
	}
	d.fwPending = version
	d.fwAnnounced = now
	return []Event{{
		Type:     EventFirmwareUpdate,
		DeviceID: d.id,
		Value:    version,
		Time:     now,
	}}
}
