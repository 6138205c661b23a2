package device

import (
	"context"
	"time"
)

// StartPolling starts the fetch loop. Each tick skips sleeping devices, runs
// FetchUpdate and restarts a disconnected WsClient. A zero interval uses the
// device's FetchInterval. Calling StartPolling while polling is a no-op.
func (d *Device) StartPolling(interval time.Duration) {
	if d.destroyed() {
		return
	}
	if interval <= 0 {
		interval = d.FetchInterval()
	}

	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	if d.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	d.pollStop = stop

	d.wg.Add(1)
	go d.pollLoop(interval, stop)
}

// StopPolling stops the fetch loop; safe to call when not polling.
func (d *Device) StopPolling() {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	if d.pollStop != nil {
		close(d.pollStop)
		d.pollStop = nil
	}
}

func (d *Device) pollLoop(interval time.Duration, stop <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce()
		}
	}
}

// pollOnce runs one polling tick.
func (d *Device) pollOnce() {
	if d.SleepMode() {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.FetchInterval())
	defer cancel()

	if err := d.FetchUpdate(ctx); err != nil {
		d.logger.Debug("device poll failed", "device_id", d.id, "error", err)
		return
	}
	d.EnsureWsClient(ctx)
}

// EnsureWsClient starts the WsClient of a gen 2+ device when it is not
// connected. It is a no-op for gen 1, sleeping and fixture devices.
func (d *Device) EnsureWsClient(ctx context.Context) {
	if d.gen < Gen2 || d.SleepMode() || d.destroyed() {
		return
	}
	d.attachWsClient()
	ws := d.WsClient()
	if ws == nil || ws.IsConnected() {
		return
	}
	if err := ws.Start(ctx); err != nil {
		d.logger.Debug("starting websocket client failed", "device_id", d.id, "error", err)
	}
	// Destroy cancels ctx before stopping the client, so a Start that
	// raced it is undone here.
	if d.destroyed() {
		ws.Stop()
	}
}
