package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/shelly-core/internal/registry"
)

// Logger defines the logging interface used by the mirror.
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

// Publisher is the MQTT surface the mirror needs. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Lookup resolves a device id; registry.Registry.Device satisfies it.
type Lookup func(id string) *device.Device

// Defaults.
const (
	// DefaultQueueSize is the number of events buffered for the publisher.
	DefaultQueueSize = 256

	// DefaultCommandTimeout bounds one device command.
	DefaultCommandTimeout = 10 * time.Second
)

// Options configures a Mirror.
type Options struct {
	Topics mqtt.Topics
	QoS    byte

	// Lookup resolves command targets. Required for commands.
	Lookup Lookup

	QueueSize      int
	CommandTimeout time.Duration

	// Logger is optional.
	Logger Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Mirror publishes registry events and executes inbound commands.
type Mirror struct {
	pub    Publisher
	opts   Options
	logger Logger
	now    func() time.Time

	queue chan registry.Event

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Mirror. Call Start to subscribe to commands and start the
// publishing worker.
func New(pub Publisher, opts Options) *Mirror {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mirror{
		pub:    pub,
		opts:   opts,
		logger: logger,
		now:    now,
		queue:  make(chan registry.Event, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the command topics and starts the worker.
//
// Returns:
//   - error: ErrNotRunning after Stop, or the subscribe error
func (m *Mirror) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrNotRunning
	}
	if m.running {
		return nil
	}
	if err := m.pub.Subscribe(m.opts.Topics.AllCommands(), m.opts.QoS, m.handleCommand); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	m.running = true
	m.wg.Add(1)
	go m.worker()
	m.logger.Info("state mirror started", "prefix", m.opts.Topics.Prefix)
	return nil
}

// Stop unsubscribes and waits for the worker. Queued events are discarded.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	running := m.running
	m.running = false
	m.mu.Unlock()

	m.cancel()
	if running {
		if err := m.pub.Unsubscribe(m.opts.Topics.AllCommands()); err != nil {
			m.logger.Warn("unsubscribing from commands failed", "error", err)
		}
	}
	m.wg.Wait()
}

// Handle queues a registry event for publication. It never blocks; events
// are dropped with a warning when the queue is full.
func (m *Mirror) Handle(ev registry.Event) {
	if ev.Type == registry.EventDiscovered {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("mirror queue full, dropping event", "event", string(ev.Type), "device_id", ev.DeviceID)
	}
}

// Resync republishes availability and state of every device, e.g. after
// the broker connection was re-established.
func (m *Mirror) Resync(devices []*device.Device) {
	for _, d := range devices {
		m.publishDevice(d)
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.queue:
			m.process(ev)
		}
	}
}

// process publishes one registry event.
func (m *Mirror) process(ev registry.Event) {
	switch ev.Type {
	case registry.EventAdd:
		if ev.Device != nil {
			m.publishDevice(ev.Device)
		}
	case registry.EventRemove:
		if ev.Device != nil {
			m.clearDevice(ev.Device)
		}
	case registry.EventDevice:
		m.processChange(ev)
	}
}

func (m *Mirror) processChange(ev registry.Event) {
	ch := ev.Change
	switch ch.Type {
	case device.EventOnline, device.EventOffline, device.EventAwake:
		if ev.Device != nil {
			m.publishJSON(m.opts.Topics.Availability(ev.DeviceID), availability(ev.Device, m.now()), true)
		}
	case device.EventUpdate:
		if ev.Device == nil {
			return
		}
		c, ok := ev.Device.Component(ch.Component)
		if !ok {
			return
		}
		m.publishJSON(m.opts.Topics.DeviceState(ev.DeviceID, c.ID()), state(ev.DeviceID, c, m.now()), true)
	default:
		m.publishJSON(m.opts.Topics.Event(ev.DeviceID), event(ch), false)
	}
}

// publishDevice publishes availability and the state of every component.
func (m *Mirror) publishDevice(d *device.Device) {
	now := m.now()
	m.publishJSON(m.opts.Topics.Availability(d.ID()), availability(d, now), true)
	for _, c := range d.Components() {
		m.publishJSON(m.opts.Topics.DeviceState(d.ID(), c.ID()), state(d.ID(), c, now), true)
	}
}

// clearDevice removes the retained messages of d.
func (m *Mirror) clearDevice(d *device.Device) {
	m.publish(m.opts.Topics.Availability(d.ID()), nil, true)
	for _, c := range d.Components() {
		m.publish(m.opts.Topics.DeviceState(d.ID(), c.ID()), nil, true)
	}
}

func (m *Mirror) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("encoding mirror payload failed", "topic", topic, "error", err)
		return
	}
	m.publish(topic, data, retained)
}

func (m *Mirror) publish(topic string, payload []byte, retained bool) {
	if err := m.pub.Publish(topic, payload, m.opts.QoS, retained); err != nil {
		m.logger.Debug("mirror publish failed", "topic", topic, "error", err)
	}
}
