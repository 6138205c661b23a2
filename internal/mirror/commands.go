package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/nerrad567/shelly-core/internal/device"
)

// Command names.
const (
	CommandOn        = "on"
	CommandOff       = "off"
	CommandToggle    = "toggle"
	CommandOpen      = "open"
	CommandClose     = "close"
	CommandStop      = "stop"
	CommandPosition  = "position"
	CommandLevel     = "level"
	CommandRGB       = "rgb"
	CommandColorTemp = "color_temp"
)

// handleCommand is the MQTT handler of the command topics. The returned
// error is logged by the MQTT client; the sender learns the outcome from
// the acknowledgement.
func (m *Mirror) handleCommand(topic string, payload []byte) error {
	deviceID, componentID, ok := m.opts.Topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		m.ack(deviceID, componentID, cmd, err)
		return err
	}

	m.logger.Info("received command",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"component", componentID,
		"command", cmd.Command,
	)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CommandTimeout)
	defer cancel()
	err := m.Execute(ctx, deviceID, componentID, cmd)
	m.ack(deviceID, componentID, cmd, err)
	return err
}

// Execute resolves deviceID through the lookup and runs cmd against one
// of its components.
//
// Parameters:
//   - ctx: Bounds the device request
//   - deviceID: Device id in any case
//   - componentID: Component id, e.g. "switch:0"
//   - cmd: Command and parameters
//
// Returns:
//   - error: ErrUnknownDevice, ErrUnknownComponent, ErrUnsupportedCommand,
//     ErrInvalidCommand, or the device error
func (m *Mirror) Execute(ctx context.Context, deviceID, componentID string, cmd CommandMessage) error {
	var d *device.Device
	if m.opts.Lookup != nil {
		d = m.opts.Lookup(deviceID)
	}
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return ExecuteOn(ctx, d, componentID, cmd)
}

// ExecuteOn runs cmd against the component componentID of d through the
// component's capability interface.
//
// Returns:
//   - error: ErrUnknownComponent, ErrUnsupportedCommand, ErrInvalidCommand,
//     or the device error
func ExecuteOn(ctx context.Context, d *device.Device, componentID string, cmd CommandMessage) error {
	c, ok := d.Component(componentID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownComponent, d.ID(), componentID)
	}

	switch cmd.Command {
	case CommandOn, CommandOff, CommandToggle:
		sw, ok := c.AsSwitch()
		if !ok {
			return unsupported(cmd, c)
		}
		switch cmd.Command {
		case CommandOn:
			return sw.On(ctx)
		case CommandOff:
			return sw.Off(ctx)
		}
		return sw.Toggle(ctx)

	case CommandOpen, CommandClose, CommandStop, CommandPosition:
		cv, ok := c.AsCover()
		if !ok {
			return unsupported(cmd, c)
		}
		switch cmd.Command {
		case CommandOpen:
			return cv.Open(ctx)
		case CommandClose:
			return cv.Close(ctx)
		case CommandStop:
			return cv.Stop(ctx)
		}
		pos, err := intParam(cmd, "position")
		if err != nil {
			return err
		}
		return cv.GoToPosition(ctx, pos)

	case CommandLevel, CommandRGB, CommandColorTemp:
		l, ok := c.AsLight()
		if !ok {
			return unsupported(cmd, c)
		}
		return executeLight(ctx, l, cmd)
	}
	return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Command)
}

func executeLight(ctx context.Context, l device.Light, cmd CommandMessage) error {
	switch cmd.Command {
	case CommandLevel:
		level, err := intParam(cmd, "level")
		if err != nil {
			return err
		}
		return l.Level(ctx, level)
	case CommandColorTemp:
		mireds, err := intParam(cmd, "mireds")
		if err != nil {
			return err
		}
		return l.ColorTemp(ctx, mireds)
	}
	var rgb [3]int
	for i, key := range []string{"r", "g", "b"} {
		v, err := intParam(cmd, key)
		if err != nil {
			return err
		}
		rgb[i] = v
	}
	return l.ColorRGB(ctx, rgb[0], rgb[1], rgb[2])
}

// ack publishes the outcome of cmd.
func (m *Mirror) ack(deviceID, componentID string, cmd CommandMessage, err error) {
	msg := AckMessage{
		CommandID: cmd.ID,
		DeviceID:  deviceID,
		Component: componentID,
		Command:   cmd.Command,
		Status:    AckAccepted,
		Timestamp: m.now().UTC(),
	}
	if err != nil {
		msg.Status = AckFailed
		msg.Error = err.Error()
	}
	m.publishJSON(m.opts.Topics.Ack(deviceID), msg, false)
}

func unsupported(cmd CommandMessage, c *device.Component) error {
	return fmt.Errorf("%w: %s on %s (%s)", ErrUnsupportedCommand, cmd.Command, c.ID(), c.Kind())
}

// intParam reads an integral parameter. JSON numbers decode as float64.
func intParam(cmd CommandMessage, key string) (int, error) {
	v, ok := cmd.Parameters[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q parameter", ErrInvalidCommand, key)
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q must be an integer", ErrInvalidCommand, key)
	}
	return int(f), nil
}
