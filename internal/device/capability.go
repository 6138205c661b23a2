package device

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
)

// Switch is the capability of components that turn on and off.
type Switch interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
	Toggle(ctx context.Context) error
}

// Light is a Switch with brightness and colour control.
type Light interface {
	Switch

	// Level sets brightness from a 1-254 level.
	Level(ctx context.Context, level int) error

	// ColorRGB sets the colour; each channel is 0-255.
	ColorRGB(ctx context.Context, r, g, b int) error

	// ColorTemp sets the white temperature in mireds (147-370).
	ColorTemp(ctx context.Context, mireds int) error
}

// Cover is the capability of rollers and covers.
type Cover interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error

	// GoToPosition moves to a 0-10000 position where 0 is fully open.
	GoToPosition(ctx context.Context, position int) error
}

// Command ranges.
const (
	MinLevel       = 1
	MaxLevel       = 254
	MaxCoverPos    = 10000
	MinMireds      = 147
	MaxMireds      = 370
	MaxColorValue  = 255
	maxBrightness  = 100
	maxOpenPercent = 100
)

// LevelToBrightness maps a 1-254 level to a 1-100 brightness percentage.
func LevelToBrightness(level int) (int, error) {
	if level < MinLevel || level > MaxLevel {
		return 0, fmt.Errorf("%w: level %d not in %d-%d", ErrOutOfRange, level, MinLevel, MaxLevel)
	}
	b := int(math.Round(float64(level) * maxBrightness / MaxLevel))
	return max(1, b), nil
}

// CoverPositionToPercent maps a 0-10000 position (0 = open) to the Shelly
// open percentage (100 = open).
func CoverPositionToPercent(position int) (int, error) {
	if position < 0 || position > MaxCoverPos {
		return 0, fmt.Errorf("%w: cover position %d not in 0-%d", ErrOutOfRange, position, MaxCoverPos)
	}
	return maxOpenPercent - int(math.Round(float64(position)/100)), nil
}

// MiredsToKelvin converts a 147-370 mired colour temperature to Kelvin.
func MiredsToKelvin(mireds int) (int, error) {
	if mireds < MinMireds || mireds > MaxMireds {
		return 0, fmt.Errorf("%w: colour temperature %d mireds not in %d-%d", ErrOutOfRange, mireds, MinMireds, MaxMireds)
	}
	return int(math.Round(1e6 / float64(mireds))), nil
}

func checkColor(r, g, b int) error {
	for _, v := range []int{r, g, b} {
		if v < 0 || v > MaxColorValue {
			return fmt.Errorf("%w: colour channel %d not in 0-%d", ErrOutOfRange, v, MaxColorValue)
		}
	}
	return nil
}

// AsSwitch returns the Switch capability of switch and light components.
func (c *Component) AsSwitch() (Switch, bool) {
	if !c.IsSwitch() {
		return nil, false
	}
	if c.IsLight() {
		return lightCap{c}, true
	}
	return switchCap{c}, true
}

// AsLight returns the Light capability of light components.
func (c *Component) AsLight() (Light, bool) {
	if !c.IsLight() {
		return nil, false
	}
	return lightCap{c}, true
}

// AsCover returns the Cover capability of cover components.
func (c *Component) AsCover() (Cover, bool) {
	if !c.IsCover() {
		return nil, false
	}
	return coverCap{c}, true
}

// gen1Command addresses a gen 1 HTTP endpoint such as /relay/0.
type gen1Command struct {
	path  string
	query url.Values
}

// rpcCommand addresses a gen 2+ JSON-RPC method.
type rpcCommand struct {
	method string
	params map[string]any
}

// send issues the generation-appropriate request for c. Gen 2+ requests go
// through the WsClient when it is connected, otherwise over HTTP.
func (c *Component) send(ctx context.Context, g1 gen1Command, g2 rpcCommand) error {
	d := c.device
	if d.destroyed() {
		return ErrDestroyed
	}
	d.mu.RLock()
	fixture, t, host, ws := d.fixture, d.transport, d.host, d.ws
	d.mu.RUnlock()
	if fixture {
		return ErrFixture
	}

	var err error
	if d.gen == Gen1 {
		if g1.path == "" {
			return fmt.Errorf("%w: %s on gen 1 %s", ErrNotSupported, g2.method, c.id)
		}
		_, err = t.Get(ctx, host, g1.path, g1.query)
	} else {
		if g2.method == "" {
			return fmt.Errorf("%w: %s on %s", ErrNotSupported, g1.path, c.id)
		}
		if ws != nil && ws.IsConnected() {
			_, err = ws.Call(ctx, g2.method, g2.params)
		} else {
			_, err = t.Call(ctx, host, g2.method, g2.params)
		}
	}
	if err != nil {
		d.logger.Warn("device command failed", "device_id", d.id, "component", c.id, "error", err)
		return err
	}
	d.logger.Debug("device command sent", "device_id", d.id, "component", c.id, "method", g2.method)
	return nil
}

// gen1Path returns "/<endpoint>/<index>".
func (c *Component) gen1Path(endpoint string) string {
	return "/" + endpoint + "/" + strconv.Itoa(max(c.index, 0))
}

func (c *Component) rpcParams(extra map[string]any) map[string]any {
	p := map[string]any{"id": max(c.index, 0)}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// rpcNamespace maps a component prefix to its RPC namespace.
var rpcNamespace = map[string]string{
	"switch": "Switch",
	"light":  "Light",
	"rgb":    "RGB",
	"rgbw":   "RGBW",
	"cct":    "CCT",
	"cover":  "Cover",
}

func (c *Component) method(verb string) string {
	ns, ok := rpcNamespace[c.prefix]
	if !ok {
		return ""
	}
	return ns + "." + verb
}

type switchCap struct{ c *Component }

func (s switchCap) turn(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return s.c.send(ctx,
		gen1Command{path: s.c.gen1Path("relay"), query: url.Values{"turn": {state}}},
		rpcCommand{method: s.c.method("Set"), params: s.c.rpcParams(map[string]any{"on": on})},
	)
}

func (s switchCap) On(ctx context.Context) error  { return s.turn(ctx, true) }
func (s switchCap) Off(ctx context.Context) error { return s.turn(ctx, false) }

func (s switchCap) Toggle(ctx context.Context) error {
	return s.c.send(ctx,
		gen1Command{path: s.c.gen1Path("relay"), query: url.Values{"turn": {"toggle"}}},
		rpcCommand{method: s.c.method("Toggle"), params: s.c.rpcParams(nil)},
	)
}

type lightCap struct{ c *Component }

// gen1Endpoint picks /light, /color or /white from the device profile.
func (l lightCap) gen1Endpoint() string {
	switch l.c.device.Profile() {
	case "color":
		return "color"
	case "white":
		return "white"
	}
	return "light"
}

func (l lightCap) turn(ctx context.Context, state string, on bool) error {
	g2 := rpcCommand{method: l.c.method("Set"), params: l.c.rpcParams(map[string]any{"on": on})}
	if state == "toggle" {
		g2 = rpcCommand{method: l.c.method("Toggle"), params: l.c.rpcParams(nil)}
	}
	return l.c.send(ctx,
		gen1Command{path: l.c.gen1Path(l.gen1Endpoint()), query: url.Values{"turn": {state}}},
		g2,
	)
}

func (l lightCap) On(ctx context.Context) error     { return l.turn(ctx, "on", true) }
func (l lightCap) Off(ctx context.Context) error    { return l.turn(ctx, "off", false) }
func (l lightCap) Toggle(ctx context.Context) error { return l.turn(ctx, "toggle", false) }

func (l lightCap) Level(ctx context.Context, level int) error {
	b, err := LevelToBrightness(level)
	if err != nil {
		return err
	}
	key := "brightness"
	if l.gen1Endpoint() == "color" {
		key = "gain"
	}
	return l.c.send(ctx,
		gen1Command{path: l.c.gen1Path(l.gen1Endpoint()), query: url.Values{key: {strconv.Itoa(b)}, "turn": {"on"}}},
		rpcCommand{method: l.c.method("Set"), params: l.c.rpcParams(map[string]any{"on": true, "brightness": b})},
	)
}

func (l lightCap) ColorRGB(ctx context.Context, r, g, b int) error {
	if err := checkColor(r, g, b); err != nil {
		return err
	}
	var g1 gen1Command
	if l.c.device.Generation() == Gen1 && l.gen1Endpoint() == "color" {
		g1 = gen1Command{path: l.c.gen1Path("color"), query: url.Values{
			"red":   {strconv.Itoa(r)},
			"green": {strconv.Itoa(g)},
			"blue":  {strconv.Itoa(b)},
			"turn":  {"on"},
		}}
	}
	var g2 rpcCommand
	if l.c.prefix == "rgb" || l.c.prefix == "rgbw" {
		g2 = rpcCommand{method: l.c.method("Set"), params: l.c.rpcParams(map[string]any{"on": true, "rgb": []int{r, g, b}})}
	}
	return l.c.send(ctx, g1, g2)
}

func (l lightCap) ColorTemp(ctx context.Context, mireds int) error {
	k, err := MiredsToKelvin(mireds)
	if err != nil {
		return err
	}
	var g1 gen1Command
	if l.gen1Endpoint() != "color" {
		g1 = gen1Command{path: l.c.gen1Path(l.gen1Endpoint()), query: url.Values{"temp": {strconv.Itoa(k)}, "turn": {"on"}}}
	}
	var g2 rpcCommand
	if l.c.prefix == "cct" {
		g2 = rpcCommand{method: l.c.method("Set"), params: l.c.rpcParams(map[string]any{"on": true, "ct": k})}
	}
	return l.c.send(ctx, g1, g2)
}

type coverCap struct{ c *Component }

func (cv coverCap) move(ctx context.Context, verb, gen1Go string) error {
	return cv.c.send(ctx,
		gen1Command{path: cv.c.gen1Path("roller"), query: url.Values{"go": {gen1Go}}},
		rpcCommand{method: cv.c.method(verb), params: cv.c.rpcParams(nil)},
	)
}

func (cv coverCap) Open(ctx context.Context) error  { return cv.move(ctx, "Open", "open") }
func (cv coverCap) Close(ctx context.Context) error { return cv.move(ctx, "Close", "close") }
func (cv coverCap) Stop(ctx context.Context) error  { return cv.move(ctx, "Stop", "stop") }

func (cv coverCap) GoToPosition(ctx context.Context, position int) error {
	pct, err := CoverPositionToPercent(position)
	if err != nil {
		return err
	}
	return cv.c.send(ctx,
		gen1Command{path: cv.c.gen1Path("roller"), query: url.Values{"go": {"to_pos"}, "roller_pos": {strconv.Itoa(pct)}}},
		rpcCommand{method: cv.c.method("GoToPosition"), params: cv.c.rpcParams(map[string]any{"pos": pct})},
	)
}
