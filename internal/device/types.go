package device

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Generation is the hardware/firmware family of a device.
type Generation int

// Supported generations.
const (
	Gen1 Generation = 1
	Gen2 Generation = 2
	Gen3 Generation = 3
	Gen4 Generation = 4
)

// Valid reports whether g is a supported generation.
func (g Generation) Valid() bool {
	return g >= Gen1 && g <= Gen4
}

// Kind classifies a component. The set is closed; command capabilities are
// derived from it, never from which properties happen to be present.
type Kind string

// Component kinds.
const (
	KindSwitch     Kind = "switch"
	KindLight      Kind = "light"
	KindCover      Kind = "cover"
	KindInput      Kind = "input"
	KindSensor     Kind = "sensor"
	KindPowerMeter Kind = "powermeter"
	KindThermostat Kind = "thermostat"
	KindSystem     Kind = "system"
)

// PropertyType is the JSON type of a property value.
type PropertyType string

// Property types.
const (
	TypeBoolean PropertyType = "boolean"
	TypeNumber  PropertyType = "number"
	TypeString  PropertyType = "string"
	TypeNull    PropertyType = "null"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
)

// Property is one key/value pair of a component. Values are replaced
// wholesale; nested objects are never merged.
type Property struct {
	Key   string
	Value any
	Type  PropertyType
}

// NewProperty creates a Property, inferring its type from the value.
func NewProperty(key string, value any) Property {
	return Property{Key: key, Value: value, Type: typeOf(value)}
}

func typeOf(v any) PropertyType {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return TypeNumber
	case string:
		return TypeString
	case []any:
		return TypeArray
	default:
		return TypeObject
	}
}

// componentType describes one entry of the type-name table.
type componentType struct {
	name string
	kind Kind
}

// componentTypes maps payload key prefixes to component names and kinds.
// Keys not listed here are dropped when building components.
var componentTypes = map[string]componentType{
	// Gen 2+ components
	"switch":      {"Switch", KindSwitch},
	"cover":       {"Cover", KindCover},
	"light":       {"Light", KindLight},
	"rgb":         {"Rgb", KindLight},
	"rgbw":        {"Rgbw", KindLight},
	"cct":         {"Cct", KindLight},
	"input":       {"Input", KindInput},
	"sys":         {"Sys", KindSystem},
	"wifi":        {"WiFi", KindSystem},
	"eth":         {"Ethernet", KindSystem},
	"cloud":       {"Cloud", KindSystem},
	"mqtt":        {"MQTT", KindSystem},
	"ble":         {"Ble", KindSystem},
	"sntp":        {"Sntp", KindSystem},
	"ws":          {"WS", KindSystem},
	"matter":      {"Matter", KindSystem},
	"blugw":       {"Blugw", KindSystem},
	"bthome":      {"Bthome", KindSystem},
	"devicepower": {"PowerSource", KindSensor},
	"humidity":    {"Humidity", KindSensor},
	"temperature": {"Temperature", KindSensor},
	"illuminance": {"Illuminance", KindSensor},
	"smoke":       {"Smoke", KindSensor},
	"flood":       {"Flood", KindSensor},
	"voltmeter":   {"Voltmeter", KindSensor},
	"em":          {"PowerMeter", KindPowerMeter},
	"em1":         {"PowerMeter", KindPowerMeter},
	"pm1":         {"PowerMeter", KindPowerMeter},
	"emdata":      {"PowerMeter", KindPowerMeter},
	"em1data":     {"PowerMeter", KindPowerMeter},
	"thermostat":  {"Thermostat", KindThermostat},

	// Gen 1 components (arrays are expanded to relay:0, roller:0, ...)
	"relay":     {"Relay", KindSwitch},
	"roller":    {"Roller", KindCover},
	"meter":     {"PowerMeter", KindPowerMeter},
	"emeter":    {"PowerMeter", KindPowerMeter},
	"wifi_sta":  {"WiFi", KindSystem},
	"wifi_sta1": {"WiFi", KindSystem},
	"wifi_ap":   {"WiFi", KindSystem},
	"coiot":     {"CoIoT", KindSystem},
	"sensor":    {"Sensor", KindSensor},
}

// gen1Arrays maps gen 1 array keys to the component prefix of their elements.
var gen1Arrays = map[string]string{
	"relays":  "relay",
	"rollers": "roller",
	"lights":  "light",
	"inputs":  "input",
	"meters":  "meter",
	"emeters": "emeter",
}

// gen1Objects maps gen 1 sensor object keys to the gen 2 style component id
// carrying the same reading.
var gen1Objects = map[string]string{
	"tmp": "temperature:0",
	"hum": "humidity:0",
	"lux": "illuminance:0",
	"bat": "devicepower:0",
}

// splitComponentID splits "switch:0" into ("switch", 0) and "sys" into ("sys", -1).
func splitComponentID(id string) (string, int) {
	prefix, suffix, ok := strings.Cut(id, ":")
	if !ok {
		return id, -1
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return prefix, -1
	}
	return prefix, n
}

// lookupType returns the table entry for a component id.
func lookupType(id string) (componentType, bool) {
	prefix, _ := splitComponentID(id)
	t, ok := componentTypes[prefix]
	return t, ok
}

// Change records one property that changed during Component.Update.
type Change struct {
	Key   string
	Value any
}

// Component is a named, indexed device sub-feature such as "switch:0".
//
// Thread Safety: property access is guarded by the component's own lock,
// so getters may be called while the owning device applies an update.
type Component struct {
	id     string
	prefix string
	index  int
	name   string
	kind   Kind
	device *Device

	props map[string]Property
	order []string
	mu    sync.RWMutex
}

// newComponent creates an empty component owned by dev.
func newComponent(dev *Device, id string, t componentType) *Component {
	prefix, index := splitComponentID(id)
	return &Component{
		id:     id,
		prefix: prefix,
		index:  index,
		name:   t.name,
		kind:   t.kind,
		device: dev,
		props:  make(map[string]Property),
	}
}

// ID returns the component id, e.g. "switch:0".
func (c *Component) ID() string { return c.id }

// Index returns the numeric suffix of the id, or -1.
func (c *Component) Index() int { return c.index }

// Name returns the display name from the type table.
func (c *Component) Name() string { return c.name }

// Kind returns the component kind.
func (c *Component) Kind() Kind { return c.kind }

// Prefix returns the id without its index ("switch" for "switch:0").
func (c *Component) Prefix() string { return c.prefix }

// AddProperty sets a property without reporting a change.
func (c *Component) AddProperty(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// GetProperty returns the property for key.
func (c *Component) GetProperty(key string) (Property, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.props[key]
	if !ok {
		return Property{}, false
	}
	p.Value = deepCopyValue(p.Value)
	return p, true
}

// GetValue returns the value for key, or nil when absent.
func (c *Component) GetValue(key string) any {
	p, ok := c.GetProperty(key)
	if !ok {
		return nil
	}
	return p.Value
}

// HasProperty reports whether key exists.
func (c *Component) HasProperty(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.props[key]
	return ok
}

// Properties returns copies of all properties in insertion order.
func (c *Component) Properties() []Property {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Property, 0, len(c.order))
	for _, k := range c.order {
		p := c.props[k]
		p.Value = deepCopyValue(p.Value)
		out = append(out, p)
	}
	return out
}

// Snapshot returns the properties as a plain map.
func (c *Component) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.props))
	for k, p := range c.props {
		out[k] = deepCopyValue(p.Value)
	}
	return out
}

// Update merges a flat object into the component, creating or overwriting
// properties. Keys are applied in sorted order.
//
// Returns:
//   - []Change: The keys whose value differs from before (deep equality)
func (c *Component) Update(data map[string]any) []Change {
	keys := sortedKeys(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []Change
	for _, k := range keys {
		v := data[k]
		old, existed := c.props[k]
		if existed && reflect.DeepEqual(old.Value, v) {
			continue
		}
		c.setLocked(k, deepCopyValue(v))
		changes = append(changes, Change{Key: k, Value: deepCopyValue(v)})
	}
	return changes
}

func (c *Component) setLocked(key string, value any) {
	if _, ok := c.props[key]; !ok {
		c.order = append(c.order, key)
	}
	c.props[key] = NewProperty(key, value)
}

// IsSwitch reports whether the component can be switched on and off.
func (c *Component) IsSwitch() bool {
	return c.kind == KindSwitch || c.kind == KindLight
}

// IsLight reports whether the component is a light.
func (c *Component) IsLight() bool {
	return c.kind == KindLight
}

// IsCover reports whether the component is a cover/roller.
func (c *Component) IsCover() bool {
	return c.kind == KindCover
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// deepCopyMap creates an independent copy of a JSON object.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives are safe to copy by value
		return v
	}
}
