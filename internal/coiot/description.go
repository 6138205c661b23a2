package coiot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Block is one functional unit of a description ("relay_0", "device").
type Block struct {
	ID   int    `json:"I"`
	Name string `json:"D"`
}

// Sensor is one reported value of a description.
type Sensor struct {
	ID     int        `json:"I"`
	Type   string     `json:"T"`
	Name   string     `json:"D"`
	Unit   string     `json:"U,omitempty"`
	Range  flexString `json:"R"`
	Blocks flexInts   `json:"L"`
}

// Description is the decoded /cit/d document.
type Description struct {
	Blocks  []Block  `json:"blk"`
	Sensors []Sensor `json:"sen"`

	blocks  map[int]Block
	sensors map[int]Sensor
}

// flexString accepts a string or an array of strings; the first is kept.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	if len(list) > 0 {
		*f = flexString(list[0])
	}
	return nil
}

// flexInts accepts an int or an array of ints.
type flexInts []int

func (f *flexInts) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInts{n}
		return nil
	}
	var list []int
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// ParseDescription decodes a /cit/d payload.
func ParseDescription(payload []byte) (*Description, error) {
	var d Description
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: description: %w", ErrInvalidPayload, err)
	}
	if len(d.Sensors) == 0 {
		return nil, fmt.Errorf("%w: description has no sensors", ErrInvalidPayload)
	}
	d.index()
	return &d, nil
}

func (d *Description) index() {
	d.blocks = make(map[int]Block, len(d.Blocks))
	for _, b := range d.Blocks {
		d.blocks[b.ID] = b
	}
	d.sensors = make(map[int]Sensor, len(d.Sensors))
	for _, s := range d.Sensors {
		d.sensors[s.ID] = s
	}
}

// Sensor looks up a sensor by id.
func (d *Description) Sensor(id int) (Sensor, bool) {
	s, ok := d.sensors[id]
	return s, ok
}

// Block looks up a block by id.
func (d *Description) Block(id int) (Block, bool) {
	b, ok := d.blocks[id]
	return b, ok
}

// Datum is one [channel, sensorId, value] entry of a status payload.
type Datum struct {
	Channel  int
	SensorID int
	Value    any
}

// ParseStatus decodes a /cit/s payload into its datums.
func ParseStatus(payload []byte) ([]Datum, error) {
	var doc struct {
		G [][]json.RawMessage `json:"G"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: status: %w", ErrInvalidPayload, err)
	}
	out := make([]Datum, 0, len(doc.G))
	for _, g := range doc.G {
		if len(g) != 3 { //nolint:mnd // [channel, sensor, value]
			return nil, fmt.Errorf("%w: datum with %d fields", ErrInvalidPayload, len(g))
		}
		var d Datum
		if err := json.Unmarshal(g[0], &d.Channel); err != nil {
			return nil, fmt.Errorf("%w: datum channel: %w", ErrInvalidPayload, err)
		}
		if err := json.Unmarshal(g[1], &d.SensorID); err != nil {
			return nil, fmt.Errorf("%w: datum sensor: %w", ErrInvalidPayload, err)
		}
		if err := json.Unmarshal(g[2], &d.Value); err != nil {
			return nil, fmt.Errorf("%w: datum value: %w", ErrInvalidPayload, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// target is where a sensor value lands in the component model.
type target struct {
	// prefix of the component id; empty keeps the block prefix.
	prefix string
	key    string

	// fixedIndex pins the component index (sensor blocks map to :0).
	fixedIndex bool
}

// sensorTargets maps block prefix, then sensor name, to a component key.
var sensorTargets = map[string]map[string]target{
	"relay": {
		"output":        {key: "ison"},
		"overpower":     {key: "overpower"},
		"power":         {prefix: "meter", key: "power"},
		"energy":        {prefix: "meter", key: "total"},
		"input":         {prefix: "input", key: "input"},
		"inputEvent":    {prefix: "input", key: "event"},
		"inputEventCnt": {prefix: "input", key: "event_cnt"},
	},
	"roller": {
		"roller":           {key: "state"},
		"rollerPos":        {key: "current_pos"},
		"rollerStopReason": {key: "stop_reason"},
		"rollerPower":      {prefix: "meter", key: "power"},
		"rollerEnergy":     {prefix: "meter", key: "total"},
	},
	"light": {
		"output":     {key: "ison"},
		"brightness": {key: "brightness"},
		"colorTemp":  {key: "temp"},
		"gain":       {key: "gain"},
		"red":        {key: "red"},
		"green":      {key: "green"},
		"blue":       {key: "blue"},
		"white":      {key: "white"},
		"mode":       {key: "mode"},
		"power":      {prefix: "meter", key: "power"},
		"energy":     {prefix: "meter", key: "total"},
	},
	"input": {
		"input":         {key: "input"},
		"inputEvent":    {key: "event"},
		"inputEventCnt": {key: "event_cnt"},
	},
	"emeter": {
		"power":   {key: "power"},
		"energy":  {key: "total"},
		"voltage": {key: "voltage"},
		"current": {key: "current"},
		"pf":      {key: "pf"},
	},
	"sensor": {
		"temperature": {prefix: "temperature", key: "tC", fixedIndex: true},
		"humidity":    {prefix: "humidity", key: "value", fixedIndex: true},
		"luminosity":  {prefix: "illuminance", key: "value", fixedIndex: true},
	},
	"device": {
		"battery": {prefix: "devicepower", key: "value", fixedIndex: true},
	},
}

// splitBlock turns "relay_0" (or the older "Relay0") into ("relay", 0).
// Blocks without an index return -1.
func splitBlock(name string) (string, int) {
	s := strings.ToLower(strings.TrimSpace(name))
	end := len(s)
	for end > 0 && s[end-1] >= '0' && s[end-1] <= '9' {
		end--
	}
	if end == len(s) {
		return s, -1
	}
	idx, err := strconv.Atoi(s[end:])
	if err != nil {
		return s, -1
	}
	return strings.TrimSuffix(s[:end], "_"), idx
}

// Decode maps status datums onto component-keyed updates, e.g.
// {"relay:0": {"ison": true}}. Datums for unknown sensors are skipped and
// returned as the second value.
func (d *Description) Decode(datums []Datum) (map[string]any, []int) {
	out := make(map[string]any)
	var skipped []int

	for _, dt := range datums {
		s, ok := d.sensors[dt.SensorID]
		if !ok || len(s.Blocks) == 0 {
			skipped = append(skipped, dt.SensorID)
			continue
		}
		b, ok := d.blocks[s.Blocks[0]]
		if !ok {
			skipped = append(skipped, dt.SensorID)
			continue
		}
		prefix, idx := splitBlock(b.Name)
		tg, ok := sensorTargets[prefix][s.Name]
		if !ok {
			skipped = append(skipped, dt.SensorID)
			continue
		}

		compPrefix := prefix
		if tg.prefix != "" {
			compPrefix = tg.prefix
		}
		if tg.fixedIndex || idx < 0 {
			idx = 0
		}
		id := compPrefix + ":" + strconv.Itoa(idx)

		props, _ := out[id].(map[string]any)
		if props == nil {
			props = make(map[string]any)
			out[id] = props
		}
		props[tg.key] = s.convert(dt.Value)
	}
	return out, skipped
}

// convert applies the sensor range: "0/1" sensors are booleans.
func (s Sensor) convert(v any) any {
	if s.Range == "0/1" {
		if n, ok := v.(float64); ok {
			return n != 0
		}
	}
	return v
}
