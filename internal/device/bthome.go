package device

import (
	"sort"
	"strings"
)

// BTHome key prefixes used by BLE gateway devices.
const (
	prefixBTHomeDevice = "bthomedevice"
	prefixBTHomeSensor = "bthomesensor"
	prefixBTHomeTRV    = "bthometrv"
)

// BTHomeEntity is a BLE peripheral (or one of its sensors) relayed through a
// gateway device.
type BTHomeEntity struct {
	Key       string // "bthomedevice:200", "bthomesensor:201", "bthometrv:202"
	Address   string // BLE mac address
	Name      string
	SensorID  int // BTHome object id, sensors only
	SensorIdx int // index among sensors of the same object id
}

// bthomeObjects maps BTHome v2 object ids to sensor names.
var bthomeObjects = map[int]string{
	0x00: "packet_id",
	0x01: "battery",
	0x02: "temperature",
	0x03: "humidity",
	0x04: "pressure",
	0x05: "illuminance",
	0x0c: "voltage",
	0x10: "power_on",
	0x12: "co2",
	0x14: "moisture",
	0x15: "battery_low",
	0x1a: "door",
	0x20: "moisture_detected",
	0x21: "motion",
	0x23: "occupancy",
	0x28: "tamper",
	0x2d: "window",
	0x2e: "humidity",
	0x2f: "moisture",
	0x3a: "button",
	0x3f: "rotation",
	0x40: "distance_mm",
	0x41: "distance_m",
	0x45: "temperature",
	0x46: "uv_index",
}

// BTHomeObjectName returns the sensor name for a BTHome object id.
func BTHomeObjectName(objID int) (string, bool) {
	name, ok := bthomeObjects[objID]
	return name, ok
}

func isBTHomeKey(key string) bool {
	prefix, _ := splitComponentID(key)
	return prefix == prefixBTHomeDevice || prefix == prefixBTHomeSensor || prefix == prefixBTHomeTRV
}

// bthomeMaps holds the sub-entity maps of a gateway, keyed by entity key.
type bthomeMaps struct {
	devices map[string]BTHomeEntity
	sensors map[string]BTHomeEntity
	trvs    map[string]BTHomeEntity
}

// buildBTHomeMaps reads sub-entity definitions from a gen 2+ config payload.
func buildBTHomeMaps(config map[string]any) bthomeMaps {
	m := bthomeMaps{
		devices: make(map[string]BTHomeEntity),
		sensors: make(map[string]BTHomeEntity),
		trvs:    make(map[string]BTHomeEntity),
	}
	for key, v := range config {
		obj, ok := v.(map[string]any)
		if !ok || !isBTHomeKey(key) {
			continue
		}
		e := BTHomeEntity{
			Key:     key,
			Address: strings.ToLower(stringValue(obj["addr"])),
			Name:    stringValue(obj["name"]),
		}
		prefix, _ := splitComponentID(key)
		switch prefix {
		case prefixBTHomeDevice:
			m.devices[key] = e
		case prefixBTHomeSensor:
			e.SensorID = intValue(obj["obj_id"], -1)
			e.SensorIdx = intValue(obj["idx"], 0)
			m.sensors[key] = e
		case prefixBTHomeTRV:
			m.trvs[key] = e
		}
	}
	return m
}

func (m bthomeMaps) lookup(key string) (BTHomeEntity, bool) {
	if e, ok := m.devices[key]; ok {
		return e, true
	}
	if e, ok := m.sensors[key]; ok {
		return e, true
	}
	e, ok := m.trvs[key]
	return e, ok
}

// bthomeDeviceFields are the status keys reported as bthomedevice_update.
var bthomeDeviceFields = []string{"rssi", "packet_id", "last_updated_ts", "battery"}

// bthomeStatusEvents converts one bthome status object into events.
// The caller holds the device lock; the events are dispatched later.
func (d *Device) bthomeStatusEvents(key string, obj map[string]any) []Event {
	e, ok := d.bthome.lookup(key)
	if !ok {
		d.logger.Debug("unknown bthome entity", "device_id", d.id, "key", key)
		return nil
	}

	now := d.now()
	prefix, _ := splitComponentID(key)
	var events []Event

	if prefix == prefixBTHomeSensor {
		v, ok := obj["value"]
		if !ok {
			return nil
		}
		name, known := BTHomeObjectName(e.SensorID)
		if !known {
			name = e.Name
		}
		return append(events, Event{
			Type:     EventBTHomeSensorUpdate,
			DeviceID: d.id,
			Address:  e.Address,
			Key:      name,
			Value:    deepCopyValue(v),
			Index:    e.SensorIdx,
			Time:     now,
		})
	}

	for _, f := range bthomeDeviceFields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		events = append(events, Event{
			Type:     EventBTHomeDeviceUpdate,
			DeviceID: d.id,
			Address:  e.Address,
			Key:      f,
			Value:    deepCopyValue(v),
			Time:     now,
		})
	}
	return events
}

// BTHomeDevices returns the gateway's relayed BLE devices.
func (d *Device) BTHomeDevices() []BTHomeEntity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return entityList(d.bthome.devices)
}

// BTHomeSensors returns the gateway's relayed BLE sensors.
func (d *Device) BTHomeSensors() []BTHomeEntity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return entityList(d.bthome.sensors)
}

// BTHomeTRVs returns the gateway's relayed thermostatic radiator valves.
func (d *Device) BTHomeTRVs() []BTHomeEntity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return entityList(d.bthome.trvs)
}

func entityList(m map[string]BTHomeEntity) []BTHomeEntity {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]BTHomeEntity, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
