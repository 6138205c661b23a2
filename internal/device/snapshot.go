package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// redactedKeys are stripped at any depth before a snapshot is written.
var redactedKeys = map[string]bool{
	"ssid": true,
	"lat":  true,
	"lng":  true,
	"lon":  true,
}

// SnapshotPath returns the snapshot file of a device id under dir.
func SnapshotPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// SaveDevicePayloads writes the redacted handshake payloads and component
// state to <dir>/<id>.json. The file can be passed back to Create as a
// fixture host.
//
// Returns:
//   - bool: false when no payload has been cached yet
//   - error: Filesystem or encoding error
func (d *Device) SaveDevicePayloads(dir string) (bool, error) {
	d.mu.RLock()
	if d.payloads.shelly == nil || d.payloads.status == nil {
		d.mu.RUnlock()
		return false, nil
	}
	fx := fixtureFile{
		Shelly:     redact(d.payloads.shelly),
		Settings:   redact(d.payloads.settings),
		Status:     redact(d.payloads.status),
		Components: make(map[string]any, len(d.components)),
	}
	for id, c := range d.components {
		fx.Components[id] = redact(c.Snapshot())
	}
	d.mu.RUnlock()

	data, err := json.MarshalIndent(fx, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("creating data directory: %w", err)
	}

	path := SnapshotPath(dir, d.id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return false, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return false, fmt.Errorf("replacing snapshot: %w", err)
	}
	d.logger.Debug("device snapshot saved", "device_id", d.id, "path", path)
	return true, nil
}

// redact returns a deep copy of m without redactedKeys.
func redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if redactedKeys[k] {
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return redact(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = redactValue(elem)
		}
		return cpy
	default:
		return v
	}
}
