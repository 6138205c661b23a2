package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/shelly-core/internal/rpc"
)

// Transport is the request/response surface a device is reached through.
// *rpc.Client satisfies it.
type Transport interface {
	// Get performs a gen 1 style HTTP GET returning a JSON object.
	Get(ctx context.Context, host, path string, query url.Values) (map[string]any, error)

	// Call performs a JSON-RPC call returning the result object.
	Call(ctx context.Context, host, method string, params map[string]any) (map[string]any, error)
}

// payloads holds the raw handshake responses of one device.
// For gen 1 "settings" is /settings; for gen 2+ it is Shelly.GetConfig.
type payloads struct {
	shelly   map[string]any
	settings map[string]any
	status   map[string]any
}

// fixtureFile is the on-disk layout written by SaveDevicePayloads and read
// back for hosts ending in ".json".
type fixtureFile struct {
	Shelly     map[string]any `json:"shelly"`
	Settings   map[string]any `json:"settings"`
	Status     map[string]any `json:"status"`
	Components map[string]any `json:"components,omitempty"`
}

// IsFixtureHost reports whether host names a fixture file instead of an address.
func IsFixtureHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), ".json")
}

// fileTransport serves handshake payloads from a fixture file.
type fileTransport struct {
	path string
}

func (f fileTransport) load() (fixtureFile, error) {
	var fx fixtureFile
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fx, fmt.Errorf("reading fixture %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &fx); err != nil {
		return fx, fmt.Errorf("parsing fixture %s: %w", f.path, err)
	}
	return fx, nil
}

func (f fileTransport) Get(_ context.Context, _, path string, _ url.Values) (map[string]any, error) {
	fx, err := f.load()
	if err != nil {
		return nil, err
	}
	switch path {
	case "/shelly":
		return fx.Shelly, nil
	case "/status":
		return fx.Status, nil
	case "/settings":
		return fx.Settings, nil
	}
	return nil, ErrFixture
}

func (f fileTransport) Call(_ context.Context, _, method string, _ map[string]any) (map[string]any, error) {
	fx, err := f.load()
	if err != nil {
		return nil, err
	}
	switch method {
	case rpc.MethodGetDeviceInfo:
		return fx.Shelly, nil
	case rpc.MethodGetStatus:
		return fx.Status, nil
	case rpc.MethodGetConfig:
		return fx.Settings, nil
	}
	return nil, ErrFixture
}

// fetchPayloads runs the generation-specific handshake: the base /shelly
// payload first, then status and settings/config concurrently.
//
// Returns:
//   - payloads: All three responses, never nil on success
//   - Generation: Parsed from the base payload ("gen" absent means 1)
//   - error: ErrNotFound, ErrUnsupportedGeneration or ErrHandshake
func fetchPayloads(ctx context.Context, t Transport, host string) (payloads, Generation, error) {
	var p payloads

	shelly, err := t.Get(ctx, host, "/shelly", nil)
	if err != nil || len(shelly) == 0 {
		return p, 0, fmt.Errorf("%w: %s: %v", ErrNotFound, host, err)
	}
	p.shelly = shelly

	gen := Generation(intValue(shelly["gen"], 1))
	if !gen.Valid() {
		return p, 0, fmt.Errorf("%w: %d", ErrUnsupportedGeneration, gen)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if gen == Gen1 {
			p.status, err = t.Get(gctx, host, "/status", nil)
		} else {
			p.status, err = t.Call(gctx, host, rpc.MethodGetStatus, nil)
		}
		if err == nil && len(p.status) == 0 {
			err = fmt.Errorf("empty status")
		}
		return err
	})
	g.Go(func() error {
		var err error
		if gen == Gen1 {
			p.settings, err = t.Get(gctx, host, "/settings", nil)
		} else {
			p.settings, err = t.Call(gctx, host, rpc.MethodGetConfig, nil)
		}
		if err == nil && len(p.settings) == 0 {
			err = fmt.Errorf("empty settings")
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return p, gen, fmt.Errorf("%w: %s: %w", ErrHandshake, host, err)
	}
	return p, gen, nil
}

// identityFromBase extracts the normalised identity from a /shelly payload.
func identityFromBase(gen Generation, shelly map[string]any) (Identity, error) {
	if gen == Gen1 {
		return Gen1Identity(stringValue(shelly["type"]), stringValue(shelly["mac"]))
	}
	return ParseIdentity(stringValue(shelly["id"]))
}

// componentPayload converts a status payload into component-keyed objects.
// Gen 1 arrays are expanded to "relay:0", "roller:1" and sensor objects
// renamed; gen 2+ payloads are already component-keyed.
func componentPayload(gen Generation, status map[string]any) map[string]any {
	out := make(map[string]any, len(status))
	for k, v := range status {
		if gen == Gen1 {
			if prefix, ok := gen1Arrays[k]; ok {
				arr, _ := v.([]any)
				for i, elem := range arr {
					if m, ok := elem.(map[string]any); ok {
						out[fmt.Sprintf("%s:%d", prefix, i)] = m
					}
				}
				continue
			}
			if id, ok := gen1Objects[k]; ok {
				k = id
			}
		}
		if m, ok := v.(map[string]any); ok {
			out[k] = m
		}
	}
	return out
}

// deriveAuth reads the auth flag from the base payload.
func deriveAuth(gen Generation, shelly map[string]any) bool {
	if gen == Gen1 {
		return boolValue(shelly["auth"])
	}
	return boolValue(shelly["auth_en"])
}

// deriveSleep reports whether a device is battery powered and sleeps.
func deriveSleep(gen Generation, p payloads) bool {
	if gen == Gen1 {
		_, ok := p.settings["sleep_mode"]
		return ok
	}
	if sys, ok := p.status["sys"].(map[string]any); ok && floatValue(sys["wakeup_period"]) > 0 {
		return true
	}
	if sleep, ok := lookupPath(p.settings, "sys", "sleep").(map[string]any); ok {
		return floatValue(sleep["wakeup_period"]) > 0
	}
	return false
}

// deriveProfile reads the optional device mode (switch, cover, color, white...).
func deriveProfile(gen Generation, p payloads) string {
	if gen == Gen1 {
		return stringValue(p.settings["mode"])
	}
	if v := stringValue(lookupPath(p.settings, "sys", "device", "profile")); v != "" {
		return v
	}
	return stringValue(p.shelly["profile"])
}

// deriveFirmwareUpdate returns the available firmware version, or "".
func deriveFirmwareUpdate(gen Generation, status map[string]any) string {
	if gen == Gen1 {
		upd, ok := status["update"].(map[string]any)
		if !ok || !boolValue(upd["has_update"]) {
			return ""
		}
		return stringValue(upd["new_version"])
	}
	return stringValue(lookupPath(status, "sys", "available_updates", "stable", "version"))
}

// baseFirmware returns the running firmware version from the base payload.
func baseFirmware(gen Generation, shelly map[string]any) string {
	if gen == Gen1 {
		return stringValue(shelly["fw"])
	}
	if v := stringValue(shelly["ver"]); v != "" {
		return v
	}
	return stringValue(shelly["fw_id"])
}

// baseModel returns the model code from the base payload.
func baseModel(gen Generation, shelly map[string]any) string {
	if gen == Gen1 {
		return stringValue(shelly["type"])
	}
	return stringValue(shelly["model"])
}

// wsConfigProblems compares a gen 2+ outbound websocket config against the
// local server and returns one message per mismatch.
func wsConfigProblems(settings map[string]any, localAddr string, port int) []string {
	ws, ok := settings["ws"].(map[string]any)
	if !ok {
		return []string{"outbound websocket not configured"}
	}
	var problems []string
	if !boolValue(ws["enable"]) {
		problems = append(problems, "outbound websocket disabled")
	}
	server := stringValue(ws["server"])
	u, err := url.Parse(server)
	if server == "" || err != nil {
		return append(problems, "outbound websocket server missing or invalid")
	}
	if port > 0 && u.Port() != fmt.Sprint(port) {
		problems = append(problems, fmt.Sprintf("outbound websocket port %q, expected %d", u.Port(), port))
	}
	if localAddr != "" && u.Hostname() != localAddr {
		problems = append(problems, fmt.Sprintf("outbound websocket host %q, expected %q", u.Hostname(), localAddr))
	}
	return problems
}

func lookupPath(m map[string]any, path ...string) any {
	var cur any = m
	for _, k := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func intValue(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}
