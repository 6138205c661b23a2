package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/shelly-core/internal/device"
	"github.com/nerrad567/shelly-core/internal/mirror"
	"github.com/nerrad567/shelly-core/internal/registry"
)

// DeviceView is the JSON representation of a device.
type DeviceView struct {
	ID                string          `json:"id"`
	Host              string          `json:"host"`
	Gen               int             `json:"gen"`
	Model             string          `json:"model"`
	Name              string          `json:"name,omitempty"`
	Firmware          string          `json:"firmware,omitempty"`
	AvailableFirmware string          `json:"available_firmware,omitempty"`
	Online            bool            `json:"online"`
	Cached            bool            `json:"cached"`
	SleepMode         bool            `json:"sleep_mode"`
	Fixture           bool            `json:"fixture,omitempty"`
	LastSeen          *time.Time      `json:"last_seen,omitempty"`
	Components        []ComponentView `json:"components,omitempty"`
}

// ComponentView is the JSON representation of a component.
type ComponentView struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Name  string         `json:"name,omitempty"`
	State map[string]any `json:"state"`
}

// addDeviceRequest is the body of POST /devices.
type addDeviceRequest struct {
	Host string `json:"host"`
}

func newDeviceView(d *device.Device, withComponents bool) DeviceView {
	v := DeviceView{
		ID:                d.ID(),
		Host:              d.Host(),
		Gen:               int(d.Generation()),
		Model:             d.Model(),
		Name:              d.Name(),
		Firmware:          d.Firmware(),
		AvailableFirmware: d.AvailableFirmware(),
		Online:            d.Online(),
		Cached:            d.Cached(),
		SleepMode:         d.SleepMode(),
		Fixture:           d.IsFixture(),
	}
	if seen := d.LastSeen(); !seen.IsZero() {
		seen = seen.UTC()
		v.LastSeen = &seen
	}
	if withComponents {
		for _, c := range d.Components() {
			v.Components = append(v.Components, newComponentView(c))
		}
	}
	return v
}

func newComponentView(c *device.Component) ComponentView {
	return ComponentView{
		ID:    c.ID(),
		Kind:  string(c.Kind()),
		Name:  c.Name(),
		State: c.Snapshot(),
	}
}

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - gen: filter by generation (1-4)
//   - online: filter by availability (true, false)
//   - kind: only devices with a component of this kind (switch, cover, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	gen := 0
	if v := q.Get("gen"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "gen must be an integer")
			return
		}
		gen = n
	}
	var online *bool
	if v := q.Get("online"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		online = &b
	}
	kind := device.Kind(q.Get("kind"))

	views := make([]DeviceView, 0, s.registry.Len())
	for _, d := range s.registry.Devices() {
		if gen != 0 && int(d.Generation()) != gen {
			continue
		}
		if online != nil && d.Online() != *online {
			continue
		}
		if kind != "" && !hasKind(d, kind) {
			continue
		}
		views = append(views, newDeviceView(d, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

func hasKind(d *device.Device, kind device.Kind) bool {
	for _, c := range d.Components() {
		if c.Kind() == kind {
			return true
		}
	}
	return false
}

// handleGetDevice returns a single device with its components.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d := s.lookup(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(d, true))
}

// handleAddDevice runs the handshake against a host and registers the device.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeBadRequest(w, "host is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	d, err := s.registry.AddDevice(ctx, req.Host)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, newDeviceView(d, true))
	case errors.Is(err, device.ErrNotFound):
		writeNotFound(w, "no Shelly device at "+req.Host)
	case errors.Is(err, registry.ErrAddInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is already being added")
	case errors.Is(err, registry.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "registry is stopped")
	default:
		s.logger.Warn("adding device via API failed", "host", req.Host, "error", err)
		writeDeviceError(w, err.Error())
	}
}

// handleRemoveDevice forgets a device.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.RemoveDevice(id); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to remove device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshDevice fetches the full status of a device now.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	d := s.lookup(w, r)
	if d == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	if err := d.FetchUpdate(ctx); err != nil {
		writeDeviceError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(d, true))
}

// handleGetComponent returns the state of one component.
func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	d := s.lookup(w, r)
	if d == nil {
		return
	}
	c, ok := d.Component(chi.URLParam(r, "component"))
	if !ok {
		writeNotFound(w, "component not found")
		return
	}
	writeJSON(w, http.StatusOK, newComponentView(c))
}

// handleCommand runs a capability command against one component.
//
// The body is a mirror.CommandMessage, e.g. {"command": "on"} or
// {"command": "position", "parameters": {"position": 5000}}.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	d := s.lookup(w, r)
	if d == nil {
		return
	}

	var cmd mirror.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	component := chi.URLParam(r, "component")
	s.logger.Info("received command",
		"device_id", d.ID(),
		"component", component,
		"command", cmd.Command,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	err := mirror.ExecuteOn(ctx, d, component, cmd)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"device_id": d.ID(),
			"component": component,
			"command":   cmd.Command,
		})
	case errors.Is(err, mirror.ErrUnknownComponent):
		writeNotFound(w, "component not found")
	case errors.Is(err, mirror.ErrUnsupportedCommand),
		errors.Is(err, mirror.ErrInvalidCommand),
		errors.Is(err, device.ErrOutOfRange),
		errors.Is(err, device.ErrNotSupported):
		writeBadRequest(w, err.Error())
	case errors.Is(err, device.ErrFixture):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeDeviceError(w, err.Error())
	}
}

// lookup resolves the {id} URL parameter, writing a 404 when unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *device.Device {
	d := s.registry.Device(chi.URLParam(r, "id"))
	if d == nil {
		writeNotFound(w, "device not found")
	}
	return d
}
