package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/shelly-core/internal/auth"
)

// Notification methods pushed by gen 2+ devices.
const (
	MethodNotifyStatus     = "NotifyStatus"
	MethodNotifyFullStatus = "NotifyFullStatus"
	MethodNotifyEvent      = "NotifyEvent"
)

// Handshake and command methods.
const (
	MethodGetDeviceInfo = "Shelly.GetDeviceInfo"
	MethodGetStatus     = "Shelly.GetStatus"
	MethodGetConfig     = "Shelly.GetConfig"
)

// CodeUnauthorized is the JSON-RPC error code carrying a digest challenge.
const CodeUnauthorized = 401

// Request is an outbound JSON-RPC request.
type Request struct {
	ID     int64          `json:"id"`
	Src    string         `json:"src,omitempty"`
	Dst    string         `json:"dst,omitempty"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	Auth   *auth.Digest   `json:"auth,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Frame is any inbound JSON-RPC message: a response (ID plus Result or
// Error) or an unsolicited notification (Method plus Params, ID zero).
type Frame struct {
	ID     int64           `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the frame is an unsolicited push.
func (f *Frame) IsNotification() bool {
	return f.Method != "" && f.Result == nil && f.Error == nil
}

// ParseFrame decodes one WebSocket text frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return &f, nil
}

// Event is one entry of a NotifyEvent "events" array.
type Event struct {
	Component string         `json:"component"`
	ID        int            `json:"id"`
	Event     string         `json:"event"`
	TS        float64        `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// eventParams is the params object of NotifyEvent.
type eventParams struct {
	TS     float64 `json:"ts"`
	Events []Event `json:"events"`
}

// StatusParams decodes NotifyStatus/NotifyFullStatus params into a
// component-keyed payload. The "ts" timestamp key is removed.
func StatusParams(raw json.RawMessage) (map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: status params: %w", ErrBadResponse, err)
	}
	delete(params, "ts")
	return params, nil
}

// EventParams decodes NotifyEvent params into its event list.
func EventParams(raw json.RawMessage) ([]Event, error) {
	var params eventParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: event params: %w", ErrBadResponse, err)
	}
	return params.Events, nil
}

// DecodeResult decodes a result into a JSON object.
func DecodeResult(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: result: %w", ErrBadResponse, err)
	}
	return out, nil
}
