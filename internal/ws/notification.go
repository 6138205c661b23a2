package ws

import (
	"fmt"

	"github.com/nerrad567/shelly-core/internal/rpc"
)

// Notification kinds.
const (
	// KindUpdate carries a status payload (NotifyStatus, NotifyFullStatus).
	KindUpdate = "wssupdate"

	// KindEvent carries a NotifyEvent batch.
	KindEvent = "wssevent"
)

// Notification is a decoded unsolicited frame.
type Notification struct {
	Kind   string
	Src    string
	Method string
	Status map[string]any
	Events []rpc.Event
}

// Dispatcher receives notifications. It returns false when Src does not
// belong to a known device, so the receiver can log and drop the frame.
type Dispatcher func(Notification) bool

// Logger defines the logging interface used by the ws package.
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

// decodeNotification converts a notification frame.
func decodeNotification(f *rpc.Frame) (Notification, error) {
	n := Notification{Src: f.Src, Method: f.Method}
	switch f.Method {
	case rpc.MethodNotifyStatus, rpc.MethodNotifyFullStatus:
		status, err := rpc.StatusParams(f.Params)
		if err != nil {
			return n, err
		}
		n.Kind = KindUpdate
		n.Status = status
	case rpc.MethodNotifyEvent:
		events, err := rpc.EventParams(f.Params)
		if err != nil {
			return n, err
		}
		n.Kind = KindEvent
		n.Events = events
	default:
		return n, fmt.Errorf("%w: unsupported notification %q", rpc.ErrBadResponse, f.Method)
	}
	return n, nil
}

// dispatch runs d with panic recovery.
func dispatch(d Dispatcher, n Notification, logger Logger) (known bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("websocket dispatcher panic recovered", "src", n.Src, "method", n.Method, "panic", r)
			known = true
		}
	}()
	return d(n)
}
