package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/shelly-core/internal/auth"
	"github.com/nerrad567/shelly-core/internal/rpc"
)

// Client defaults.
const (
	// DefaultCallTimeout bounds each correlated request.
	DefaultCallTimeout = 20 * time.Second

	// RPCPath is the device endpoint the client connects to.
	RPCPath = "/rpc"

	dialTimeout = 10 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Host is the device address, with an optional port.
	Host string

	// Credentials answer digest challenges. Optional.
	Credentials auth.Credentials

	// Src identifies this client in every request. Default: a random
	// "shelly-core-<uuid>".
	Src string

	// Dispatch receives notifications pushed over this connection.
	Dispatch Dispatcher

	// InitialStatus requests Shelly.GetStatus after each connect and
	// dispatches the result as an update. Shelly firmware only pushes
	// notifications to a client after it has sent a request.
	InitialStatus bool

	CallTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Dialer overrides the websocket dialer. Optional.
	Dialer *websocket.Dialer

	// Logger is optional.
	Logger Logger
}

// Client holds one outbound JSON-RPC connection to a device.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	opts   ClientOptions
	logger Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{} // closed when conn drops
	pending map[int64]chan *rpc.Frame
	stopped bool

	connecting bool

	writeMu sync.Mutex
	nextID  atomic.Int64
	nc      atomic.Int64

	wg sync.WaitGroup
}

// NewClient creates a Client. It does not connect until Start.
func NewClient(opts ClientOptions) *Client {
	if opts.Src == "" {
		opts.Src = "shelly-core-" + uuid.NewString()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		dialer:  dialer,
		pending: make(map[int64]chan *rpc.Frame),
	}
}

// Src returns the client identity sent with every request.
func (c *Client) Src() string {
	return c.opts.Src
}

// URL returns the websocket URL of the device endpoint.
func (c *Client) URL() string {
	u := url.URL{Scheme: "ws", Host: c.opts.Host, Path: RPCPath}
	return u.String()
}

// Start connects to the device. It is a no-op while connected or dialing, so it can
// be called again to restart a dropped connection.
//
// Returns:
//   - error: ErrClosed after Stop, or the dial error
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	// The dial runs unlocked so IsConnected and Call fail fast meanwhile.
	c.connecting = true
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.URL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", rpc.ErrTransport, c.opts.Host, err)
	}
	if c.stopped {
		conn.Close()
		return ErrClosed
	}

	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.logger.Debug("websocket client connected", "host", c.opts.Host)

	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	if c.opts.InitialStatus {
		c.wg.Add(1)
		go c.requestStatus()
	}
	return nil
}

// Stop closes the connection. The client cannot be restarted.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // closing anyway
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}

// IsConnected reports whether a connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Call sends a request over the connection and waits for its response.
// A 401 challenge is answered once with a digest "auth" object.
//
// Returns:
//   - map[string]any: Decoded result object
//   - error: ErrNotConnected, ErrTimeout, ErrClosed, auth.ErrMissingCredentials,
//     rpc.ErrUnauthorized or rpc.ErrRemote
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	f, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return rpc.DecodeResult(f.Result)
}

// call performs the request and the optional digest retry.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (*rpc.Frame, error) {
	req := rpc.Request{Src: c.opts.Src, Method: method, Params: params}
	f, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if f.Error != nil && f.Error.Code == rpc.CodeUnauthorized {
		if c.opts.Credentials.IsZero() {
			return nil, auth.ErrMissingCredentials
		}
		ch, err := auth.ParseRPCChallenge(f.Error.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", rpc.ErrUnauthorized, err)
		}
		digest, err := auth.DigestAuth(c.opts.Credentials, ch, int(c.nc.Add(1)), auth.NewClientNonce())
		if err != nil {
			return nil, err
		}
		req.Auth = &digest
		if f, err = c.roundTrip(ctx, req); err != nil {
			return nil, err
		}
		if f.Error != nil && f.Error.Code == rpc.CodeUnauthorized {
			return nil, fmt.Errorf("%w: %s rejected credentials for %s", rpc.ErrUnauthorized, c.opts.Host, method)
		}
	}
	if f.Error != nil {
		return nil, fmt.Errorf("%w: %s: %w", rpc.ErrRemote, method, f.Error)
	}
	return f, nil
}

// roundTrip writes one request and waits for the frame with its id.
func (c *Client) roundTrip(ctx context.Context, req rpc.Request) (*rpc.Frame, error) {
	req.ID = c.nextID.Add(1)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", req.Method, err)
	}

	respCh := make(chan *rpc.Frame, 1)
	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[req.ID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.PongTimeout)) //nolint:errcheck // best-effort deadline
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: writing %s: %w", rpc.ErrTransport, req.Method, err)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	select {
	case f := <-respCh:
		return f, nil
	case <-done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Method, c.opts.CallTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop routes responses to waiting calls and notifications to Dispatch.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)
		conn.Close()
		c.wg.Done()
	}()

	deadline := c.opts.PingInterval + c.opts.PongTimeout
	conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // best-effort deadline
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if !stopped {
				c.logger.Warn("websocket client disconnected", "host", c.opts.Host, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // best-effort deadline

		f, err := rpc.ParseFrame(data)
		if err != nil {
			c.logger.Debug("discarding malformed websocket frame", "host", c.opts.Host, "error", err)
			continue
		}
		if f.IsNotification() {
			c.notify(f)
			continue
		}

		c.mu.Lock()
		respCh, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping uncorrelated response", "host", c.opts.Host, "id", f.ID)
			continue
		}
		select {
		case respCh <- f:
		default:
		}
	}
}

func (c *Client) notify(f *rpc.Frame) {
	n, err := decodeNotification(f)
	if err != nil {
		c.logger.Debug("discarding websocket notification", "host", c.opts.Host, "error", err)
		return
	}
	if c.opts.Dispatch == nil {
		return
	}
	if !dispatch(c.opts.Dispatch, n, c.logger) {
		c.logger.Info("dropping notification from unknown source", "host", c.opts.Host, "src", n.Src)
	}
}

// requestStatus fetches the full status once after connecting.
func (c *Client) requestStatus() {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()

	f, err := c.call(ctx, rpc.MethodGetStatus, nil)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			c.logger.Warn("initial status request failed", "host", c.opts.Host, "error", err)
		}
		return
	}
	status, err := rpc.DecodeResult(f.Result)
	if err != nil {
		c.logger.Debug("discarding initial status", "host", c.opts.Host, "error", err)
		return
	}
	if c.opts.Dispatch == nil {
		return
	}
	n := Notification{Kind: KindUpdate, Src: f.Src, Method: rpc.MethodGetStatus, Status: status}
	if !dispatch(c.opts.Dispatch, n, c.logger) {
		c.logger.Info("dropping status from unknown source", "host", c.opts.Host, "src", f.Src)
	}
}

// pingLoop sends pings until the connection drops.
func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.opts.PongTimeout)) //nolint:errcheck // best-effort deadline
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}
