package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/shelly-core/internal/rpc"
)

// Server defaults.
const (
	// DefaultServerPort is the port devices are configured to connect to.
	DefaultServerPort = 8485

	DefaultPath           = "/"
	DefaultMaxMessageSize = 64 * 1024
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 10 * time.Second

	// gracefulShutdownTimeout bounds Stop.
	gracefulShutdownTimeout = 5 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Host and Port to listen on. Port 0 picks a free port.
	Host string
	Port int

	// Path devices connect to. Default: "/".
	Path string

	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// Dispatch receives every decoded notification. Required.
	Dispatch Dispatcher

	// Logger is optional.
	Logger Logger
}

// Server accepts websocket connections opened by devices.
type Server struct {
	opts     ServerOptions
	logger   Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	conns   map[*serverConn]struct{}
	closing bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// serverConn is one device connection.
type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewServer creates a Server. Call Start to listen.
func NewServer(opts ServerOptions) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Devices send no Origin header
				return true
			},
		},
		conns: make(map[*serverConn]struct{}),
	}
}

// Handler returns the router serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(s.opts.Path, s.handleUpgrade)
	return r
}

// Start listens on Host:Port and serves in the background.
//
// Returns:
//   - error: If the port cannot be bound or the server already runs
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return ErrServerRunning
	}
	s.closing = false

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws: listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server error", "error", err)
		}
	}()
	s.logger.Info("websocket server listening", "address", ln.Addr().String(), "path", s.opts.Path)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down, then closes all device connections and
// waits for their goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.closing = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down websocket server: %w", shutdownErr)
		}
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return err
}

// ConnectionCount returns the number of connected devices.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &serverConn{conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Debug("device websocket connected", "remote", r.RemoteAddr)

	go s.pingLoop(c)
	go s.readPump(c, r.RemoteAddr)
}

// readPump decodes frames until the connection closes.
func (s *Server) readPump(c *serverConn, remote string) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
		s.wg.Done()
	}()

	deadline := s.opts.PingInterval + s.opts.PongTimeout
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // best-effort deadline
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("device websocket read error", "remote", remote, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // best-effort deadline
		s.handleFrame(data, remote)
	}
}

// handleFrame decodes one frame and dispatches it.
func (s *Server) handleFrame(data []byte, remote string) {
	f, err := rpc.ParseFrame(data)
	if err != nil {
		s.logger.Debug("discarding malformed websocket frame", "remote", remote, "error", err)
		return
	}
	if !f.IsNotification() {
		s.logger.Debug("ignoring non-notification frame", "remote", remote, "src", f.Src, "id", f.ID)
		return
	}
	n, err := decodeNotification(f)
	if err != nil {
		s.logger.Debug("discarding websocket notification", "remote", remote, "src", f.Src, "error", err)
		return
	}
	if s.opts.Dispatch == nil || !dispatch(s.opts.Dispatch, n, s.logger) {
		s.logger.Info("dropping notification from unknown source", "remote", remote, "src", f.Src, "method", f.Method)
	}
}

// pingLoop keeps the connection alive.
func (s *Server) pingLoop(c *serverConn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.PongTimeout)) //nolint:errcheck // best-effort deadline
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
