package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/shelly-core/internal/mcast"
)

// Network constants.
const (
	Port       = 5353
	GroupIPv4  = "224.0.0.251"
	GroupIPv6  = "ff02::fb"
	maxPacket  = 9000
	sendWindow = 2 * time.Second

	// DefaultQueryInterval is the time between PTR queries.
	DefaultQueryInterval = time.Minute
)

// Logger defines the logging interface used by the mdns package.
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

// Handler receives each newly discovered device.
type Handler func(Discovery)

// Options configures a Scanner.
type Options struct {
	// Interface names the network interface to use. Empty uses the system
	// default.
	Interface string

	// IPv6 additionally joins ff02::fb.
	IPv6 bool

	// QueryInterval between queries. Default: one minute.
	QueryInterval time.Duration

	Handler Handler
	Logger  Logger
}

// Scanner listens for mDNS responses and reports Shelly devices.
//
// Thread Safety: all methods are safe for concurrent use.
type Scanner struct {
	opts   Options
	logger Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	conn4   *mcast.Conn4
	conn6   *mcast.Conn6
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScanner creates a Scanner. Call Start to begin scanning.
func NewScanner(opts Options) *Scanner {
	if opts.QueryInterval <= 0 {
		opts.QueryInterval = DefaultQueryInterval
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Scanner{
		opts:   opts,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Start joins the multicast groups, sends the first query and keeps
// querying every QueryInterval.
//
// Returns:
//   - error: ErrAlreadyStarted, or the socket error for IPv4. An IPv6
//     failure is logged and scanning continues on IPv4.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	ifi, err := mcast.Interface(s.opts.Interface)
	if err != nil {
		return err
	}
	conn4, err := mcast.ListenIPv4(ctx, ifi, GroupIPv4, Port)
	if err != nil {
		return err
	}
	s.conn4 = conn4
	s.wg.Add(1)
	go s.readLoop4(conn4)

	if s.opts.IPv6 {
		conn6, err := mcast.ListenIPv6(ctx, ifi, GroupIPv6, Port)
		if err != nil {
			s.logger.Warn("mdns ipv6 unavailable", "error", err)
		} else {
			s.conn6 = conn6
			s.wg.Add(1)
			go s.readLoop6(conn6)
		}
	}
	s.started = true
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.queryLoop(s.done)
	s.logger.Info("mdns scanner started", "interface", s.opts.Interface, "ipv6", s.conn6 != nil)
	return nil
}

// Stop closes the sockets and waits for the loops to exit.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	if s.conn4 != nil {
		s.conn4.Close()
		s.conn4 = nil
	}
	if s.conn6 != nil {
		s.conn6.Close()
		s.conn6 = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Query sends one PTR query on every joined group.
func (s *Scanner) Query() error {
	data, err := Query()
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn4, conn6 := s.conn4, s.conn6
	s.mu.Unlock()

	var errs []error
	if conn4 != nil {
		conn4.SetWriteDeadline(time.Now().Add(sendWindow)) //nolint:errcheck // best-effort deadline
		if _, err := conn4.WriteTo(data, nil, conn4.Group); err != nil {
			errs = append(errs, fmt.Errorf("mdns: ipv4 query: %w", err))
		}
	}
	if conn6 != nil {
		conn6.SetWriteDeadline(time.Now().Add(sendWindow)) //nolint:errcheck // best-effort deadline
		if _, err := conn6.WriteTo(data, nil, conn6.Group); err != nil {
			errs = append(errs, fmt.Errorf("mdns: ipv6 query: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Forget lets id be reported again, e.g. after its device was removed.
func (s *Scanner) Forget(id string) {
	s.mu.Lock()
	delete(s.seen, strings.ToLower(id))
	s.mu.Unlock()
}

func (s *Scanner) queryLoop(done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.QueryInterval)
	defer ticker.Stop()

	for {
		if err := s.Query(); err != nil {
			s.logger.Warn("mdns query failed", "error", err)
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scanner) readLoop4(c *mcast.Conn4) {
	defer s.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, _, src, err := c.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("mdns read failed", "error", err)
			}
			return
		}
		s.handlePacket(buf[:n], src)
	}
}

func (s *Scanner) readLoop6(c *mcast.Conn6) {
	defer s.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, _, src, err := c.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("mdns read failed", "error", err)
			}
			return
		}
		s.handlePacket(buf[:n], src)
	}
}

// handlePacket decodes one datagram and reports unseen devices.
func (s *Scanner) handlePacket(data []byte, src net.Addr) {
	var ip net.IP
	if udp, ok := src.(*net.UDPAddr); ok {
		ip = udp.IP
	}
	found, err := ParsePacket(data, ip)
	if err != nil {
		s.logger.Debug("discarding mdns packet", "src", addrString(src), "error", err)
		return
	}
	for _, d := range found {
		key := strings.ToLower(d.ID)
		s.mu.Lock()
		_, dup := s.seen[key]
		if !dup {
			s.seen[key] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}
		s.logger.Debug("mdns discovered device", "id", d.ID, "host", d.Host, "gen", d.Gen)
		s.emit(d)
	}
}

func (s *Scanner) emit(d Discovery) {
	if s.opts.Handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mdns handler panic recovered", "id", d.ID, "panic", r)
		}
	}()
	s.opts.Handler(d)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
