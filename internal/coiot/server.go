package coiot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/shelly-core/internal/mcast"
)

// Defaults.
const (
	// DefaultPort is the CoIoT port, both multicast and unicast.
	DefaultPort = 5683

	// MulticastGroup is the CoIoT multicast address.
	MulticastGroup = "224.0.1.187"

	DefaultRequestTimeout = 5 * time.Second
	DefaultQueueSize      = 256

	// ackTimeout is the CON retransmission interval.
	ackTimeout = 2 * time.Second

	pathDescription = "cit/d"
	pathStatus      = "cit/s"

	maxDatagram = 4096
)

// Logger defines the logging interface used by the coiot package.
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

// Update is a decoded, de-duplicated status datagram.
type Update struct {
	// Host is the sender address.
	Host string

	// DeviceID is the registered id of the sender.
	DeviceID string

	// Vendor holds the decoded vendor options.
	Vendor Vendor

	// Status is keyed by component id, e.g. {"relay:0": {"ison": true}}.
	Status map[string]any

	Received time.Time
}

// Handler receives updates from registered devices.
type Handler func(Update)

// UnknownHandler is called for status datagrams from unregistered hosts.
type UnknownHandler func(host string, id DeviceID)

// Options configures a Server.
type Options struct {
	// Interface names the interface to join the multicast group on.
	// Empty uses the system default.
	Interface string

	// Port is the multicast listen port. Default: 5683.
	Port int

	// DevicePort is the unicast destination port. Default: 5683.
	DevicePort int

	RequestTimeout time.Duration
	QueueSize      int

	Handler   Handler
	OnUnknown UnknownHandler
	Logger    Logger
}

// entry is the per-host state of a registered device.
type entry struct {
	id        string
	serial    uint16
	hasSerial bool
	desc      *Description

	// parked is the latest datagram received while the description is
	// being fetched; non-nil while a fetch is in flight.
	parked *datagram
}

// datagram is one unsolicited message waiting for the worker.
type datagram struct {
	msg Message
	src *net.UDPAddr
	at  time.Time
}

// Server receives CoIoT status datagrams and issues unicast requests.
type Server struct {
	opts   Options
	logger Logger

	mu      sync.Mutex
	devices map[string]*entry
	pending map[string]chan Message // keyed by token

	ucast   *net.UDPConn
	group   *mcast.Conn4
	inbox   chan datagram
	done    chan struct{}
	started bool

	nextMID atomic.Uint32
	wg      sync.WaitGroup
	stop    sync.Once

	// flight collapses concurrent description fetches per host.
	flight singleflight.Group

	// describe fetches a description; replaced in tests.
	describe func(ctx context.Context, host string) (*Description, error)
}

// NewServer creates a Server. Call Start to open the unicast socket and
// ListenForStatusUpdates to join the multicast group.
func NewServer(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.DevicePort == 0 {
		opts.DevicePort = DefaultPort
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	s := &Server{
		opts:    opts,
		logger:  logger,
		devices: make(map[string]*entry),
		pending: make(map[string]chan Message),
		inbox:   make(chan datagram, opts.QueueSize),
		done:    make(chan struct{}),
	}
	s.describe = s.GetDeviceDescription
	return s
}

// Start opens the unicast socket and starts the worker.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("coiot: opening unicast socket: %w", err)
	}
	s.ucast = conn
	s.started = true

	s.wg.Add(2)
	go s.unicastLoop(conn)
	go s.worker()
	return nil
}

// LocalAddr returns the unicast socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ucast == nil {
		return nil
	}
	return s.ucast.LocalAddr()
}

// ListenForStatusUpdates joins the CoIoT multicast group.
//
// Returns:
//   - error: ErrNotListening before Start, or the socket error
func (s *Server) ListenForStatusUpdates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotListening
	}
	if s.group != nil {
		return nil
	}

	ifi, err := mcast.Interface(s.opts.Interface)
	if err != nil {
		return fmt.Errorf("coiot: %w", err)
	}
	conn, err := mcast.ListenIPv4(ctx, ifi, MulticastGroup, s.opts.Port)
	if err != nil {
		return fmt.Errorf("coiot: %w", err)
	}
	s.group = conn

	s.wg.Add(1)
	go s.multicastLoop(conn)
	s.logger.Info("coiot listening for status updates", "group", MulticastGroup, "port", s.opts.Port)
	return nil
}

// Stop closes all sockets and waits for the loops to exit.
func (s *Server) Stop() {
	s.stop.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.ucast != nil {
			s.ucast.Close()
		}
		if s.group != nil {
			s.group.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// RegisterDevice attributes datagrams from host to id. Hosts of gen 2+
// devices are unregistered instead; they do not speak CoIoT.
func (s *Server) RegisterDevice(host, id string, isGen1 bool) {
	host = hostOnly(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isGen1 {
		delete(s.devices, host)
		return
	}
	if e, ok := s.devices[host]; ok && e.id == id {
		e.hasSerial = false
		return
	}
	s.devices[host] = &entry{id: id}
}

// UnregisterDevice forgets host.
func (s *Server) UnregisterDevice(host string) {
	s.mu.Lock()
	delete(s.devices, hostOnly(host))
	s.mu.Unlock()
}

// GetDeviceDescription fetches and caches /cit/d of host.
func (s *Server) GetDeviceDescription(ctx context.Context, host string) (*Description, error) {
	m, err := s.request(ctx, host, pathDescription)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescription(m.Payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if e, ok := s.devices[hostOnly(host)]; ok {
		e.desc = d
	}
	s.mu.Unlock()
	return d, nil
}

// GetDeviceStatus fetches /cit/s of host and decodes it against the
// cached (or freshly fetched) description. Serial de-duplication does not
// apply to polled status.
func (s *Server) GetDeviceStatus(ctx context.Context, host string) (Update, error) {
	d, err := s.description(ctx, host)
	if err != nil {
		return Update{}, err
	}
	m, err := s.request(ctx, host, pathStatus)
	if err != nil {
		return Update{}, err
	}
	u, err := s.decode(&m, hostOnly(host), d)
	if err != nil {
		return Update{}, err
	}
	s.mu.Lock()
	if e, ok := s.devices[u.Host]; ok {
		u.DeviceID = e.id
	}
	s.mu.Unlock()
	return u, nil
}

// description returns the cached description of host or fetches it.
func (s *Server) description(ctx context.Context, host string) (*Description, error) {
	s.mu.Lock()
	var d *Description
	if e, ok := s.devices[hostOnly(host)]; ok {
		d = e.desc
	}
	s.mu.Unlock()
	if d != nil {
		return d, nil
	}
	return s.fetchDescription(ctx, host)
}

// fetchDescription calls describe, sharing one request among concurrent
// callers for the same host.
func (s *Server) fetchDescription(ctx context.Context, host string) (*Description, error) {
	ch := s.flight.DoChan(hostOnly(host), func() (any, error) {
		return s.describe(ctx, host)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Description), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// park holds dg until the description of host arrives. Only the first
// parked datagram starts a fetch; later ones replace it.
func (s *Server) park(e *entry, host string, dg datagram) {
	s.mu.Lock()
	fetching := e.parked != nil
	e.parked = &dg
	s.mu.Unlock()
	if fetching {
		return
	}
	s.wg.Add(1)
	go s.resolveParked(e, host)
}

// resolveParked fetches the description of host off the worker and
// requeues the parked datagram.
func (s *Server) resolveParked(e *entry, host string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	desc, err := s.fetchDescription(ctx, host)

	s.mu.Lock()
	dg := e.parked
	e.parked = nil
	current := s.devices[host] == e
	if err == nil && current && e.desc == nil {
		e.desc = desc
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("fetching coiot description failed", "device", e.id, "host", host, "error", err)
		return
	}
	if current && dg != nil {
		s.requeue(*dg)
	}
}

// request sends a CON GET and waits for the response with its token,
// retransmitting until the request timeout.
func (s *Server) request(ctx context.Context, host, path string) (Message, error) {
	s.mu.Lock()
	conn := s.ucast
	s.mu.Unlock()
	if conn == nil {
		return Message{}, ErrNotListening
	}

	addr, err := net.ResolveUDPAddr("udp4", s.deviceAddr(host))
	if err != nil {
		return Message{}, fmt.Errorf("coiot: resolving %s: %w", host, err)
	}

	mid := uint16(s.nextMID.Add(1))
	token := make([]byte, 4) //nolint:mnd // four-byte token
	binary.BigEndian.PutUint32(token, uint32(mid)|uint32(time.Now().UnixNano())<<16)
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: mid, Token: token}
	req.SetPath(path)
	data, err := req.Marshal()
	if err != nil {
		return Message{}, err
	}

	respCh := make(chan Message, 1)
	s.mu.Lock()
	s.pending[string(token)] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, string(token))
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	retransmit := time.NewTicker(ackTimeout)
	defer retransmit.Stop()

	for {
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			return Message{}, fmt.Errorf("coiot: sending %s to %s: %w", path, host, err)
		}
		select {
		case m := <-respCh:
			if m.Type == Reset {
				return Message{}, fmt.Errorf("%w: %s reset %s", ErrInvalidMessage, host, path)
			}
			return m, nil
		case <-retransmit.C:
		case <-s.done:
			return Message{}, ErrNotListening
		case <-ctx.Done():
			return Message{}, fmt.Errorf("%w: %s of %s", ErrTimeout, path, host)
		}
	}
}

func (s *Server) deviceAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(s.opts.DevicePort))
}

// unicastLoop routes responses to pending requests and queues everything
// else as unsolicited.
func (s *Server) unicastLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("coiot unicast read failed", "error", err)
			}
			return
		}
		m, err := Parse(buf[:n])
		if err != nil {
			s.logger.Debug("discarding malformed coiot datagram", "src", src.String(), "error", err)
			continue
		}
		if s.routeResponse(conn, &m, src) {
			continue
		}
		s.enqueue(m, src)
	}
}

// routeResponse delivers m to a pending request. A separate CON response
// is acknowledged.
func (s *Server) routeResponse(conn *net.UDPConn, m *Message, src *net.UDPAddr) bool {
	if m.Type == Acknowledgement && m.Code == CodeEmpty {
		// Empty ACK: the response follows separately.
		return true
	}
	s.mu.Lock()
	ch, ok := s.pending[string(m.Token)]
	s.mu.Unlock()
	if !ok || len(m.Token) == 0 {
		return false
	}
	if m.Type == Confirmable {
		ack := Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: m.MessageID}
		if data, err := ack.Marshal(); err == nil {
			conn.WriteToUDP(data, src) //nolint:errcheck // device retransmits on loss
		}
	}
	select {
	case ch <- *m:
	default:
	}
	return true
}

func (s *Server) multicastLoop(p *mcast.Conn4) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("coiot multicast read failed", "error", err)
			}
			return
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		m, err := Parse(buf[:n])
		if err != nil {
			s.logger.Debug("discarding malformed coiot datagram", "src", udp.String(), "error", err)
			continue
		}
		s.enqueue(m, udp)
	}
}

func (s *Server) enqueue(m Message, src *net.UDPAddr) {
	s.requeue(datagram{msg: m, src: src, at: time.Now()})
}

func (s *Server) requeue(dg datagram) {
	select {
	case s.inbox <- dg:
	default:
		s.logger.Warn("coiot queue full, dropping datagram", "src", dg.src.String())
	}
}

// worker handles unsolicited datagrams in delivery order.
func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case dg := <-s.inbox:
			s.handle(dg)
		}
	}
}

// handle is the unsolicited-notification path.
func (s *Server) handle(dg datagram) {
	m := &dg.msg
	if m.Code != CodeStatus || m.Path() != pathStatus {
		s.logger.Debug("ignoring coiot message", "src", dg.src.String(), "code", m.Code.String(), "path", m.Path())
		return
	}
	host := dg.src.IP.String()

	v, err := ParseVendor(m)
	if err != nil {
		s.logger.Warn("discarding coiot status", "src", host, "error", err)
		return
	}

	s.mu.Lock()
	e, ok := s.devices[host]
	var id string
	var desc *Description
	if ok {
		id, desc = e.id, e.desc
		if v.HasSerial && e.hasSerial && !newerSerial(v.Serial, e.serial) {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("coiot status from unregistered host", "src", host, "device", v.DeviceID.Type+"-"+v.DeviceID.MAC)
		if s.opts.OnUnknown != nil && v.HasDeviceID {
			s.safeUnknown(host, v.DeviceID)
		}
		return
	}

	if desc == nil {
		// Datums cannot be decoded yet; other hosts keep flowing.
		s.park(e, host, dg)
		return
	}

	u, err := s.decode(m, host, desc)
	if err != nil {
		s.logger.Warn("discarding coiot status", "device", id, "error", err)
		return
	}
	u.DeviceID = id
	u.Vendor = v
	u.Received = dg.at

	s.mu.Lock()
	if cur, ok := s.devices[host]; ok && cur == e {
		if v.HasSerial {
			cur.serial, cur.hasSerial = v.Serial, true
		}
	}
	s.mu.Unlock()

	s.emit(u)
}

// decode parses a status payload against a description.
func (s *Server) decode(m *Message, host string, d *Description) (Update, error) {
	datums, err := ParseStatus(m.Payload)
	if err != nil {
		return Update{}, err
	}
	status, skipped := d.Decode(datums)
	if len(skipped) > 0 {
		s.logger.Debug("coiot sensors without component mapping", "host", host, "sensors", skipped)
	}
	v, _ := ParseVendor(m)
	return Update{Host: host, Vendor: v, Status: status, Received: time.Now()}, nil
}

func (s *Server) emit(u Update) {
	if s.opts.Handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("coiot handler panic recovered", "device", u.DeviceID, "panic", r)
		}
	}()
	s.opts.Handler(u)
}

func (s *Server) safeUnknown(host string, id DeviceID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("coiot unknown-host handler panic recovered", "host", host, "panic", r)
		}
	}()
	s.opts.OnUnknown(host, id)
}

// newerSerial reports whether serial follows last, allowing for 16-bit
// wrap-around.
func newerSerial(serial, last uint16) bool {
	return serial != last && serial-last < 0x8000
}

// hostOnly strips a port from host.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
