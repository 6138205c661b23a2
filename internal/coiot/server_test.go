package coiot

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

const testHost = "192.0.2.20"

// updateLog collects handler calls.
type updateLog struct {
	mu      sync.Mutex
	updates []Update
	ch      chan Update
}

func newUpdateLog() *updateLog {
	return &updateLog{ch: make(chan Update, 16)}
}

func (l *updateLog) handle(u Update) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
	l.ch <- u
}

func (l *updateLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func (l *updateLog) next(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-l.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func testDescription(t *testing.T) *Description {
	t.Helper()
	desc, err := ParseDescription([]byte(shsw25Description))
	if err != nil {
		t.Fatalf("ParseDescription() error = %v", err)
	}
	return desc
}

// newTestServer returns an unstarted server whose descriptions come from
// shsw25Description.
func newTestServer(t *testing.T, log *updateLog) *Server {
	t.Helper()
	s := NewServer(Options{Handler: log.handle})
	desc := testDescription(t)
	s.describe = func(context.Context, string) (*Description, error) { return desc, nil }
	return s
}

// registerDescribed registers host with its description already cached,
// so handle decodes synchronously.
func registerDescribed(t *testing.T, s *Server, host, id string) {
	t.Helper()
	s.RegisterDevice(host, id, true)
	s.mu.Lock()
	s.devices[host].desc = testDescription(t)
	s.mu.Unlock()
}

func datagramFrom(t *testing.T, host string, raw []byte) datagram {
	t.Helper()
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return datagram{msg: m, src: &net.UDPAddr{IP: net.ParseIP(host), Port: DefaultPort}, at: time.Now()}
}

func TestServer_SerialDedup(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	registerDescribed(t, s, testHost, "shellyswitch25-C45BBE6B2A1F")

	for _, serial := range []uint16{5, 5, 6} {
		s.handle(datagramFrom(t, testHost, statusMessage(t, serial, `{"G":[[0,1101,1]]}`)))
	}

	if got := log.count(); got != 2 {
		t.Fatalf("updates = %d, want 2", got)
	}
	u := log.updates[1]
	if u.DeviceID != "shellyswitch25-C45BBE6B2A1F" || u.Vendor.Serial != 6 || u.Host != testHost {
		t.Errorf("second update = %+v", u)
	}
	relay, ok := u.Status["relay:0"].(map[string]any)
	if !ok || relay["ison"] != true {
		t.Errorf("Status = %v", u.Status)
	}
}

func TestServer_ReregisterResetsSerial(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	registerDescribed(t, s, testHost, "shellyswitch25-C45BBE6B2A1F")

	s.handle(datagramFrom(t, testHost, statusMessage(t, 900, `{"G":[[0,1101,1]]}`)))
	// A woken or rebooted device starts counting again.
	s.RegisterDevice(testHost, "shellyswitch25-C45BBE6B2A1F", true)
	s.handle(datagramFrom(t, testHost, statusMessage(t, 1, `{"G":[[0,1101,0]]}`)))

	if got := log.count(); got != 2 {
		t.Errorf("updates = %d, want 2", got)
	}
}

func TestServer_UnknownHost(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	var gotHost string
	var gotID DeviceID
	s.opts.OnUnknown = func(host string, id DeviceID) {
		gotHost, gotID = host, id
	}

	s.handle(datagramFrom(t, "192.0.2.99", statusMessage(t, 1, `{"G":[]}`)))

	if log.count() != 0 {
		t.Error("update emitted for unregistered host")
	}
	if gotHost != "192.0.2.99" || gotID.Type != "SHSW-25" || gotID.MAC != "C45BBE6B2A1F" {
		t.Errorf("OnUnknown(%q, %+v)", gotHost, gotID)
	}
}

func TestServer_DiscardsInvalid(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	registerDescribed(t, s, testHost, "shellyswitch25-C45BBE6B2A1F")

	badOption := Message{Type: NonConfirmable, Code: CodeStatus, Options: []Option{{Number: OptionDeviceID, Value: []byte("garbage")}}, Payload: []byte(`{"G":[]}`)}
	badOption.SetPath("cit/s")
	wrongCode := Message{Type: NonConfirmable, Code: CodeContent, Payload: []byte(`{"G":[]}`)}
	wrongCode.SetPath("cit/s")
	badPayload := Message{Type: NonConfirmable, Code: CodeStatus, Payload: []byte(`not json`)}
	badPayload.SetPath("cit/s")

	for _, m := range []Message{badOption, wrongCode, badPayload} {
		raw, err := m.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		s.handle(datagramFrom(t, testHost, raw))
	}
	if log.count() != 0 {
		t.Errorf("updates = %d, want 0", log.count())
	}
}

func TestServer_ParksUntilDescribed(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	desc := testDescription(t)
	release := make(chan struct{})
	s.describe = func(context.Context, string) (*Description, error) {
		<-release
		return desc, nil
	}
	s.RegisterDevice(testHost, "shellyswitch25-C45BBE6B2A1F", true)

	s.handle(datagramFrom(t, testHost, statusMessage(t, 1, `{"G":[[0,1101,0]]}`)))
	s.handle(datagramFrom(t, testHost, statusMessage(t, 2, `{"G":[[0,1101,1]]}`)))
	if log.count() != 0 {
		t.Fatal("update emitted before the description arrived")
	}
	close(release)

	// Without a worker the parked datagram lands in the inbox.
	select {
	case dg := <-s.inbox:
		s.handle(dg)
	case <-time.After(2 * time.Second):
		t.Fatal("parked datagram was not requeued")
	}
	u := log.next(t)
	if u.Vendor.Serial != 2 {
		t.Errorf("Serial = %d, want the latest parked datagram", u.Vendor.Serial)
	}
	if len(s.inbox) != 0 {
		t.Errorf("inbox = %d datagrams, want 0", len(s.inbox))
	}
}

func TestServer_SlowDescriptionDoesNotBlockOthers(t *testing.T) {
	const slowHost, fastHost = "192.0.2.21", "192.0.2.22"
	log := newUpdateLog()
	desc := testDescription(t)
	release := make(chan struct{})
	var calls sync.Map

	s := NewServer(Options{Handler: log.handle, RequestTimeout: 5 * time.Second})
	s.describe = func(ctx context.Context, host string) (*Description, error) {
		n, _ := calls.LoadOrStore(host, new(int))
		*n.(*int)++
		if host == slowHost {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return desc, nil
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	s.RegisterDevice(slowHost, "shellyswitch25-C45BBE6B2A1F", true)
	s.RegisterDevice(fastHost, "shellyswitch25-C45BBE6B2A20", true)

	for serial := uint16(1); serial <= 3; serial++ {
		dg := datagramFrom(t, slowHost, statusMessage(t, serial, `{"G":[[0,1101,1]]}`))
		s.enqueue(dg.msg, dg.src)
	}
	dg := datagramFrom(t, fastHost, statusMessage(t, 1, `{"G":[[0,1101,1]]}`))
	s.enqueue(dg.msg, dg.src)

	if u := log.next(t); u.Host != fastHost {
		t.Fatalf("first update from %s, want %s", u.Host, fastHost)
	}

	close(release)
	if u := log.next(t); u.Host != slowHost || u.Vendor.Serial != 3 {
		t.Errorf("slow host update = host %s serial %d", u.Host, u.Vendor.Serial)
	}
	if n, _ := calls.Load(slowHost); *n.(*int) != 1 {
		t.Errorf("slow host described %d times, want 1", *n.(*int))
	}
}

func TestServer_RegisterGen2Unregisters(t *testing.T) {
	log := newUpdateLog()
	s := newTestServer(t, log)
	s.RegisterDevice(testHost, "shellyswitch25-C45BBE6B2A1F", true)
	s.RegisterDevice(testHost, "shellyplus1-A8032AB12345", false)

	s.handle(datagramFrom(t, testHost, statusMessage(t, 1, `{"G":[]}`)))
	if log.count() != 0 {
		t.Error("update emitted after host was re-registered as gen 2")
	}
}

func TestServer_HandlerPanicRecovered(t *testing.T) {
	s := newTestServer(t, newUpdateLog())
	s.opts.Handler = func(Update) { panic("boom") }
	registerDescribed(t, s, testHost, "shellyswitch25-C45BBE6B2A1F")

	s.handle(datagramFrom(t, testHost, statusMessage(t, 1, `{"G":[]}`)))
}

// fakeDevice answers unicast /cit/d and /cit/s requests.
type fakeDevice struct {
	conn   *net.UDPConn
	silent bool
}

func newFakeDevice(t *testing.T, silent bool) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	d := &fakeDevice{conn: conn, silent: silent}
	t.Cleanup(func() { conn.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

func (d *fakeDevice) serve() {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := Parse(buf[:n])
		if err != nil || d.silent {
			continue
		}
		resp := Message{Type: Acknowledgement, Code: CodeContent, MessageID: req.MessageID, Token: req.Token}
		switch req.Path() {
		case pathDescription:
			resp.Payload = []byte(shsw25Description)
		case pathStatus:
			resp.Options = []Option{{Number: OptionSerial, Value: uintBytes(77)}}
			resp.Payload = []byte(`{"G":[[0,1101,0],[0,4101,3.5]]}`)
		}
		out, _ := resp.Marshal()
		d.conn.WriteToUDP(out, src) //nolint:errcheck // test device
	}
}

// push sends an unsolicited status datagram to addr.
func (d *fakeDevice) push(t *testing.T, addr net.Addr, serial uint16) {
	t.Helper()
	port := addr.(*net.UDPAddr).Port
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := d.conn.WriteToUDP(statusMessage(t, serial, `{"G":[[0,1201,1]]}`), dst); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s := NewServer(opts)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServer_UnicastRequests(t *testing.T) {
	dev := newFakeDevice(t, false)
	s := startServer(t, Options{DevicePort: dev.port()})
	s.RegisterDevice("127.0.0.1", "shellyswitch25-C45BBE6B2A1F", true)

	desc, err := s.GetDeviceDescription(t.Context(), "127.0.0.1")
	if err != nil {
		t.Fatalf("GetDeviceDescription() error = %v", err)
	}
	if len(desc.Sensors) != 8 {
		t.Errorf("Sensors = %d, want 8", len(desc.Sensors))
	}

	u, err := s.GetDeviceStatus(t.Context(), "127.0.0.1")
	if err != nil {
		t.Fatalf("GetDeviceStatus() error = %v", err)
	}
	if u.DeviceID != "shellyswitch25-C45BBE6B2A1F" || u.Vendor.Serial != 77 {
		t.Errorf("GetDeviceStatus() = %+v", u)
	}
	if meter, ok := u.Status["meter:0"].(map[string]any); !ok || meter["power"] != 3.5 {
		t.Errorf("Status = %v", u.Status)
	}
}

func TestServer_UnsolicitedUnicast(t *testing.T) {
	dev := newFakeDevice(t, false)
	log := newUpdateLog()
	s := startServer(t, Options{DevicePort: dev.port(), Handler: log.handle})
	s.RegisterDevice("127.0.0.1", "shellyswitch25-C45BBE6B2A1F", true)

	// The description is fetched on demand before the datums are decoded.
	dev.push(t, s.LocalAddr(), 10)
	u := log.next(t)
	if relay, ok := u.Status["relay:1"].(map[string]any); !ok || relay["ison"] != true {
		t.Errorf("Status = %v", u.Status)
	}
	if u.Vendor.Validity != 152*time.Second {
		t.Errorf("Validity = %v", u.Vendor.Validity)
	}
}

func TestServer_RequestTimeout(t *testing.T) {
	dev := newFakeDevice(t, true)
	s := startServer(t, Options{DevicePort: dev.port(), RequestTimeout: 100 * time.Millisecond})

	_, err := s.GetDeviceDescription(t.Context(), "127.0.0.1")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("GetDeviceDescription() error = %v, want ErrTimeout", err)
	}
}

func TestServer_NotStarted(t *testing.T) {
	s := NewServer(Options{})
	if _, err := s.GetDeviceDescription(t.Context(), testHost); !errors.Is(err, ErrNotListening) {
		t.Errorf("GetDeviceDescription() error = %v, want ErrNotListening", err)
	}
	if err := s.ListenForStatusUpdates(t.Context()); !errors.Is(err, ErrNotListening) {
		t.Errorf("ListenForStatusUpdates() error = %v, want ErrNotListening", err)
	}
	s.Stop()
}
