package mdns

import (
	"net"
	"testing"
)

func TestScanner_EmitsOncePerID(t *testing.T) {
	var got []Discovery
	s := NewScanner(Options{Handler: func(d Discovery) { got = append(got, d) }})
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.41"), Port: Port}

	s.handlePacket(gen2Response(t), src)
	s.handlePacket(gen2Response(t), src)

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].ID != "shellyplus1pm-441793d69718" {
		t.Errorf("ID = %q", got[0].ID)
	}

	s.Forget("ShellyPlus1PM-441793D69718")
	s.handlePacket(gen2Response(t), src)
	if len(got) != 2 {
		t.Errorf("handler called %d times after Forget, want 2", len(got))
	}
}

func TestScanner_MalformedDiscarded(t *testing.T) {
	called := false
	s := NewScanner(Options{Handler: func(Discovery) { called = true }})
	s.handlePacket([]byte{1, 2, 3}, &net.UDPAddr{IP: net.ParseIP("192.168.1.9")})
	if called {
		t.Error("handler called for malformed packet")
	}
}

func TestScanner_HandlerPanicRecovered(t *testing.T) {
	s := NewScanner(Options{Handler: func(Discovery) { panic("boom") }})
	s.handlePacket(gen2Response(t), &net.UDPAddr{IP: net.ParseIP("192.168.1.41")})
}

func TestScanner_StopWithoutStart(t *testing.T) {
	s := NewScanner(Options{})
	s.Stop()
	if err := s.Query(); err != nil {
		t.Errorf("Query() without sockets error = %v", err)
	}
}
