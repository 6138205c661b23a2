package mcast

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn4 is an IPv4 socket joined to a group.
type Conn4 struct {
	*ipv4.PacketConn
	raw   net.PacketConn
	Group *net.UDPAddr
}

// Close leaves the group and closes the socket.
func (c *Conn4) Close() error {
	return c.raw.Close()
}

// Conn6 is an IPv6 socket joined to a group.
type Conn6 struct {
	*ipv6.PacketConn
	raw   net.PacketConn
	Group *net.UDPAddr
}

// Close leaves the group and closes the socket.
func (c *Conn6) Close() error {
	return c.raw.Close()
}

// Interface resolves an interface name. Empty returns nil, which lets
// the kernel pick the default multicast interface.
func Interface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil //nolint:nilnil // nil interface means system default
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("mcast: interface %q: %w", name, err)
	}
	return ifi, nil
}

// ListenIPv4 binds 0.0.0.0:port and joins group on ifi.
//
// Parameters:
//   - ctx: Bounds the bind
//   - ifi: Interface to join on; nil for the system default
//   - group: IPv4 group, e.g. 224.0.0.251
//   - port: Well-known port
//
// Returns:
//   - *Conn4: Joined socket; outgoing multicast uses ifi and loopback is off
//   - error: Bind or join failure
func ListenIPv4(ctx context.Context, ifi *net.Interface, group string, port int) (*Conn4, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil {
		return nil, fmt.Errorf("mcast: %q is not an IPv4 group", group)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("mcast: binding udp4 port %d: %w", port, err)
	}

	p := ipv4.NewPacketConn(pc)
	addr := &net.UDPAddr{IP: ip, Port: port}
	if err := p.JoinGroup(ifi, addr); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mcast: joining %s: %w", group, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			pc.Close()
			return nil, fmt.Errorf("mcast: selecting %s: %w", ifi.Name, err)
		}
	}
	p.SetMulticastTTL(255)        //nolint:errcheck,mnd // link-local protocols expect 255
	p.SetMulticastLoopback(false) //nolint:errcheck // own queries are noise
	return &Conn4{PacketConn: p, raw: pc, Group: addr}, nil
}

// ListenIPv6 binds [::]:port and joins group on ifi.
func ListenIPv6(ctx context.Context, ifi *net.Interface, group string, port int) (*Conn6, error) {
	ip := net.ParseIP(group)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("mcast: %q is not an IPv6 group", group)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("mcast: binding udp6 port %d: %w", port, err)
	}

	p := ipv6.NewPacketConn(pc)
	addr := &net.UDPAddr{IP: ip, Port: port}
	if err := p.JoinGroup(ifi, addr); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mcast: joining %s: %w", group, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			pc.Close()
			return nil, fmt.Errorf("mcast: selecting %s: %w", ifi.Name, err)
		}
		addr.Zone = ifi.Name
	}
	p.SetMulticastHopLimit(255)   //nolint:errcheck,mnd // link-local protocols expect 255
	p.SetMulticastLoopback(false) //nolint:errcheck // own queries are noise
	return &Conn6{PacketConn: p, raw: pc, Group: addr}, nil
}
