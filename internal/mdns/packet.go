package mdns

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Services queried by the scanner.
const (
	ServiceShelly = "_shelly._tcp.local."
	ServiceHTTP   = "_http._tcp.local."
)

// defaultHTTPPort is used when a response carries no SRV record.
const defaultHTTPPort = 80

// Discovery is one device found on the network.
type Discovery struct {
	// ID is the vendor id, e.g. "shellyplus1pm-441793d69718".
	ID string

	// Instance is the full service instance name.
	Instance string

	// Service is the service type the instance was announced under.
	Service string

	Host string
	Port int

	// Gen is the firmware generation; 1 when the TXT record has no gen.
	Gen int
}

// ParsePacket decodes a DNS response into discoveries. Queries and
// responses describing no Shelly instance yield nothing.
//
// Parameters:
//   - data: Raw datagram
//   - src: Sender address, used when the response has no A/AAAA record
//
// Returns:
//   - []Discovery: One entry per Shelly instance, sorted by instance name
//   - error: ErrMalformedPacket if the datagram cannot be decoded
func ParsePacket(data []byte, src net.IP) ([]Discovery, error) {
	var msg dns.Msg
	if err := msg.Unpack(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if !msg.Response {
		return nil, nil
	}

	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Ns)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Ns...)
	records = append(records, msg.Extra...)

	instances := make(map[string]string) // instance -> service
	srvs := make(map[string]*dns.SRV)
	txts := make(map[string][]string)
	addrs := make(map[string][]net.IP)

	for _, rr := range records {
		name := strings.ToLower(rr.Header().Name)
		switch r := rr.(type) {
		case *dns.PTR:
			if service, ok := knownService(name); ok {
				instances[strings.ToLower(r.Ptr)] = service
			}
		case *dns.SRV:
			srvs[name] = r
			if service, ok := serviceOf(name); ok {
				if _, seen := instances[name]; !seen {
					instances[name] = service
				}
			}
		case *dns.TXT:
			txts[name] = append(txts[name], r.Txt...)
		case *dns.A:
			addrs[name] = append([]net.IP{r.A}, addrs[name]...)
		case *dns.AAAA:
			addrs[name] = append(addrs[name], r.AAAA)
		}
	}

	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Discovery, 0, len(names))
	for _, name := range names {
		labels := dns.SplitDomainName(name)
		if len(labels) == 0 || !strings.HasPrefix(labels[0], "shelly") {
			continue
		}
		txt := parseTXT(txts[name])

		d := Discovery{
			ID:       labels[0],
			Instance: name,
			Service:  instances[name],
			Port:     defaultHTTPPort,
			Gen:      1,
		}
		if id := txt["id"]; strings.HasPrefix(strings.ToLower(id), "shelly") {
			d.ID = strings.ToLower(id)
		}
		if g, err := strconv.Atoi(txt["gen"]); err == nil && g > 0 {
			d.Gen = g
		}

		var host net.IP
		if srv, ok := srvs[name]; ok {
			d.Port = int(srv.Port)
			if ips := addrs[strings.ToLower(srv.Target)]; len(ips) > 0 {
				host = ips[0]
			}
		}
		if host == nil {
			host = src
		}
		if host == nil {
			continue
		}
		d.Host = host.String()
		out = append(out, d)
	}
	return out, nil
}

// knownService reports whether name is one of the queried services.
func knownService(name string) (string, bool) {
	switch name {
	case ServiceShelly, ServiceHTTP:
		return name, true
	}
	return "", false
}

// serviceOf returns the service suffix of an instance name.
func serviceOf(instance string) (string, bool) {
	for _, svc := range []string{ServiceShelly, ServiceHTTP} {
		if strings.HasSuffix(instance, "."+svc) {
			return svc, true
		}
	}
	return "", false
}

// parseTXT splits key=value TXT strings; keys are lowercased.
func parseTXT(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, _ := strings.Cut(e, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	}
	return out
}

// Query builds the PTR query for both services.
func Query() ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.RecursionDesired = false
	msg.Question = []dns.Question{
		{Name: ServiceShelly, Qtype: dns.TypePTR, Qclass: dns.ClassINET},
		{Name: ServiceHTTP, Qtype: dns.TypePTR, Qclass: dns.ClassINET},
	}
	data, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("mdns: packing query: %w", err)
	}
	return data, nil
}
