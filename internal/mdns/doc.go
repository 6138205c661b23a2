// Package mdns discovers Shelly devices with multicast DNS.
//
// The Scanner joins 224.0.0.251:5353 (and ff02::fb when IPv6 is enabled),
// periodically asks for the _shelly._tcp and _http._tcp services and
// decodes every response it hears, whether or not it answers our query.
// Generation 2+ devices announce _shelly._tcp with a "gen" TXT entry;
// generation 1 devices only announce _http._tcp and carry no gen, so a
// missing gen means generation 1.
//
// Only instance names starting with "shelly" are considered. Each device
// id is reported once per Scanner; later announcements from the same id
// are ignored.
//
// Packets are decoded with github.com/miekg/dns, which handles label
// compression and rejects truncated or looping pointers.
package mdns
