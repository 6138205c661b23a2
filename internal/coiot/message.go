package coiot

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Type is the CoAP message type.
type Type uint8

// CoAP message types.
const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

// Code is a CoAP code, class in the upper 3 bits and detail in the lower 5.
type Code uint8

// Codes used by CoIoT.
const (
	CodeEmpty   Code = 0x00 // 0.00
	CodeGET     Code = 0x01 // 0.01
	CodeContent Code = 0x45 // 2.05

	// CodeStatus is the non-standard 0.30 code of multicast status
	// datagrams.
	CodeStatus Code = 0x1e
)

// String renders the code in dotted class.detail form.
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f) //nolint:mnd // class/detail split
}

// Option numbers.
const (
	OptionURIPath uint16 = 11

	// OptionDeviceID carries "type#mac#revision".
	OptionDeviceID uint16 = 3332

	// OptionValidity carries the status validity period.
	OptionValidity uint16 = 3412

	// OptionSerial carries the change counter.
	OptionSerial uint16 = 3420
)

// Wire constants.
const (
	coapVersion   = 1
	headerSize    = 4
	maxTokenLen   = 8
	payloadMarker = 0xff

	// Option delta/length nibble escapes.
	nibble8Bit  = 13
	nibble16Bit = 14
	nibbleRsvd  = 15
	ext8Base    = 13
	ext16Base   = 269
)

// Option is one CoAP option.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// Path returns the joined Uri-Path options, e.g. "cit/s".
func (m *Message) Path() string {
	parts := make([]string, 0, 2) //nolint:mnd // CoIoT paths have two segments
	for _, o := range m.Options {
		if o.Number == OptionURIPath {
			parts = append(parts, string(o.Value))
		}
	}
	return strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (m *Message) SetPath(path string) {
	kept := m.Options[:0]
	for _, o := range m.Options {
		if o.Number != OptionURIPath {
			kept = append(kept, o)
		}
	}
	m.Options = kept
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			m.Options = append(m.Options, Option{Number: OptionURIPath, Value: []byte(seg)})
		}
	}
}

// Option returns the first option with the given number.
func (m *Message) Option(number uint16) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// Parse decodes one datagram.
//
// Parameters:
//   - data: Raw UDP payload
//
// Returns:
//   - Message: Decoded message; option and payload slices are copies
//   - error: ErrInvalidMessage for a bad header or truncated input,
//     ErrInvalidOption for a reserved option nibble
func Parse(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)", ErrInvalidMessage, len(data), headerSize)
	}
	if v := data[0] >> 6; v != coapVersion {
		return Message{}, fmt.Errorf("%w: version %d", ErrInvalidMessage, v)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLen {
		return Message{}, fmt.Errorf("%w: token length %d", ErrInvalidMessage, tkl)
	}

	m := Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	pos := headerSize
	if len(data) < pos+tkl {
		return Message{}, fmt.Errorf("%w: truncated token", ErrInvalidMessage)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[pos:pos+tkl]...)
	}
	pos += tkl

	var number uint16
	for pos < len(data) {
		if data[pos] == payloadMarker {
			pos++
			if pos == len(data) {
				return Message{}, fmt.Errorf("%w: payload marker without payload", ErrInvalidMessage)
			}
			m.Payload = append([]byte(nil), data[pos:]...)
			break
		}

		delta, length := int(data[pos]>>4), int(data[pos]&0x0f)
		pos++
		var err error
		if delta, pos, err = extended(data, pos, delta); err != nil {
			return Message{}, fmt.Errorf("option delta: %w", err)
		}
		if length, pos, err = extended(data, pos, length); err != nil {
			return Message{}, fmt.Errorf("option length: %w", err)
		}
		if pos+length > len(data) {
			return Message{}, fmt.Errorf("%w: option %d truncated", ErrInvalidMessage, int(number)+delta)
		}
		if int(number)+delta > 0xffff {
			return Message{}, fmt.Errorf("%w: option number overflow", ErrInvalidOption)
		}
		number += uint16(delta)
		m.Options = append(m.Options, Option{Number: number, Value: append([]byte(nil), data[pos:pos+length]...)})
		pos += length
	}
	return m, nil
}

// extended resolves a delta or length nibble, reading its extension bytes.
func extended(data []byte, pos, nibble int) (int, int, error) {
	switch nibble {
	case nibble8Bit:
		if pos+1 > len(data) {
			return 0, pos, fmt.Errorf("%w: truncated 8-bit extension", ErrInvalidMessage)
		}
		return int(data[pos]) + ext8Base, pos + 1, nil
	case nibble16Bit:
		if pos+2 > len(data) {
			return 0, pos, fmt.Errorf("%w: truncated 16-bit extension", ErrInvalidMessage)
		}
		return int(binary.BigEndian.Uint16(data[pos:pos+2])) + ext16Base, pos + 2, nil
	case nibbleRsvd:
		return 0, pos, fmt.Errorf("%w: reserved nibble 15", ErrInvalidOption)
	default:
		return nibble, pos, nil
	}
}

// Marshal encodes the message. Options are written in number order.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, fmt.Errorf("%w: token length %d", ErrInvalidMessage, len(m.Token))
	}

	buf := make([]byte, headerSize, headerSize+len(m.Token)+len(m.Payload)+16) //nolint:mnd // rough option headroom
	buf[0] = coapVersion<<6 | byte(m.Type&0x03)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	opts := append([]Option(nil), m.Options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	var prev uint16
	for _, o := range opts {
		delta := int(o.Number - prev)
		prev = o.Number
		if len(o.Value) > 0xffff+ext16Base {
			return nil, fmt.Errorf("%w: option %d value too long", ErrInvalidOption, o.Number)
		}
		dn, dext := nibble(delta)
		ln, lext := nibble(len(o.Value))
		buf = append(buf, byte(dn<<4|ln))
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// nibble returns the 4-bit header value and extension bytes for v.
func nibble(v int) (int, []byte) {
	switch {
	case v < ext8Base:
		return v, nil
	case v < ext16Base:
		return nibble8Bit, []byte{byte(v - ext8Base)}
	default:
		ext := make([]byte, 2) //nolint:mnd // 16-bit extension
		binary.BigEndian.PutUint16(ext, uint16(v-ext16Base))
		return nibble16Bit, ext
	}
}

// uintValue decodes a CoAP uint option (big-endian, 0-4 bytes).
func uintValue(b []byte) (uint32, error) {
	if len(b) > 4 { //nolint:mnd // uint options are at most 4 bytes
		return 0, fmt.Errorf("%w: uint of %d bytes", ErrInvalidOption, len(b))
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

// uintBytes encodes v in the shortest big-endian form.
func uintBytes(v uint32) []byte {
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v)}, b...)
		v >>= 8
	}
	return b
}
