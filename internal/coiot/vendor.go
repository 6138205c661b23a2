package coiot

import (
	"fmt"
	"strings"
	"time"
)

// DeviceID is the decoded 3332 option.
type DeviceID struct {
	// Type is the model code, e.g. "SHSW-25".
	Type string

	// MAC is the uppercased device mac (or its last six hex digits on
	// older firmware).
	MAC string

	// Revision is the CoIoT protocol revision, "2" on current firmware.
	Revision string
}

// ParseDeviceID decodes a "type#mac#revision" option value.
func ParseDeviceID(value []byte) (DeviceID, error) {
	parts := strings.Split(string(value), "#")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" { //nolint:mnd // type#mac#revision
		return DeviceID{}, fmt.Errorf("%w: device id %q", ErrInvalidOption, string(value))
	}
	return DeviceID{Type: parts[0], MAC: strings.ToUpper(parts[1]), Revision: parts[2]}, nil
}

// Bytes encodes the id as an option value.
func (id DeviceID) Bytes() []byte {
	return []byte(id.Type + "#" + id.MAC + "#" + id.Revision)
}

// DecodeValidity converts a 3412 option value to a duration. Even values
// are tenths of a second; odd values are multiples of four seconds. Zero
// means the device announced no validity.
func DecodeValidity(v uint16) (time.Duration, bool) {
	if v == 0 {
		return 0, false
	}
	if v%2 == 0 {
		return time.Duration(v) * 100 * time.Millisecond, true //nolint:mnd // tenths of a second
	}
	return time.Duration(v) * 4 * time.Second, true //nolint:mnd // four-second units
}

// EncodeValidity is the inverse of DecodeValidity. Durations under about
// 109 minutes use the even form, longer ones the odd form.
func EncodeValidity(d time.Duration) uint16 {
	tenths := d / (100 * time.Millisecond) //nolint:mnd // tenths of a second
	if tenths < 0xfffe {
		v := uint16(tenths)
		return v &^ 1
	}
	units := uint16(min(d/(4*time.Second), 0xffff)) //nolint:mnd // four-second units
	return units | 1
}

// Vendor groups the vendor options of a message.
type Vendor struct {
	DeviceID    DeviceID
	HasDeviceID bool

	Validity    time.Duration
	HasValidity bool

	Serial    uint16
	HasSerial bool
}

// ParseVendor decodes the vendor options of m.
//
// Returns:
//   - Vendor: Decoded options; absent options leave their Has flag false
//   - error: ErrInvalidOption when a present option is malformed
func ParseVendor(m *Message) (Vendor, error) {
	var v Vendor
	if raw, ok := m.Option(OptionDeviceID); ok {
		id, err := ParseDeviceID(raw)
		if err != nil {
			return v, err
		}
		v.DeviceID, v.HasDeviceID = id, true
	}
	if raw, ok := m.Option(OptionValidity); ok {
		n, err := uintValue(raw)
		if err != nil || n > 0xffff {
			return v, fmt.Errorf("%w: validity %x", ErrInvalidOption, raw)
		}
		v.Validity, v.HasValidity = DecodeValidity(uint16(n))
	}
	if raw, ok := m.Option(OptionSerial); ok {
		n, err := uintValue(raw)
		if err != nil || n > 0xffff {
			return v, fmt.Errorf("%w: serial %x", ErrInvalidOption, raw)
		}
		v.Serial, v.HasSerial = uint16(n), true
	}
	return v, nil
}
