package coiot

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeValidity(t *testing.T) {
	tests := []struct {
		value uint16
		want  time.Duration
		ok    bool
	}{
		{0, 0, false},
		{100, 10 * time.Second, true},
		{38, 3800 * time.Millisecond, true},
		{39, 156 * time.Second, true},
		{1, 4 * time.Second, true},
	}
	for _, tt := range tests {
		got, ok := DecodeValidity(tt.value)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DecodeValidity(%d) = %v, %v, want %v, %v", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEncodeValidity_RoundTrip(t *testing.T) {
	for _, d := range []time.Duration{10 * time.Second, 2 * time.Minute, 5 * time.Hour} {
		got, ok := DecodeValidity(EncodeValidity(d))
		if !ok {
			t.Errorf("DecodeValidity(EncodeValidity(%v)) not ok", d)
			continue
		}
		if diff := got - d; diff < -4*time.Second || diff > 4*time.Second {
			t.Errorf("round trip of %v = %v", d, got)
		}
	}
}

func TestParseDeviceID(t *testing.T) {
	id, err := ParseDeviceID([]byte("SHSW-25#c45bbe6b2a1f#2"))
	if err != nil {
		t.Fatalf("ParseDeviceID() error = %v", err)
	}
	if id.Type != "SHSW-25" || id.MAC != "C45BBE6B2A1F" || id.Revision != "2" {
		t.Errorf("ParseDeviceID() = %+v", id)
	}
	for _, bad := range []string{"", "SHSW-25", "SHSW-25#", "#MAC#2", "a#b#c#d"} {
		if _, err := ParseDeviceID([]byte(bad)); !errors.Is(err, ErrInvalidOption) {
			t.Errorf("ParseDeviceID(%q) error = %v, want ErrInvalidOption", bad, err)
		}
	}
}

func TestParseVendor(t *testing.T) {
	m, err := Parse(statusMessage(t, 513, `{"G":[]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	v, err := ParseVendor(&m)
	if err != nil {
		t.Fatalf("ParseVendor() error = %v", err)
	}
	if !v.HasSerial || v.Serial != 513 {
		t.Errorf("Serial = %d (%v)", v.Serial, v.HasSerial)
	}
	if !v.HasDeviceID || v.DeviceID.Type != "SHSW-25" {
		t.Errorf("DeviceID = %+v", v.DeviceID)
	}
	if !v.HasValidity || v.Validity != 152*time.Second {
		t.Errorf("Validity = %v (%v)", v.Validity, v.HasValidity)
	}

	bad := Message{Options: []Option{{Number: OptionSerial, Value: []byte{1, 2, 3}}}}
	if _, err := ParseVendor(&bad); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("ParseVendor(3-byte serial) error = %v, want ErrInvalidOption", err)
	}
}

func TestNewerSerial(t *testing.T) {
	tests := []struct {
		serial, last uint16
		want         bool
	}{
		{6, 5, true},
		{5, 5, false},
		{4, 5, false},
		{1, 0xfffe, true},
		{0xfffe, 1, false},
	}
	for _, tt := range tests {
		if got := newerSerial(tt.serial, tt.last); got != tt.want {
			t.Errorf("newerSerial(%d, %d) = %v, want %v", tt.serial, tt.last, got, tt.want)
		}
	}
}
