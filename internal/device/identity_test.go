package device

import (
	"errors"
	"testing"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{
			in:   "shellyplus1pm-441793d69718",
			want: Identity{Type: "shellyplus1pm", MAC: "441793D69718", ID: "shellyplus1pm-441793D69718"},
		},
		{
			in:   "ShellyPlug-S-C38EAB",
			want: Identity{Type: "shellyplug-s", MAC: "C38EAB", ID: "shellyplug-s-C38EAB"},
		},
		{in: "shelly", wantErr: true},
		{in: "shelly1-", wantErr: true},
		{in: "-ABCDEF", wantErr: true},
		{in: "shelly1-XYZ123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIdentity) {
					t.Errorf("ParseIdentity() error = %v, want ErrInvalidIdentity", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIdentity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseIdentity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGen1Identity(t *testing.T) {
	tests := []struct {
		code string
		mac  string
		want string
	}{
		{"SHSW-25", "c45bbe6b2a1f", "shellyswitch25-C45BBE6B2A1F"},
		{"SHSW-1", "B929CC", "shelly1-B929CC"},
		{"SHPLG-S", "C38EAB", "shellyplug-s-C38EAB"},
		{"SHNEW-9", "AABBCC", "shellyshnew9-AABBCC"},
	}
	for _, tt := range tests {
		got, err := Gen1Identity(tt.code, tt.mac)
		if err != nil {
			t.Errorf("Gen1Identity(%q, %q) error = %v", tt.code, tt.mac, err)
			continue
		}
		if got.ID != tt.want {
			t.Errorf("Gen1Identity(%q, %q) = %q, want %q", tt.code, tt.mac, got.ID, tt.want)
		}
	}

	if _, err := Gen1Identity("", "AABBCC"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Gen1Identity(empty) error = %v, want ErrInvalidIdentity", err)
	}
}

func TestNormalizeID(t *testing.T) {
	if got := NormalizeID("shellyplus1-a8032ab12345"); got != "shellyplus1-A8032AB12345" {
		t.Errorf("NormalizeID() = %q", got)
	}
	if got := NormalizeID("not an id"); got != "not an id" {
		t.Errorf("NormalizeID(invalid) = %q, want input unchanged", got)
	}
}
