package mcast

import (
	"context"
	"testing"
)

func TestInterface_Empty(t *testing.T) {
	ifi, err := Interface("")
	if err != nil || ifi != nil {
		t.Errorf("Interface(\"\") = %v, %v; want nil, nil", ifi, err)
	}
}

func TestInterface_Unknown(t *testing.T) {
	if _, err := Interface("no-such-if0"); err == nil {
		t.Error("Interface() expected error for unknown interface")
	}
}

func TestListen_RejectsWrongFamily(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		listen func() error
	}{
		{"ipv4 with v6 group", func() error { _, err := ListenIPv4(ctx, nil, "ff02::fb", 0); return err }},
		{"ipv4 with garbage", func() error { _, err := ListenIPv4(ctx, nil, "not-an-ip", 0); return err }},
		{"ipv6 with v4 group", func() error { _, err := ListenIPv6(ctx, nil, "224.0.0.251", 0); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.listen(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
