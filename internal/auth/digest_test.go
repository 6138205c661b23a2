package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestBasicAuth(t *testing.T) {
	if got := BasicAuth("admin", "tango"); got != "YWRtaW46dGFuZ28=" {
		t.Errorf("BasicAuth() = %q, want %q", got, "YWRtaW46dGFuZ28=")
	}
}

func TestBasicHeader_MissingUsername(t *testing.T) {
	_, err := BasicHeader(Credentials{Password: "tango"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("BasicHeader() error = %v, want ErrMissingCredentials", err)
	}
}

func TestDigestAuth_ShellyFixture(t *testing.T) {
	ch := Challenge{
		Realm:     "shelly1minig3-543204547478",
		Nonce:     "1716556501",
		Algorithm: AlgorithmSHA256,
	}

	d, err := DigestAuth(Credentials{Username: "admin", Password: "tango"}, ch, 1, "1234")
	if err != nil {
		t.Fatalf("DigestAuth() error = %v", err)
	}

	const want = "3e07b0fe38c419b01b1d79400d89e43bf5247a04631dc250e5275ee98a5e86f6"
	if d.Response != want {
		t.Errorf("Response = %s, want %s", d.Response, want)
	}
	if d.Realm != ch.Realm || d.Username != "admin" || d.CNonce != "1234" {
		t.Errorf("Digest fields = %+v", d)
	}
}

func TestDigestAuth_MissingCredentials(t *testing.T) {
	ch := Challenge{Realm: "r", Nonce: "1"}
	if _, err := DigestAuth(Credentials{}, ch, 1, "1"); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("DigestAuth() error = %v, want ErrMissingCredentials", err)
	}
}

func TestDigestAuth_UnsupportedAlgorithm(t *testing.T) {
	ch := Challenge{Realm: "r", Nonce: "1", Algorithm: "SHA-512-256"}
	_, err := DigestAuth(Credentials{Username: "admin"}, ch, 1, "1")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("DigestAuth() error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestParseDigestChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    Challenge
		wantErr bool
	}{
		{
			name:   "quoted with scheme",
			header: `Digest qop="auth", realm="shellyplus1-abc", nonce="60dc59c6", algorithm=SHA-256`,
			want:   Challenge{Realm: "shellyplus1-abc", Nonce: "60dc59c6", Algorithm: "SHA-256", Qop: "auth"},
		},
		{
			name:   "unquoted values",
			header: `realm=shelly1minig3-543204547478, nonce=1716556501, algorithm=SHA-256`,
			want:   Challenge{Realm: "shelly1minig3-543204547478", Nonce: "1716556501", Algorithm: "SHA-256", Qop: "auth"},
		},
		{
			name:   "comma inside quotes",
			header: `Digest realm="a,b", nonce="1"`,
			want:   Challenge{Realm: "a,b", Nonce: "1", Algorithm: "SHA-256", Qop: "auth"},
		},
		{
			name:    "missing nonce",
			header:  `Digest realm="x"`,
			wantErr: true,
		},
		{
			name:    "empty",
			header:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigestChallenge(tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidChallenge) {
					t.Errorf("ParseDigestChallenge() error = %v, want ErrInvalidChallenge", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDigestChallenge() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDigestChallenge() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRPCChallenge(t *testing.T) {
	msg := `{"auth_type":"digest","nonce":1716556501,"nc":1,"realm":"shelly1minig3-543204547478","algorithm":"SHA-256"}`
	ch, err := ParseRPCChallenge(msg)
	if err != nil {
		t.Fatalf("ParseRPCChallenge() error = %v", err)
	}
	if ch.Nonce != "1716556501" || ch.Realm != "shelly1minig3-543204547478" {
		t.Errorf("ParseRPCChallenge() = %+v", ch)
	}

	if _, err := ParseRPCChallenge("not json"); !errors.Is(err, ErrInvalidChallenge) {
		t.Errorf("ParseRPCChallenge(invalid) error = %v, want ErrInvalidChallenge", err)
	}
}

func TestDigest_MarshalJSON(t *testing.T) {
	d := Digest{Realm: "r", Username: "admin", Nonce: "1716556501", CNonce: "1234", Response: "abc", Algorithm: "SHA-256"}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"nonce":1716556501`) || !strings.Contains(s, `"cnonce":1234`) {
		t.Errorf("Marshal() = %s, want numeric nonce and cnonce", s)
	}
}

func TestDigest_StringRedactsResponse(t *testing.T) {
	d := Digest{Realm: "r", Username: "admin", Response: "secret-hash"}
	if strings.Contains(d.String(), "secret-hash") {
		t.Errorf("String() leaks response: %s", d.String())
	}
}
