package auth

import "testing"

// ─── Digest (computed once per challenged request) ──────────────────

func BenchmarkDigestAuth(b *testing.B) {
	creds := Credentials{Username: "admin", Password: "tango"}
	ch := Challenge{Realm: "shelly1minig3-543204547478", Nonce: "1716556501", Algorithm: "SHA-256", Qop: "auth"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DigestAuth(creds, ch, i+1, "1234") //nolint:errcheck // benchmark
	}
}

func BenchmarkParseDigestChallenge(b *testing.B) {
	header := `Digest qop="auth", realm="shellyplus1-a8032ab12345", nonce="1716556501", algorithm=SHA-256`
	for i := 0; i < b.N; i++ {
		ParseDigestChallenge(header) //nolint:errcheck // benchmark
	}
}

// ─── Basic (every challenged gen 1 request) ─────────────────────────

func BenchmarkBasicAuth(b *testing.B) {
	for i := 0; i < b.N; i++ {
		BasicAuth("admin", "tango")
	}
}
