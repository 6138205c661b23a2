// Package auth computes the credentials Shelly devices ask for.
//
// Generation 1 devices protect their HTTP API with HTTP Basic
// authentication. Generation 2+ devices answer an unauthenticated RPC with a
// digest challenge, either as an HTTP 401 carrying a WWW-Authenticate header
// or as a JSON-RPC error (code 401) on a WebSocket. Both transports use the
// same calculator defined here.
//
// # Digest Scheme
//
// Shelly uses a reduced RFC 7616 digest with fixed placeholder values for
// the request method and URI:
//
//	HA1      = H(username:realm:password)
//	HA2      = H("dummy_method:dummy_uri")
//	response = H(HA1:nonce:nc:cnonce:auth:HA2)
//
// H is SHA-256 unless the challenge names MD5.
//
// # Usage
//
//	ch, err := auth.ParseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
//	if err != nil {
//	    return err
//	}
//	d, err := auth.DigestAuth(creds, ch, 1, auth.NewClientNonce())
//	if err != nil {
//	    return err // auth.ErrMissingCredentials
//	}
//	req["auth"] = d
//
// All functions are stateless and safe for concurrent use. Passwords are
// never logged; Digest.String redacts the response hash.
package auth
