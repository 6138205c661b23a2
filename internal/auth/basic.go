package auth

import (
	"encoding/base64"
)

// Credentials are the username/password pair configured for a device.
// Shelly gen 2+ devices always use the fixed username "admin", but the
// value is taken from configuration so gen 1 devices can use any name.
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no username has been configured.
func (c Credentials) IsZero() bool {
	return c.Username == ""
}

// BasicAuth returns base64(username:password), the token carried by a
// "Basic" Authorization header.
//
// Example:
//
//	auth.BasicAuth("admin", "tango") // "YWRtaW46dGFuZ28="
func BasicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// BasicHeader returns the complete Authorization header value for creds.
//
// Returns:
//   - string: "Basic <token>"
//   - error: ErrMissingCredentials if creds has no username
func BasicHeader(creds Credentials) (string, error) {
	if creds.IsZero() {
		return "", ErrMissingCredentials
	}
	return "Basic " + BasicAuth(creds.Username, creds.Password), nil
}
