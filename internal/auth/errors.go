package auth

import "errors"

// Domain errors for the auth package.
var (
	// ErrMissingCredentials is returned when a device challenges a request
	// but no username is configured. No network call is made.
	ErrMissingCredentials = errors.New("auth: device requires credentials but none are configured")

	// ErrInvalidChallenge is returned when a digest challenge cannot be parsed
	// or lacks its realm or nonce.
	ErrInvalidChallenge = errors.New("auth: invalid digest challenge")

	// ErrUnsupportedAlgorithm is returned when a challenge names a hash other
	// than SHA-256 or MD5.
	ErrUnsupportedAlgorithm = errors.New("auth: unsupported digest algorithm")
)
