package crypto

import "errors"

// Typed error kinds for CryptoPrimitives. Callers switch on these
// with errors.Is; they are never panics, even for malformed attacker input.
var (
	// ErrBadLength is returned when a key, IV, or ciphertext has the wrong
	// size for the operation requested.
	ErrBadLength = errors.New("crypto: bad length")

	// ErrMacMismatch is returned when an HMAC verification fails.
	ErrMacMismatch = errors.New("crypto: mac mismatch")

	// ErrBadPoint is returned when a DH exponential is the identity point
	// or a known small-order point.
	ErrBadPoint = errors.New("crypto: bad point")
)
