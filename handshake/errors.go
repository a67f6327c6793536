package handshake

import "errors"

// Protocol-violation and decode errors. Decode errors are silently
// dropped by callers; protocol-violation errors abort the in-progress
// handshake without installing a tracker.
var (
	ErrBadLength          = errors.New("handshake: bad message length")
	ErrUnsupportedNegType = errors.New("handshake: unsupported negotiation type")
	ErrBadExponential     = errors.New("handshake: invalid DH exponential")
	ErrAuthenticatorFail  = errors.New("handshake: authenticator verification failed")
	ErrNoMatchingContext  = errors.New("handshake: no DH context matches g^r")
	ErrMacMismatch        = errors.New("handshake: mac mismatch")
	ErrSignatureMismatch  = errors.New("handshake: signature verification failed")
	ErrWrongState         = errors.New("handshake: message received in wrong state")
	ErrTimedOut           = errors.New("handshake: timed out")
	ErrOversizedReference = errors.New("handshake: peer reference exceeds maximum size")
)
