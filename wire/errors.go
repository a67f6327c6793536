package wire

import "errors"

// Transient decode errors: callers drop the
// datagram and count it for diagnostics, never propagate it above the core.
var (
	ErrTooShort        = errors.New("wire: datagram too short")
	ErrDigestMismatch  = errors.New("wire: envelope digest mismatch")
	ErrMalformedRecord = errors.New("wire: malformed ack/fragment record")
	ErrOversizedPacket = errors.New("wire: encoded packet exceeds mtu")
)
