package peer

import "errors"

var (
	// ErrInvalidRole is returned by New when role is outside the closed
	// Role enum.
	ErrInvalidRole = errors.New("peer: invalid role")

	// ErrNotConnecting is returned when a handshake-response method is
	// called without a matching in-progress InitiatorSession.
	ErrNotConnecting = errors.New("peer: no handshake in progress")

	// ErrAlreadyDisconnected is returned by operations attempted after
	// Disconnect.
	ErrAlreadyDisconnected = errors.New("peer: already disconnected")

	// ErrUnsolicitedNotAllowed names the refusal of a handshake from a
	// darknet-role peer that is not pre-known. No function in this module
	// returns it; overlay.Node drops such a handshake without an error.
	ErrUnsolicitedNotAllowed = errors.New("peer: unsolicited handshake not allowed for this role")

	// ErrPingTimeout resolves a PingFuture when no pong arrives within
	// limits.PingTimeout.
	ErrPingTimeout = errors.New("peer: ping timed out")
)
