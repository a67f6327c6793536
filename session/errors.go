package session

import "errors"

var (
	// ErrNoActiveTracker is returned by EncryptOutbound when the peer has
	// no current tracker installed yet (handshake not complete).
	ErrNoActiveTracker = errors.New("session: no active key tracker")

	// ErrNoWatchlistMatch means none of the candidate trackers' watchlists
	// matched the incoming datagram — a transient decode error,
	// silently dropped by callers.
	ErrNoWatchlistMatch = errors.New("session: no tracker matched incoming datagram")

	// ErrBadPadding means the declared content length inside a decrypted
	// payload did not fit the decrypted buffer.
	ErrBadPadding = errors.New("session: malformed content-length/padding framing")
)
