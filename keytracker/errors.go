package keytracker

import "errors"

// Errors returned by KeyTracker operations. All are ordinary (non-fatal)
// results a caller checks with errors.Is; none of these indicate a bug.
var (
	// ErrExhausted is returned by NextOutgoingSeq once the sequence-number
	// space has wrapped back to the first value ever used.
	ErrExhausted = errors.New("keytracker: sequence number space exhausted")

	// ErrNoWatchlistMatch means the incoming tag did not match any entry
	// in this tracker's watchlist.
	ErrNoWatchlistMatch = errors.New("keytracker: no watchlist match")

	// ErrMacMismatch means the full HMAC verification over the ciphertext
	// failed after a watchlist match — the packet is forged or corrupt.
	ErrMacMismatch = errors.New("keytracker: mac mismatch")

	// ErrDeprecated is returned when an operation that requires an active
	// tracker is attempted on one already deprecated.
	ErrDeprecated = errors.New("keytracker: tracker is deprecated")
)
