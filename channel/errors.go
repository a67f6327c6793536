package channel

import "errors"

var (
	// ErrDisconnected is returned to pending send futures when the channel
	// has been torn down.
	ErrDisconnected = errors.New("channel: disconnected")

	// ErrBlockedTooLong is the fatal error raised when message-ID
	// allocation has blocked on window exhaustion for more than
	// limits.MessageIDBlockedTimeout.
	ErrBlockedTooLong = errors.New("channel: message id allocation blocked too long")

	// ErrLocalBufferFull means a new receive buffer would exceed
	// limits.LocalBufferCap; the fragment is not acked so the sender will
	// retry once the caller drains completed messages.
	ErrLocalBufferFull = errors.New("channel: local receive buffer full")

	// ErrRemoteBufferFull means packing a fresh message would exceed our
	// estimate of the peer's receive buffer; the message stays queued.
	ErrRemoteBufferFull = errors.New("channel: remote receive buffer full")

	// ErrInvalidPriority is returned when Send is called with a priority
	// outside the defined enum.
	ErrInvalidPriority = errors.New("channel: invalid priority")
)
