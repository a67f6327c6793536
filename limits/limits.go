// Package limits collects the size and timing constants shared across the
// overlay core: MTU-derived padding bounds, window widths, and the
// backpressure caps that keytracker, session, and channel all enforce.
// Keeping them in one leaf package (no imports of its own) avoids every
// other package importing each other just to share a constant.
package limits

import "time"

const (
	// DefaultMTU is the path MTU assumed absent any external measurement.
	// Session and handshake padding never exceeds this.
	DefaultMTU = 1280

	// PaddingMultiple is the granularity outbound payloads are padded to
	// before the uniformly random extra bytes are added.
	PaddingMultiple = 64

	// MaxRandomPadding is the upper bound (exclusive) on the extra random
	// padding bytes added on top of the multiple-of-64 rounding, itself
	// capped by remaining MTU headroom.
	MaxRandomPadding = 64

	// HandshakeEnvelopeMaxPadding is the upper bound (exclusive) on the
	// outer handshake envelope's random padding.
	HandshakeEnvelopeMaxPadding = 100

	// WatchlistSize is the number of precomputed sequence-number tags a
	// KeyTracker keeps in its circular watchlist.
	WatchlistSize = 1024

	// SequenceNumberBits is the width of the sequence-number space used
	// for serial-number (modular) comparison.
	SequenceNumberBits = 31

	// MessageIDBits is the width of the message-ID space used for
	// serial-number comparison.
	MessageIDBits = 28

	// MessageIDWindowWidth is the width of the sliding message-ID window.
	MessageIDWindowWidth = 1 << 16

	// RekeyRemainingWindowThreshold triggers a rekey once fewer than this
	// many sequence numbers remain before exhaustion.
	RekeyRemainingWindowThreshold = 100

	// RekeyByteThreshold triggers a rekey once a tracker has encrypted or
	// decrypted this many cumulative bytes.
	RekeyByteThreshold = 1 << 30 // 1 GiB

	// RekeyAgeThreshold triggers a rekey once a tracker exceeds this age.
	RekeyAgeThreshold = 1 * time.Hour

	// RekeyGracePeriod is how long past any rekey trigger a tracker may
	// remain in use before the connection is forcibly dropped.
	RekeyGracePeriod = 5 * time.Minute

	// LocalBufferCap and RemoteBufferCap bound the reliable channel's
	// bidirectional backpressure accounting.
	LocalBufferCap  = 256 * 1024
	RemoteBufferCap = 256 * 1024

	// HandshakeTimeout is the overall per-state timeout for a handshake
	// that has not reached ESTABLISHED.
	HandshakeTimeout = 30 * time.Second

	// M3RetransmitDelay is how long the initiator waits for M4 before
	// retransmitting M3 once.
	M3RetransmitDelay = 5 * time.Second

	// MinAckTimeout is the floor on the loss-detection timeout, regardless
	// of measured RTT.
	MinAckTimeout = 250 * time.Millisecond

	// AckTimeoutRTTMultiplier scales the measured average RTT to produce
	// the loss-detection timeout.
	AckTimeoutRTTMultiplier = 2

	// MessageIDBlockedTimeout is how long message-ID allocation may block
	// on window exhaustion before it is fatal.
	MessageIDBlockedTimeout = 10 * time.Minute

	// SenderCoalesceInterval is the maximum delay the packet-sender task
	// may coalesce work for.
	SenderCoalesceInterval = 200 * time.Millisecond

	// WatchdogStallThreshold is how long the sender heartbeat counter may
	// go unadvanced before the watchdog declares a stall.
	WatchdogStallThreshold = 3 * time.Minute

	// TransientKeyMinRotation is the minimum interval between transient
	// authenticator key rotations; a full cache forces one sooner.
	TransientKeyMinRotation = 30 * time.Minute

	// AuthenticatorCacheCapacity bounds the responder's authenticator
	// cache before capacity itself forces a transient-key rotation.
	AuthenticatorCacheCapacity = 4096

	// DHContextPoolCapacity bounds the precomputed DH-context FIFO.
	DHContextPoolCapacity = 64

	// FragmentHeaderMaxBytes is the header size the reliable channel
	// reserves when sizing a fragment's data. Headers with large offset,
	// length or message_length varints are longer; the packer then shrinks
	// that fragment's data to fit.
	FragmentHeaderMaxBytes = 9

	// TruncatedTagSize is the watchlist / outer-MAC truncation length.
	TruncatedTagSize = 4

	// PingTimeout bounds how long a ping waits for its pong before
	// resolving its future with a timeout instead of a measured duration.
	PingTimeout = 10 * time.Second

	// MaxConnectedPeers bounds how many peers a node keeps connected at
	// once; admitting an opennet/seed peer past this cap evicts one
	// evictable (Role.EvictableUnderPressure) connected peer first, the
	// first found in the node's peer map rather than the oldest
	// (opennet connection-slot management; announcement and the peer
	// directory itself stay external collaborators).
	MaxConnectedPeers = 256
)
