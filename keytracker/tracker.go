// Package keytracker implements KeyTracker: the per-direction-pair
// bundle of session cipher/MAC keys and sequence-number state produced by a
// completed handshake, including the receive-side watchlist that lets a
// packet's sequence number be recognized without trial decryption.
package keytracker

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/serial"
	"github.com/sirupsen/logrus"
)

// State is a KeyTracker's position in the current/previous/unverified/
// deprecated lifecycle.
type State int

const (
	StateUnverified State = iota
	StateCurrent
	StatePrevious
	StateDeprecated
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateCurrent:
		return "current"
	case StatePrevious:
		return "previous"
	case StateDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// SentPacket describes an in-flight outbound packet awaiting acknowledgment.
type SentPacket struct {
	Seq     uint32
	SentAt  time.Time
	NumByte int
}

// RekeyReason enumerates which rekey trigger fired.
type RekeyReason int

const (
	RekeyNone RekeyReason = iota
	RekeyWindowNarrow
	RekeyByteVolume
	RekeyAge
)

// Tracker is a KeyTracker: the cipher/MAC material and sequence-number
// bookkeeping for one handshake result. All mutation is guarded by a single
// mutex; encryption and decryption of the payload itself happen with the
// lock released — no lock is held across cryptography; the lock only
// protects the sequence counters and watchlist.
type Tracker struct {
	outCipher *crypto.BlockCipher
	inCipher  *crypto.BlockCipher
	ivCipher  *crypto.BlockCipher
	macKey    []byte
	ivNonce   [12]byte

	mu sync.Mutex

	nextOutSeq      uint32
	firstOutSeqUsed uint32
	outSeqUsed      bool

	highestInSeq    uint32
	highestInSeqSet bool
	watch           watchlist

	sentPackets map[uint32]*SentPacket

	bytesOut uint64
	bytesIn  uint64

	createdAt time.Time
	tp        crypto.TimeProvider

	rekeyTriggeredAt time.Time
	rekeyTriggered   bool

	state State
}

// New constructs a KeyTracker from the keys derived by the handshake. Keys
// are out_cipher/in_cipher/iv_cipher over the KeyTracker's 256-bit cipher
// keys, mac_key for HMAC, and the per-tracker iv_nonce. Ownership of the
// key byte slices transfers to the tracker; callers should not reuse them.
func New(outKey, inKey, ivKey, macKey []byte, ivNonce [12]byte, tp crypto.TimeProvider) (*Tracker, error) {
	logger := crypto.NewLogger("keytracker.New")
	logger.Entry("constructing key tracker")
	defer logger.Exit()

	outCipher, err := crypto.NewBlockCipher(outKey)
	if err != nil {
		return nil, err
	}
	inCipher, err := crypto.NewBlockCipher(inKey)
	if err != nil {
		return nil, err
	}
	ivCipher, err := crypto.NewBlockCipher(ivKey)
	if err != nil {
		return nil, err
	}
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}

	t := &Tracker{
		outCipher:   outCipher,
		inCipher:    inCipher,
		ivCipher:    ivCipher,
		macKey:      macKey,
		ivNonce:     ivNonce,
		sentPackets: make(map[uint32]*SentPacket),
		createdAt:   tp.Now(),
		tp:          tp,
		state:       StateUnverified,
	}
	return t, nil
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the tracker to a new lifecycle state. Promotion and
// demotion across a peer's tracker trio is orchestrated by session.Packetizer;
// this just records the assignment.
func (t *Tracker) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// NextOutgoingSeq allocates the next outgoing sequence number, wrapping at
// 2^31. Returns ErrExhausted once the allocator would repeat the first
// sequence number ever issued — the caller must rekey before sending again.
func (t *Tracker) NextOutgoingSeq() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outSeqUsed && t.nextOutSeq == t.firstOutSeqUsed {
		return 0, ErrExhausted
	}

	seq := t.nextOutSeq
	if !t.outSeqUsed {
		t.firstOutSeqUsed = seq
		t.outSeqUsed = true
	}
	t.nextOutSeq = serial.Add(t.nextOutSeq, 1, limits.SequenceNumberBits)
	return seq, nil
}

// ivFor derives IV = iv_cipher(iv_nonce ∥ seq_be32).
func (t *Tracker) ivFor(seq uint32) ([]byte, error) {
	var block [16]byte
	copy(block[:12], t.ivNonce[:])
	binary.BigEndian.PutUint32(block[12:], seq)
	return t.ivCipher.EncryptBlock(block[:])
}

// EncryptOutgoing allocates a sequence number and returns the ciphertext
// plus truncated HMAC prefix ready for wire framing:
// HMAC_mac_key(ciphertext)[0:4] ∥ ciphertext, where ciphertext = ENC_out(IV,
// seq_be32 ∥ plaintext ∥ padding).
func (t *Tracker) EncryptOutgoing(plaintext []byte) (seq uint32, macPrefix []byte, ciphertext []byte, err error) {
	seq, err = t.NextOutgoingSeq()
	if err != nil {
		return 0, nil, nil, err
	}

	iv, err := t.ivFor(seq)
	if err != nil {
		return 0, nil, nil, err
	}

	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	inner := make([]byte, 0, len(seqBytes)+len(plaintext))
	inner = append(inner, seqBytes[:]...)
	inner = append(inner, plaintext...)

	ciphertext, err = t.outCipher.StreamXOR(iv, inner)
	if err != nil {
		return 0, nil, nil, err
	}

	tag := crypto.TruncatedHMAC(t.macKey, ciphertext, limits.TruncatedTagSize)

	t.mu.Lock()
	t.bytesOut += uint64(len(ciphertext))
	t.mu.Unlock()

	return seq, tag, ciphertext, nil
}

// MatchWatchlist linear-scans this tracker's watchlist for the given
// 4-byte tag (taken from the first four bytes of a received ciphertext),
// returning the candidate sequence number.
func (t *Tracker) MatchWatchlist(tag [limits.TruncatedTagSize]byte) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watch.match(tag)
}

// VerifyAndDecrypt verifies the truncated HMAC over ciphertext and, if it
// matches, decrypts and strips the leading sequence number, returning the
// plaintext payload. seq must already have been identified via
// MatchWatchlist.
func (t *Tracker) VerifyAndDecrypt(seq uint32, macPrefix, ciphertext []byte) ([]byte, error) {
	expected := crypto.TruncatedHMAC(t.macKey, ciphertext, limits.TruncatedTagSize)
	if !constantTimeEqual(expected, macPrefix) {
		return nil, ErrMacMismatch
	}

	iv, err := t.ivFor(seq)
	if err != nil {
		return nil, err
	}

	inner, err := t.inCipher.StreamXORDecrypt(iv, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(inner) < 4 {
		return nil, crypto.ErrBadLength
	}

	t.mu.Lock()
	t.bytesIn += uint64(len(ciphertext))
	t.mu.Unlock()

	return inner[4:], nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// RecordIncoming updates highest_in_seq if seq is newer in modular order,
// and shifts the watchlist forward to keep it centered on the new high
// water mark.
func (t *Tracker) RecordIncoming(seq uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.highestInSeqSet || serial.Newer(seq, t.highestInSeq, limits.SequenceNumberBits) {
		t.highestInSeq = seq
		t.highestInSeqSet = true
	}
	return t.watch.shiftTo(t.inCipher, t.ivCipher, t.ivNonce, t.highestInSeq)
}

// EnsureWatchlist initializes the watchlist around an initial sequence
// number, used immediately after a tracker is installed so the first
// incoming packets (which may arrive before any prior RecordIncoming call)
// can be matched.
func (t *Tracker) EnsureWatchlist(initialSeq uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watch.inited {
		return nil
	}
	t.highestInSeq = initialSeq
	t.highestInSeqSet = true
	return t.watch.reinit(t.inCipher, t.ivCipher, t.ivNonce, initialSeq)
}

// TrackSent records a newly sent packet as in-flight for ack/loss tracking.
func (t *Tracker) TrackSent(seq uint32, numBytes int, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentPackets[seq] = &SentPacket{Seq: seq, SentAt: sentAt, NumByte: numBytes}
}

// TakeSent removes and returns the in-flight descriptor for seq, if any.
func (t *Tracker) TakeSent(seq uint32) (*SentPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.sentPackets[seq]
	if ok {
		delete(t.sentPackets, seq)
	}
	return sp, ok
}

// InFlight returns a snapshot of all currently in-flight sent packets.
func (t *Tracker) InFlight() []*SentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SentPacket, 0, len(t.sentPackets))
	for _, sp := range t.sentPackets {
		out = append(out, sp)
	}
	return out
}

// Deprecate marks the tracker unusable for new sends. Receives are still
// processed briefly to drain in-flight packets sent under it.
func (t *Tracker) Deprecate() {
	t.mu.Lock()
	t.state = StateDeprecated
	t.mu.Unlock()
	logrus.WithFields(logrus.Fields{"package": "keytracker"}).Debug("tracker deprecated")
}

// ShouldRekey reports the first rekey trigger that has fired, if any.
// Callers should check this after every encrypt/decrypt.
func (t *Tracker) ShouldRekey() RekeyReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldRekeyLocked()
}

func (t *Tracker) shouldRekeyLocked() RekeyReason {
	reason := RekeyNone
	switch {
	case t.outSeqUsed && serial.Distance(t.firstOutSeqUsed, t.nextOutSeq, limits.SequenceNumberBits) < limits.RekeyRemainingWindowThreshold:
		reason = RekeyWindowNarrow
	case t.bytesOut+t.bytesIn > limits.RekeyByteThreshold:
		reason = RekeyByteVolume
	case t.tp.Since(t.createdAt) > limits.RekeyAgeThreshold:
		reason = RekeyAge
	}

	if reason != RekeyNone && !t.rekeyTriggered {
		t.rekeyTriggered = true
		t.rekeyTriggeredAt = t.tp.Now()
	}
	return reason
}

// Age returns how long ago this tracker was created.
func (t *Tracker) Age() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tp.Since(t.createdAt)
}

// OverGracePeriod reports whether the tracker has exceeded a rekey trigger
// by more than the grace period without a replacement tracker becoming
// current — the caller must force disconnect.
func (t *Tracker) OverGracePeriod() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shouldRekeyLocked()
	if !t.rekeyTriggered {
		return false
	}
	return t.tp.Since(t.rekeyTriggeredAt) > limits.RekeyGracePeriod
}
