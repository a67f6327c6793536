// Package handshake implements HandshakeEngine: the four-message
// JFK-style authenticated Diffie-Hellman exchange, including the
// responder's stateless-until-M3 DoS resistance (transient-key-guarded
// authenticator cache and a reused DH-context pool).
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/sirupsen/logrus"
)

// State is an initiator handshake's position in the exchange. The
// responder keeps no comparable per-peer state between M1 and M3;
// Responder below exposes pure per-message
// handlers instead of a state machine.
type State int

const (
	StateIdle State = iota
	StateSentM1
	StateGotM2
	StateAwaitM4
	StateEstablished
	StateFailed
)

// Result is returned once a handshake reaches ESTABLISHED.
type Result struct {
	SessionKeys   SessionKeys
	PeerPublicKey [32]byte
	BootID        uint64
	PeerRef       []byte
}

func marshalBootAndRef(bootID uint64, peerRef []byte) []byte {
	buf := make([]byte, 8+len(peerRef))
	binary.BigEndian.PutUint64(buf[:8], bootID)
	copy(buf[8:], peerRef)
	return buf
}

func buildTranscript(nonceI, nonceR [NonceSize]byte, gi, gr, otherIdentity [32]byte, payload []byte) []byte {
	buf := make([]byte, 0, 2*NonceSize+32*3+len(payload))
	buf = append(buf, nonceI[:]...)
	buf = append(buf, nonceR[:]...)
	buf = append(buf, gi[:]...)
	buf = append(buf, gr[:]...)
	buf = append(buf, otherIdentity[:]...)
	buf = append(buf, payload...)
	return buf
}

// InitiatorSession drives one outgoing handshake attempt.
type InitiatorSession struct {
	identity *Identity
	tp       crypto.TimeProvider

	state    State
	dhCtx    *crypto.DHContext
	nonceI   [NonceSize]byte
	nonceR   [NonceSize]byte
	gr       [32]byte
	bootID   uint64
	sentAt   time.Time
	lastSent time.Time
	m3Resent bool

	ks, ke, ka []byte
}

// NewInitiatorSession creates a fresh handshake attempt for identity.
func NewInitiatorSession(identity *Identity, tp crypto.TimeProvider) *InitiatorSession {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &InitiatorSession{identity: identity, tp: tp, state: StateIdle}
}

// State returns the session's current state.
func (s *InitiatorSession) State() State { return s.state }

// BuildM1 generates a fresh DH context and nonce, and transitions to
// SENT_M1.
func (s *InitiatorSession) BuildM1() (*M1, error) {
	if s.state != StateIdle {
		return nil, ErrWrongState
	}

	ctx, err := crypto.NewDHContext(s.identity.Private)
	if err != nil {
		return nil, fmt.Errorf("handshake: generating dh context: %w", err)
	}
	if _, err := rand.Read(s.nonceI[:]); err != nil {
		return nil, err
	}

	s.dhCtx = ctx
	s.state = StateSentM1
	s.sentAt = s.tp.Now()

	return &M1{NonceI: s.nonceI, GI: ctx.Exponential()}, nil
}

// HandleM2 validates the responder's reply and builds M3. responderPub is
// the responder's long-term public key, known to the caller via
// PeerDirectory.public_key_of. peerRef is the opaque reference this node
// wants to hand the responder.
func (s *InitiatorSession) HandleM2(m2 *M2, responderPub [32]byte, initiatorIP []byte, peerRef []byte) (*M3, error) {
	if s.state != StateSentM1 {
		return nil, ErrWrongState
	}
	if m2.NonceI != s.nonceI {
		return nil, ErrWrongState
	}
	if !crypto.ExponentialValid(m2.GR) {
		return nil, ErrBadExponential
	}

	ok, err := verifyExponentialSig(responderPub, m2.GR, m2.SigR)
	if err != nil || !ok {
		return nil, ErrSignatureMismatch
	}

	sharedSecret, err := crypto.DeriveSharedSecret(m2.GR, s.dhCtx.KeyPair.Private)
	if err != nil {
		return nil, fmt.Errorf("handshake: deriving shared secret: %w", err)
	}

	ks, ke, ka := deriveHandshakeKeys(sharedSecret, s.nonceI, m2.NonceR)
	crypto.ZeroBytes(sharedSecret[:])

	bootID, err := randomBootID()
	if err != nil {
		return nil, err
	}
	s.bootID = bootID
	s.nonceR = m2.NonceR
	s.gr = m2.GR

	payload := marshalBootAndRef(bootID, peerRef)
	transcript := buildTranscript(s.nonceI, s.nonceR, s.dhCtx.Exponential(), s.gr, responderPub, payload)
	sigI, err := crypto.Sign(transcript, s.identity.Private)
	if err != nil {
		return nil, err
	}

	inner := append(append([]byte(nil), sigI[:]...), payload...)

	ivCipher, err := crypto.NewBlockCipher(ke)
	if err != nil {
		return nil, err
	}
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	ciphertext, err := ivCipher.StreamXOR(iv[:], inner)
	if err != nil {
		return nil, err
	}

	macInput := append([]byte("I"), ciphertext...)
	mac := crypto.HMACSHA256(ka, macInput)

	m3 := &M3{
		NonceI:        s.nonceI,
		NonceR:        s.nonceR,
		GI:            s.dhCtx.Exponential(),
		GR:            s.gr,
		Authenticator: m2.Authenticator,
		IV:            iv,
		Ciphertext:    ciphertext,
	}
	copy(m3.Mac[:], mac)

	s.ks, s.ke, s.ka = ks, ke, ka
	s.state = StateAwaitM4
	s.lastSent = s.tp.Now()
	return m3, nil
}

// HandleM4 verifies the responder's confirmation and completes the
// handshake, returning the derived session keys. The initiator installs
// the resulting tracker as "current" immediately since it has full
// end-to-end confirmation.
func (s *InitiatorSession) HandleM4(m4 *M4, responderPub [32]byte) (*Result, error) {
	if s.state != StateAwaitM4 {
		return nil, ErrWrongState
	}

	macInput := append([]byte("R"), m4.Ciphertext...)
	if !crypto.VerifyHMAC(s.ka, macInput, m4.Mac[:]) {
		return nil, ErrMacMismatch
	}

	ivCipher, err := crypto.NewBlockCipher(s.ke)
	if err != nil {
		return nil, err
	}
	plaintext, err := ivCipher.StreamXORDecrypt(m4.IV[:], m4.Ciphertext)
	if err != nil {
		return nil, err
	}

	signed, err := UnmarshalSignedPayload(plaintext)
	if err != nil {
		return nil, err
	}

	transcript := buildTranscript(s.nonceI, s.nonceR, s.dhCtx.Exponential(), s.gr, s.identity.Public, marshalBootAndRef(signed.BootID, signed.PeerRef))
	ok, err := crypto.Verify(transcript, signed.Signature, responderPub)
	if err != nil || !ok {
		s.state = StateFailed
		return nil, ErrSignatureMismatch
	}

	s.state = StateEstablished
	return &Result{
		SessionKeys:   deriveSessionKeys(s.ks),
		PeerPublicKey: responderPub,
		BootID:        signed.BootID,
		PeerRef:       signed.PeerRef,
	}, nil
}

// Expired reports whether the session has exceeded HandshakeTimeout in a
// non-terminal state.
func (s *InitiatorSession) Expired() bool {
	if s.state == StateEstablished || s.state == StateFailed || s.state == StateIdle {
		return false
	}
	return s.tp.Since(s.sentAt) > limits.HandshakeTimeout
}

// NeedsM3Retransmit reports whether five seconds have elapsed awaiting M4
// without a retransmit yet being sent.
func (s *InitiatorSession) NeedsM3Retransmit() bool {
	return s.state == StateAwaitM4 && !s.m3Resent && s.tp.Since(s.lastSent) > limits.M3RetransmitDelay
}

// MarkM3Retransmitted records that the single M3 retransmit has been sent.
func (s *InitiatorSession) MarkM3Retransmitted() {
	s.lastSent = s.tp.Now()
	s.m3Resent = true
}

// Responder answers M1 and M3 without retaining per-peer state between
// them. Its only mutable state is
// the shared DH-context pool and the transient-key/authenticator-cache
// guard, both safe for concurrent use across many peers.
type Responder struct {
	identity *Identity
	dos      *dosGuard
	pool     *dhContextPool
	tp       crypto.TimeProvider
	bootID   uint64
}

// NewResponder constructs a Responder for identity.
func NewResponder(identity *Identity, tp crypto.TimeProvider) (*Responder, error) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	guard, err := newDosGuard(tp)
	if err != nil {
		return nil, err
	}
	bootID, err := randomBootID()
	if err != nil {
		return nil, err
	}
	return &Responder{
		identity: identity,
		dos:      guard,
		pool:     newDHContextPool(limits.DHContextPoolCapacity),
		tp:       tp,
		bootID:   bootID,
	}, nil
}

// currentContext returns the responder's reusable DH context, generating
// one the first time it is needed. Reuse across many M1 arrivals is what
// keeps a handshake flood cheap.
func (r *Responder) currentContext() (*crypto.DHContext, error) {
	if ctx, ok := r.pool.Latest(); ok {
		return ctx, nil
	}
	ctx, err := crypto.NewDHContext(r.identity.Private)
	if err != nil {
		return nil, err
	}
	r.pool.Add(ctx)
	return ctx, nil
}

// HandleM1 validates an initiator's opening message and returns M2.
// Performs no per-peer allocation.
func (r *Responder) HandleM1(m1 *M1, initiatorIP []byte) (*M2, error) {
	if !crypto.ExponentialValid(m1.GI) {
		return nil, ErrBadExponential
	}

	ctx, err := r.currentContext()
	if err != nil {
		return nil, err
	}

	var nonceR [NonceSize]byte
	if _, err := rand.Read(nonceR[:]); err != nil {
		return nil, err
	}

	sigR, err := signExponential(r.identity.Private, ctx.Exponential())
	if err != nil {
		return nil, err
	}

	authData := authenticatorInput(ctx.Exponential(), m1.GI, nonceR, m1.NonceI, initiatorIP)
	authenticator := r.dos.Authenticator(authData)

	m2 := &M2{
		NonceI: m1.NonceI,
		NonceR: nonceR,
		GR:     ctx.Exponential(),
		SigR:   sigR,
	}
	copy(m2.Authenticator[:], authenticator)
	return m2, nil
}

func authenticatorInput(gr, gi [32]byte, nonceR, nonceI [NonceSize]byte, initiatorIP []byte) []byte {
	buf := make([]byte, 0, 64+2*NonceSize+len(initiatorIP))
	buf = append(buf, gr[:]...)
	buf = append(buf, gi[:]...)
	buf = append(buf, nonceR[:]...)
	buf = append(buf, nonceI[:]...)
	buf = append(buf, initiatorIP...)
	return buf
}

// HandleM3 processes an initiator's authenticated reply. initiatorIP must
// match what HandleM1 saw for the same exchange. initiatorPub is the
// initiator's long-term public key, resolved by the caller via
// PeerDirectory before calling in — JFK's responder never learns identity
// from the wire alone until the signature is checked against it. ownPeerRef
// is this node's own opaque reference to embed in M4.
func (r *Responder) HandleM3(m3 *M3, initiatorIP []byte, initiatorPub [32]byte, ownPeerRef []byte) (*M4, *Result, error) {
	authData := authenticatorInput(m3.GR, m3.GI, m3.NonceR, m3.NonceI, initiatorIP)
	if !r.dos.VerifyAuthenticator(authData, m3.Authenticator[:]) {
		return nil, nil, ErrAuthenticatorFail
	}

	var authKey [32]byte
	copy(authKey[:], m3.Authenticator[:])
	if cached, ok := r.dos.Lookup(authKey); ok {
		logrus.WithFields(logrus.Fields{"package": "handshake"}).Debug("replayed M3, returning cached M4")
		return cached, nil, nil
	}

	ctx, ok := r.pool.Lookup(m3.GR)
	if !ok {
		return nil, nil, ErrNoMatchingContext
	}

	sharedSecret, err := crypto.DeriveSharedSecret(m3.GI, ctx.KeyPair.Private)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: deriving shared secret: %w", err)
	}
	ks, ke, ka := deriveHandshakeKeys(sharedSecret, m3.NonceI, m3.NonceR)
	crypto.ZeroBytes(sharedSecret[:])

	macInput := append([]byte("I"), m3.Ciphertext...)
	if !crypto.VerifyHMAC(ka, macInput, m3.Mac[:]) {
		return nil, nil, ErrMacMismatch
	}

	ivCipher, err := crypto.NewBlockCipher(ke)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := ivCipher.StreamXORDecrypt(m3.IV[:], m3.Ciphertext)
	if err != nil {
		return nil, nil, err
	}

	signed, err := UnmarshalSignedPayload(plaintext)
	if err != nil {
		return nil, nil, err
	}

	transcript := buildTranscript(m3.NonceI, m3.NonceR, m3.GI, m3.GR, r.identity.Public, marshalBootAndRef(signed.BootID, signed.PeerRef))
	ok2, err := crypto.Verify(transcript, signed.Signature, initiatorPub)
	if err != nil || !ok2 {
		return nil, nil, ErrSignatureMismatch
	}

	ownPayload := marshalBootAndRef(r.bootID, ownPeerRef)
	ownTranscript := buildTranscript(m3.NonceI, m3.NonceR, m3.GI, m3.GR, initiatorPub, ownPayload)
	sigR, err := crypto.Sign(ownTranscript, r.identity.Private)
	if err != nil {
		return nil, nil, err
	}

	inner := append(append([]byte(nil), sigR[:]...), ownPayload...)
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, nil, err
	}
	m4Cipher, err := crypto.NewBlockCipher(ke)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := m4Cipher.StreamXOR(iv[:], inner)
	if err != nil {
		return nil, nil, err
	}

	mac := crypto.HMACSHA256(ka, append([]byte("R"), ciphertext...))
	m4 := &M4{IV: iv, Ciphertext: ciphertext}
	copy(m4.Mac[:], mac)

	if err := r.dos.Store(authKey, m4); err != nil {
		return nil, nil, err
	}

	// ctx stays in the pool: a DH context is reusable by many
	// initiators within its lifetime (that is what keeps a handshake flood
	// of M1s cheap), not single-use. It is pruned oldest-first by Add once
	// the pool fills or the responder generates a fresh one.

	result := &Result{
		SessionKeys:   deriveSessionKeys(ks),
		PeerPublicKey: initiatorPub,
		BootID:        signed.BootID,
		PeerRef:       signed.PeerRef,
	}
	return m4, result, nil
}

// MaybeRotateTransientKey rotates the responder's transient key if due;
// called periodically by the scheduler.
func (r *Responder) MaybeRotateTransientKey() error {
	return r.dos.MaybeRotate()
}

// BootID returns this process's boot ID.
func (r *Responder) BootID() uint64 { return r.bootID }
