// Package peer implements the Peer facade: one concrete type wrapping
// a SessionPacketizer and ReliableChannel for a single remote node, plus
// the thin keepalive ping/pong layer and boot-ID flap handling that sit
// above the reliable channel but below application messages.
//
// The darknet/opennet/seednode distinction is a closed Role tag on one
// concrete Peer type, not open polymorphism.
package peer

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/channel"
	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/handshake"
	"github.com/fn2mesh/overlaycore/keytracker"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/session"
	"github.com/sirupsen/logrus"
)

// Transport is the narrow collaborator the core sends through:
// fire-and-forget datagram delivery to a peer's address.
type Transport interface {
	Send(payload []byte, addr string) error
}

const (
	kindPing byte = iota
	kindPong
	kindApplication
)

// PingFuture resolves to a measured round-trip duration, or to ErrPingTimeout
// if no pong arrives within limits.PingTimeout.
type PingFuture struct {
	done chan struct{}
	rtt  time.Duration
	err  error
}

func newPingFuture() *PingFuture {
	return &PingFuture{done: make(chan struct{})}
}

func (f *PingFuture) resolve(rtt time.Duration, err error) {
	f.rtt, f.err = rtt, err
	close(f.done)
}

// Wait blocks until the ping resolves, returning the measured RTT or an
// error (ErrPingTimeout or whatever Send failed with).
func (f *PingFuture) Wait() (time.Duration, error) {
	<-f.done
	return f.rtt, f.err
}

type pendingPing struct {
	future *PingFuture
	sentAt time.Time
}

// Peer is the single concrete type backing every role: connection
// state, the keytracker trio, the reliable channel, and the ping/boot-ID
// bookkeeping layered directly above it.
type Peer struct {
	mu sync.Mutex

	role      Role
	publicKey [32]byte
	addr      string

	transport Transport
	tp        crypto.TimeProvider
	mtu       int

	packetizer *session.Packetizer
	ch         *channel.Channel
	appMessage func([]byte)

	bootID    uint64
	bootIDSet bool

	connecting *handshake.InitiatorSession

	disconnected bool
	onFailed     func(reason string)

	pendingPings map[uint64]pendingPing
}

// New constructs a Peer for a not-yet-connected remote node. onMessage is
// invoked with reassembled application payloads once the handshake
// completes and a tracker becomes current; onFailed is invoked at most
// once, with a human-readable reason, on any fatal condition.
func New(role Role, publicKey [32]byte, addr string, transport Transport, tp crypto.TimeProvider, mtu int, onMessage func([]byte), onFailed func(reason string)) (*Peer, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	if mtu <= 0 {
		mtu = limits.DefaultMTU
	}
	return &Peer{
		role:         role,
		publicKey:    publicKey,
		addr:         addr,
		transport:    transport,
		tp:           tp,
		mtu:          mtu,
		packetizer:   session.NewPacketizer(mtu),
		appMessage:   onMessage,
		onFailed:     onFailed,
		pendingPings: make(map[uint64]pendingPing),
	}, nil
}

// Role reports this peer's admission/disconnect role.
func (p *Peer) Role() Role { return p.role }

// PublicKey reports the peer's long-term identity key.
func (p *Peer) PublicKey() [32]byte { return p.publicKey }

// Address reports the transport address this peer is reached at.
func (p *Peer) Address() string { return p.addr }

// BeginHandshake starts an outbound handshake attempt as the initiator,
// returning M1 to send. Fails if a handshake is already in progress.
func (p *Peer) BeginHandshake(identity *handshake.Identity) (*handshake.M1, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return nil, ErrAlreadyDisconnected
	}
	p.connecting = handshake.NewInitiatorSession(identity, p.tp)
	return p.connecting.BuildM1()
}

// HandshakeExpired reports whether an in-progress outbound handshake has
// exceeded limits.HandshakeTimeout; the caller should Fail the peer
// when this returns true.
func (p *Peer) HandshakeExpired() bool {
	p.mu.Lock()
	s := p.connecting
	p.mu.Unlock()
	return s != nil && s.Expired()
}

// NeedsM3Retransmit reports whether the in-progress outbound handshake is
// still waiting on M4 and due for its one M3 retransmit.
func (p *Peer) NeedsM3Retransmit() bool {
	p.mu.Lock()
	s := p.connecting
	p.mu.Unlock()
	return s != nil && s.NeedsM3Retransmit()
}

// MarkM3Retransmitted records on the in-progress handshake that the caller
// has resent the cached M3 bytes, so no further retransmit is due.
func (p *Peer) MarkM3Retransmitted() {
	p.mu.Lock()
	s := p.connecting
	p.mu.Unlock()
	if s != nil {
		s.MarkM3Retransmitted()
	}
}

// HandleM2 continues an in-progress outbound handshake, returning M3.
func (p *Peer) HandleM2(m2 *handshake.M2, initiatorIP []byte, peerRef []byte) (*handshake.M3, error) {
	p.mu.Lock()
	s := p.connecting
	p.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnecting
	}
	return s.HandleM2(m2, p.publicKey, initiatorIP, peerRef)
}

// CompleteHandshake finishes an in-progress outbound handshake on M4,
// installing the resulting tracker as current (the initiator knows
// the exchange is complete immediately).
func (p *Peer) CompleteHandshake(m4 *handshake.M4) error {
	p.mu.Lock()
	s := p.connecting
	p.mu.Unlock()
	if s == nil {
		return ErrNotConnecting
	}
	res, err := s.HandleM4(m4, p.publicKey)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connecting = nil
	p.mu.Unlock()
	return p.installResult(res, true)
}

// InstallResponderResult wires up a tracker from the responder side of a
// handshake (installed initially in the unverified slot).
func (p *Peer) InstallResponderResult(res *handshake.Result) error {
	return p.installResult(res, false)
}

func (p *Peer) installResult(res *handshake.Result, initiator bool) error {
	p.mu.Lock()
	flapped := p.bootIDSet && p.bootID != res.BootID
	p.bootID = res.BootID
	p.bootIDSet = true
	existingChannel := p.ch
	p.mu.Unlock()

	if flapped && existingChannel != nil {
		logrus.WithFields(logrus.Fields{
			"package": "peer",
			"addr":    p.addr,
		}).Warn("peer boot id changed, dropping retained outbound messages")
		existingChannel.Disconnect()
		p.mu.Lock()
		p.ch = nil
		p.mu.Unlock()
	}

	keys := res.SessionKeys
	var tr *keytracker.Tracker
	var err error
	if initiator {
		tr, err = keytracker.New(keys.InitiatorToResponderKey, keys.ResponderToInitiatorKey, keys.IVCipherKey, keys.MacKey, keys.IVNonce, p.tp)
	} else {
		tr, err = keytracker.New(keys.ResponderToInitiatorKey, keys.InitiatorToResponderKey, keys.IVCipherKey, keys.MacKey, keys.IVNonce, p.tp)
	}
	if err != nil {
		return err
	}

	if initiator {
		if err := p.packetizer.AdoptCurrent(tr); err != nil {
			return err
		}
	} else {
		if err := p.packetizer.AdoptUnverified(tr); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.ch == nil {
		p.ch = channel.New(p.tp, tr, p.mtu, p.dispatchInbound)
	} else if initiator {
		p.ch.SetSeqTracker(tr)
	}
	p.mu.Unlock()
	return nil
}

// dispatchInbound strips the ping/pong/application kind tag a channel
// message carries and routes it accordingly. The channel invokes it with
// no locks held, so replying (pong, acks) may re-enter the channel freely.
func (p *Peer) dispatchInbound(msg []byte) {
	if len(msg) == 0 {
		return
	}
	kind, body := msg[0], msg[1:]

	switch kind {
	case kindPing:
		p.replyPong(body)
	case kindPong:
		p.resolvePong(body)
	case kindApplication:
		if p.appMessage != nil {
			p.appMessage(body)
		}
	}
}

func (p *Peer) replyPong(nonce []byte) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return
	}
	payload := append([]byte{kindPong}, nonce...)
	if _, err := ch.Send(channel.PriorityHigh, payload); err != nil {
		logrus.WithFields(logrus.Fields{"package": "peer"}).Debug("failed to reply to ping")
	}
}

func (p *Peer) resolvePong(nonce []byte) {
	if len(nonce) < 8 {
		return
	}
	key := binary.BigEndian.Uint64(nonce)
	now := p.tp.Now()

	p.mu.Lock()
	pend, ok := p.pendingPings[key]
	if ok {
		delete(p.pendingPings, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	pend.future.resolve(now.Sub(pend.sentAt), nil)
}

// Ping sends a keepalive probe and resolves once the peer's pong arrives
// or limits.PingTimeout elapses without one.
func (p *Peer) Ping() *PingFuture {
	future := newPingFuture()

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		future.resolve(0, err)
		return future
	}
	key := binary.BigEndian.Uint64(nonce[:])
	sentAt := p.tp.Now()

	p.mu.Lock()
	ch := p.ch
	if ch != nil {
		p.pendingPings[key] = pendingPing{future: future, sentAt: sentAt}
	}
	p.mu.Unlock()

	if ch == nil {
		future.resolve(0, ErrNotConnecting)
		return future
	}

	payload := append([]byte{kindPing}, nonce[:]...)
	if _, err := ch.Send(channel.PriorityHigh, payload); err != nil {
		p.mu.Lock()
		delete(p.pendingPings, key)
		p.mu.Unlock()
		future.resolve(0, err)
	}
	return future
}

// ExpirePings resolves any ping older than limits.PingTimeout with
// ErrPingTimeout. Called periodically by the scheduler alongside loss
// checking.
func (p *Peer) ExpirePings() {
	now := p.tp.Now()
	var expired []*PingFuture

	p.mu.Lock()
	for key, pend := range p.pendingPings {
		if now.Sub(pend.sentAt) > limits.PingTimeout {
			expired = append(expired, pend.future)
			delete(p.pendingPings, key)
		}
	}
	p.mu.Unlock()

	for _, f := range expired {
		f.resolve(0, ErrPingTimeout)
	}
}

// Send enqueues an application payload for reliable delivery.
func (p *Peer) Send(priority channel.Priority, payload []byte) (*channel.SendFuture, error) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnecting
	}
	framed := append([]byte{kindApplication}, payload...)
	return ch.Send(priority, framed)
}

// MaintainSession polls the session's rekey and window health on behalf of
// the sender task. needRekey is true when the current tracker has hit a
// rekey trigger and no handshake is already in flight — the caller should
// start one. fatal carries a reason when the connection must be torn down:
// a rekey trigger left unsatisfied past its grace period, or message-ID
// allocation blocked past its timeout.
func (p *Peer) MaintainSession() (needRekey bool, fatal string) {
	p.mu.Lock()
	ch := p.ch
	connecting := p.connecting
	p.mu.Unlock()

	if ch != nil && ch.BlockedTooLong() {
		return false, "message id allocation blocked too long"
	}
	cur := p.packetizer.Current()
	if cur == nil {
		return false, ""
	}
	if cur.OverGracePeriod() {
		return false, "rekey not completed within grace period"
	}
	if cur.ShouldRekey() != keytracker.RekeyNone && connecting == nil {
		return true, ""
	}
	return false, ""
}

// CheckLosses drives the reliable channel's RTT-based loss detection; the
// scheduler's sender task calls this on every coalesced tick.
func (p *Peer) CheckLosses() {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		ch.CheckLosses()
	}
}

// BuildOutboundPacket asks the channel for the next packet's plaintext
// content, encrypts it under the current tracker, records it for RTT/loss
// bookkeeping, and hands the resulting datagram to Transport.
func (p *Peer) BuildOutboundPacket() error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return nil
	}

	content, refs, ok := ch.BuildOutboundPacket(p.mtu)
	if !ok {
		return nil
	}

	seq, datagram, err := p.packetizer.EncryptOutbound(content)
	if err != nil {
		return err
	}
	ch.RecordSent(seq, refs, len(datagram), p.tp.Now())
	return p.transport.Send(datagram, p.addr)
}

// NotifyDatagram decrypts an inbound session datagram and feeds it to the
// reliable channel. A successful decrypt may have promoted the unverified
// tracker (the responder side's first inbound packet), so the channel's
// SeqTracker is re-homed onto whatever is current before delivery.
func (p *Peer) NotifyDatagram(datagram []byte) error {
	seq, content, err := p.packetizer.DecryptInbound(datagram)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return ErrNotConnecting
	}
	if cur := p.packetizer.Current(); cur != nil {
		ch.SetSeqTracker(cur)
	}
	return ch.NotifyReceived(seq, content)
}

// Disconnect tears the peer's reliable channel down and marks it
// unusable; Fail additionally reports reason upstream via onFailed as
// a single failure event.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}

// Fail disconnects and reports reason to the caller-supplied onFailed hook
// exactly once.
func (p *Peer) Fail(reason string) {
	p.mu.Lock()
	already := p.disconnected
	p.disconnected = true
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
	if !already && p.onFailed != nil {
		p.onFailed(reason)
	}
}

// Disconnected reports whether Disconnect or Fail has already run.
func (p *Peer) Disconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}
