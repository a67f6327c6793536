package session

import (
	"sync"

	"github.com/fn2mesh/overlaycore/keytracker"
	"github.com/fn2mesh/overlaycore/wire"
)

// Packetizer holds one peer's tracker trio and does the encrypt/
// decrypt and trial-match work that sits between a completed handshake and
// the reliable channel above it. A Packetizer has no notion of priorities,
// fragments, or acks — it only turns content bytes into authenticated
// datagrams and back.
type Packetizer struct {
	mu sync.Mutex

	mtu int

	current    *keytracker.Tracker
	previous   *keytracker.Tracker
	unverified *keytracker.Tracker
}

// NewPacketizer constructs a Packetizer with no trackers installed yet.
func NewPacketizer(mtu int) *Packetizer {
	return &Packetizer{mtu: mtu}
}

// AdoptCurrent installs tr as the current tracker directly, demoting the old
// current to previous (deprecating whatever was previous before that). Used
// by the initiator side of a handshake, which already trusts the tracker it
// just derived (the initiator has authenticated the responder by the
// time M4 is processed).
func (p *Packetizer) AdoptCurrent(tr *keytracker.Tracker) error {
	if err := tr.EnsureWatchlist(0); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotateInLocked(tr, keytracker.StateCurrent)
	return nil
}

// AdoptUnverified installs tr into the unverified slot, where it stays until
// an inbound datagram is successfully decrypted under it. Used by the
// responder side of a handshake, which cannot yet be sure the
// initiator holds the corresponding keys.
func (p *Packetizer) AdoptUnverified(tr *keytracker.Tracker) error {
	if err := tr.EnsureWatchlist(0); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tr.SetState(keytracker.StateUnverified)
	if p.unverified != nil {
		p.unverified.Deprecate()
	}
	p.unverified = tr
	return nil
}

// rotateInLocked makes tr the new current tracker, state-shifting the old
// current to previous and deprecating whatever was previous.
func (p *Packetizer) rotateInLocked(tr *keytracker.Tracker, state keytracker.State) {
	tr.SetState(state)
	if p.previous != nil {
		p.previous.Deprecate()
	}
	p.previous = p.current
	if p.previous != nil {
		p.previous.SetState(keytracker.StatePrevious)
	}
	p.current = tr
	if p.unverified == tr {
		p.unverified = nil
	}
}

// Current returns the tracker presently used for outbound encryption, or
// nil if the handshake has not completed yet.
func (p *Packetizer) Current() *keytracker.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// EncryptOutbound pads content, encrypts it under the current
// tracker, and returns the sequence number assigned and the framed session
// datagram ready to hand to a transport.
func (p *Packetizer) EncryptOutbound(content []byte) (seq uint32, datagram []byte, err error) {
	p.mu.Lock()
	tr := p.current
	mtu := p.mtu
	p.mu.Unlock()

	if tr == nil {
		return 0, nil, ErrNoActiveTracker
	}

	padded, err := padContent(content, mtu)
	if err != nil {
		return 0, nil, err
	}

	seq, macPrefix, ciphertext, err := tr.EncryptOutgoing(padded)
	if err != nil {
		return 0, nil, err
	}
	return seq, wire.EncodeSessionDatagram(macPrefix, ciphertext), nil
}

// DecryptInbound tries current, then previous, then unverified to find a
// tracker whose watchlist recognizes the datagram's sequence tag, verifies
// and decrypts under that tracker, and — if the match came from unverified
// — promotes it to current.
func (p *Packetizer) DecryptInbound(datagram []byte) (seq uint32, content []byte, err error) {
	macPrefix, ciphertext, err := wire.DecodeSessionDatagram(datagram)
	if err != nil {
		return 0, nil, err
	}
	// The watchlist tag is the first four bytes of the
	// datagram *after* the HMAC field, i.e. the leading ciphertext bytes —
	// not the HMAC prefix itself.
	var tag [4]byte
	copy(tag[:], ciphertext)

	p.mu.Lock()
	candidates := [...]*keytracker.Tracker{p.current, p.previous, p.unverified}
	p.mu.Unlock()

	for i, tr := range candidates {
		if tr == nil {
			continue
		}
		candidateSeq, ok := tr.MatchWatchlist(tag)
		if !ok {
			continue
		}
		padded, decErr := tr.VerifyAndDecrypt(candidateSeq, macPrefix, ciphertext)
		if decErr != nil {
			continue
		}
		if err := tr.RecordIncoming(candidateSeq); err != nil {
			return 0, nil, err
		}
		if i == 2 {
			p.mu.Lock()
			p.rotateInLocked(tr, keytracker.StateCurrent)
			p.mu.Unlock()
		}
		content, err = unpadContent(padded)
		if err != nil {
			return 0, nil, err
		}
		return candidateSeq, content, nil
	}
	return 0, nil, ErrNoWatchlistMatch
}
