// Package overlay wires the crypto, handshake, session, channel, and peer
// packages into one running node, exposing exactly the external interfaces
// the core consumes as collaborators and the Peer operations it exposes.
package overlay

import (
	"net"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/peer"
)

// PeerDirectory resolves addresses and public keys to connection-lifecycle
// hooks. It is the one external collaborator this package cannot do
// without: a responder must already know which long-term identity a
// handshake datagram's source address belongs to before it can even
// compute the outer envelope's setup keys (DeriveSetupKeys needs the
// peer's identity hashes), since JFK's inner messages intentionally hide
// the initiator's identity until M3's signature is checked. This holds for
// every Role: darknet peers are manually curated in the directory ahead of
// time, and opennet/seed peers are populated by the announcement layer
// this package treats as opaque — but either way, by the time a datagram
// reaches this package the directory must already have an entry for its
// source address, or the datagram is dropped as unsolicited.
type PeerDirectory interface {
	LookupByAddress(addr net.Addr) (pubKey [32]byte, role peer.Role, ref []byte, ok bool)
	OnConnected(p *peer.Peer)
	OnDisconnected(p *peer.Peer, reason string)
}

// RandomSource is the cryptographic randomness collaborator; this
// package's crypto/handshake/wire layers already draw directly from
// crypto/rand internally, so RandomSource exists at this layer only to let
// an embedder audit or substitute the source used for identity generation.
type RandomSource interface {
	Read(p []byte) (n int, err error)
}

// WeakRandomSource is the non-cryptographic randomness collaborator used
// only to blur datagram sizes via padding; math/rand already fills
// this role inside wire.WrapEnvelope and session padding, so this
// interface exists for embedders that want to observe or seed it, not
// because this package calls through it on the hot path.
type WeakRandomSource interface {
	IntN(n int) int
}

// Clock supplies monotonic time to the core. crypto.TimeProvider
// already has exactly this shape (Now/Since), so Clock is a plain alias
// rather than a second interface the rest of the module would have to
// convert between.
type Clock = crypto.TimeProvider

// Executor offloads CPU-heavy
// crypto work (DH context generation, signing) off the scheduler's sender
// goroutine. scheduler.Executor already implements this shape; this
// interface keeps overlay's public API from naming the scheduler package
// directly.
type Executor interface {
	Spawn(fn func())
}
