package overlay

import (
	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/handshake"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/peer"
	"github.com/fn2mesh/overlaycore/transport"
)

// Options configures a Node: a flat struct of defaultable fields.
type Options struct {
	// ListenAddr is the UDP address to bind, e.g. ":0" for an ephemeral
	// port. Ignored if Transport is set.
	ListenAddr string

	// Identity is this node's long-term signing key. Required.
	Identity *handshake.Identity

	// Directory resolves inbound datagram source addresses to known peer
	// identities. Required — see PeerDirectory's doc comment for why.
	Directory PeerDirectory

	// OnMessage delivers a reassembled application payload from an
	// established peer.
	OnMessage func(p *peer.Peer, payload []byte)

	// Transport overrides the default UDPTransport, e.g. for tests.
	Transport transport.Transport

	// Executor overrides the default bounded worker pool used to offload
	// DH generation and signing.
	Executor Executor

	// ExecutorWorkers sizes the default Executor when Executor is nil.
	ExecutorWorkers int

	// TimeProvider overrides wall-clock time for deterministic tests.
	TimeProvider Clock

	// MTU bounds outbound datagram size; defaults to limits.DefaultMTU.
	MTU int

	// OnWatchdogStalled is invoked if the sender heartbeat goes
	// unadvanced past limits.WatchdogStallThreshold. The embedding
	// process decides whether to restart. May be nil.
	OnWatchdogStalled func()
}

func (o *Options) setDefaults() {
	if o.MTU <= 0 {
		o.MTU = limits.DefaultMTU
	}
	if o.TimeProvider == nil {
		o.TimeProvider = crypto.DefaultTimeProvider{}
	}
	if o.ExecutorWorkers <= 0 {
		o.ExecutorWorkers = 4
	}
}
