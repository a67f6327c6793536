package overlay

import (
	"fmt"
	"net"
	"sync"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/handshake"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/peer"
	"github.com/fn2mesh/overlaycore/scheduler"
	"github.com/fn2mesh/overlaycore/transport"
	"github.com/fn2mesh/overlaycore/wire"
	"github.com/sirupsen/logrus"
)

// conn bundles one peer's connection-lifecycle state: the Peer facade
// itself, its resolved transport address, the per-direction outer-envelope
// setup keys, and whatever M3 bytes are outstanding for the one
// retransmit the handshake permits.
type conn struct {
	p         *peer.Peer
	addr      net.Addr
	sendKey   [32]byte
	recvKey   [32]byte
	pendingM3 []byte
}

// Node is the top-level facade wiring a local identity, a datagram
// transport, and the unified scheduler into a running overlay endpoint:
// one constructor, one Start, one Stop, plus the handful of peer-facing
// operations the core exposes.
type Node struct {
	mu sync.Mutex

	identity  *handshake.Identity
	directory PeerDirectory
	tp        Clock
	mtu       int
	onMessage func(p *peer.Peer, payload []byte)

	transport     transport.Transport
	ownsTransport bool
	listenAddr    string

	sched    *scheduler.Scheduler
	executor Executor
	watchdog *scheduler.Watchdog

	responder *handshake.Responder
	onStalled func()

	byAddr map[string]*conn
	byKey  map[[32]byte]*conn
}

// New constructs a Node from opts. It does not bind a transport or start
// the scheduler until Start is called.
func New(opts Options) (*Node, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("overlay: Options.Identity is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("overlay: Options.Directory is required")
	}
	opts.setDefaults()

	responder, err := handshake.NewResponder(opts.Identity, opts.TimeProvider)
	if err != nil {
		return nil, fmt.Errorf("overlay: constructing responder: %w", err)
	}

	var exec Executor
	if opts.Executor != nil {
		exec = opts.Executor
	} else {
		exec = scheduler.NewExecutor(opts.ExecutorWorkers)
	}

	return &Node{
		identity:   opts.Identity,
		directory:  opts.Directory,
		tp:         opts.TimeProvider,
		mtu:        opts.MTU,
		onMessage:  opts.OnMessage,
		transport:  opts.Transport,
		listenAddr: opts.ListenAddr,
		executor:   exec,
		responder:  responder,
		onStalled:  opts.OnWatchdogStalled,
		byAddr:     make(map[string]*conn),
		byKey:      make(map[[32]byte]*conn),
		sched:      scheduler.New(opts.TimeProvider),
	}, nil
}

// Start binds the transport (if one was not supplied via Options), wires
// its packet handlers, and starts the scheduler and watchdog. onStalled
// overrides Options.OnWatchdogStalled when non-nil.
func (n *Node) Start(onStalled func()) error {
	if onStalled == nil {
		onStalled = n.onStalled
	}
	if n.transport == nil {
		tr, err := transport.NewUDPTransport(n.listenAddr)
		if err != nil {
			return fmt.Errorf("overlay: binding transport: %w", err)
		}
		n.transport = tr
		n.ownsTransport = true
	}

	n.transport.RegisterHandler(transport.PacketHandshake, n.handleHandshakePacket)
	n.transport.RegisterHandler(transport.PacketSession, n.handleSessionPacket)

	n.sched.AddPeriodic(n.tick)
	go n.sched.Run()

	n.watchdog = scheduler.NewWatchdog(n.sched, n.tp, onStalled)
	go n.watchdog.Run()

	return nil
}

// Stop tears the node down: the watchdog, scheduler, and (if this Node
// bound it itself) the transport.
func (n *Node) Stop() {
	if n.watchdog != nil {
		n.watchdog.Stop()
	}
	n.sched.Stop()
	if n.ownsTransport {
		_ = n.transport.Close()
	}
}

// LocalAddr returns the bound transport's local address.
func (n *Node) LocalAddr() net.Addr {
	return n.transport.LocalAddr()
}

func localHashes(id *handshake.Identity) (hash, hashHash [32]byte) {
	return id.Hash, id.HashHash
}

func peerHashes(pub [32]byte) (hash, hashHash [32]byte) {
	h := crypto.SHA256(pub[:])
	copy(hash[:], h)
	hh := crypto.SHA256(hash[:])
	copy(hashHash[:], hh)
	return hash, hashHash
}

func (n *Node) setupKeysFor(peerPub [32]byte) (sendKey, recvKey [32]byte) {
	localHash, localHashHash := localHashes(n.identity)
	peerHash, peerHashHash := peerHashes(peerPub)
	return wire.DeriveSetupKeys(localHash, localHashHash, peerHash, peerHashHash)
}

// Connect starts an outbound handshake to a peer already known at addr
// with public key peerPub, admitted under role. It returns the Peer facade
// immediately; the handshake completes asynchronously as M2/M4 arrive.
func (n *Node) Connect(addr net.Addr, peerPub [32]byte, role peer.Role) (*peer.Peer, error) {
	n.mu.Lock()
	if existing, ok := n.byKey[peerPub]; ok {
		n.mu.Unlock()
		return existing.p, nil
	}
	n.mu.Unlock()

	sendKey, recvKey := n.setupKeysFor(peerPub)

	p, err := n.newPeer(role, peerPub, addr)
	if err != nil {
		return nil, err
	}

	c := &conn{p: p, addr: addr, sendKey: sendKey, recvKey: recvKey}
	n.mu.Lock()
	n.byAddr[addr.String()] = c
	n.byKey[peerPub] = c
	n.mu.Unlock()

	m1, err := p.BeginHandshake(n.identity)
	if err != nil {
		return nil, err
	}
	if err := n.sendFramed(c, handshake.PacketM1, m1.Marshal()); err != nil {
		return nil, err
	}
	return p, nil
}

// newPeer constructs a Peer whose message callback forwards to the
// node-level OnMessage along with the originating *peer.Peer.
// peer.Peer's own constructor only accepts a plain func([]byte); the
// closure below captures p by reference so it can refer to the Peer that
// does not exist yet at the point New is called.
func (n *Node) newPeer(role peer.Role, pub [32]byte, addr net.Addr) (*peer.Peer, error) {
	var p *peer.Peer
	onMessage := func(payload []byte) {
		if n.onMessage != nil {
			n.onMessage(p, payload)
		}
	}
	onFailed := func(reason string) {
		n.mu.Lock()
		delete(n.byAddr, addr.String())
		delete(n.byKey, pub)
		n.mu.Unlock()
		n.directory.OnDisconnected(p, reason)
	}
	var err error
	p, err = peer.New(role, pub, addr.String(), n.transportAdapter(), n.tp, n.mtu, onMessage, onFailed)
	return p, err
}

func (n *Node) transportAdapter() peer.Transport {
	return &nodeTransport{n: n}
}

// nodeTransport satisfies peer.Transport (the narrow fire-and-forget
// collaborator peer.Peer depends on) over this node's bound datagram
// transport, resolving the string address peer.Peer carries back to the
// net.Addr the transport layer needs.
type nodeTransport struct {
	n *Node
}

func (t *nodeTransport) Send(payload []byte, addr string) error {
	t.n.mu.Lock()
	c, ok := t.n.byAddr[addr]
	t.n.mu.Unlock()
	if !ok {
		return fmt.Errorf("overlay: send to unknown peer address %s", addr)
	}
	return t.n.transport.Send(&transport.Packet{PacketType: transport.PacketSession, Data: payload}, c.addr)
}

// sendFramed frames body as packetType, wraps it in the outer envelope
// under c's send key, and hands it to the transport.
func (n *Node) sendFramed(c *conn, packetType handshake.PacketType, body []byte) error {
	framed := handshake.FrameMessage(packetType, body)
	wrapped, err := wire.WrapEnvelope(c.sendKey, framed)
	if err != nil {
		return err
	}
	return n.transport.Send(&transport.Packet{PacketType: transport.PacketHandshake, Data: wrapped}, c.addr)
}

// handleHandshakePacket resolves the sender's identity via the
// PeerDirectory, unwraps the outer envelope under the resulting setup
// keys, and dispatches on the inner packetType. Every failure path is a
// silent drop: handshake packets from unknown or malformed sources
// never surface an error to the caller.
func (n *Node) handleHandshakePacket(pkt *transport.Packet, addr net.Addr) error {
	log := logrus.WithFields(logrus.Fields{"package": "overlay", "addr": addr.String()})

	peerPub, role, ref, ok := n.directory.LookupByAddress(addr)
	if !ok {
		log.Debug("dropping handshake datagram from unknown address")
		return nil
	}

	sendKey, recvKey := n.setupKeysFor(peerPub)

	payload, err := wire.UnwrapEnvelope(recvKey, pkt.Data)
	if err != nil {
		log.WithError(err).Debug("dropping undecryptable handshake datagram")
		return nil
	}

	packetType, body, err := handshake.ParseFrame(payload)
	if err != nil {
		log.WithError(err).Debug("dropping unframeable handshake payload")
		return nil
	}

	// M1 and M3 are the two messages that cost a DH operation (and, for
	// M3, a signature verification plus a fresh signature); this work runs
	// on the bounded Executor rather than whatever
	// unbounded per-packet goroutine the transport already spawned, so a
	// handshake flood cannot fan out uncapped concurrent
	// exponentiations. M2/M4 are the initiator's own low-volume responses
	// and run inline.
	switch packetType {
	case handshake.PacketM1:
		n.executor.Spawn(func() {
			if err := n.onM1(addr, sendKey, recvKey, body); err != nil {
				log.WithError(err).Debug("onM1 failed")
			}
		})
		return nil
	case handshake.PacketM2:
		return n.onM2(addr, peerPub, body, ref)
	case handshake.PacketM3:
		n.executor.Spawn(func() {
			if err := n.onM3(addr, peerPub, role, sendKey, recvKey, body, ref); err != nil {
				log.WithError(err).Debug("onM3 failed")
			}
		})
		return nil
	case handshake.PacketM4:
		return n.onM4(addr, peerPub, body)
	default:
		log.Debug("dropping handshake payload with unknown packet type")
		return nil
	}
}

func (n *Node) onM1(addr net.Addr, sendKey, recvKey [32]byte, body []byte) error {
	m1, err := handshake.UnmarshalM1(body)
	if err != nil {
		return nil
	}
	m2, err := n.responder.HandleM1(m1, []byte(addr.String()))
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("rejecting M1")
		return nil
	}
	wrapped, err := wire.WrapEnvelope(sendKey, handshake.FrameMessage(handshake.PacketM2, m2.Marshal()))
	if err != nil {
		return err
	}
	return n.transport.Send(&transport.Packet{PacketType: transport.PacketHandshake, Data: wrapped}, addr)
}

func (n *Node) onM2(addr net.Addr, peerPub [32]byte, body []byte, peerRef []byte) error {
	n.mu.Lock()
	c, ok := n.byKey[peerPub]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	m2, err := handshake.UnmarshalM2(body)
	if err != nil {
		return nil
	}
	m3, err := c.p.HandleM2(m2, []byte(addr.String()), peerRef)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("rejecting M2")
		return nil
	}
	marshaled := m3.Marshal()
	n.mu.Lock()
	c.pendingM3 = marshaled
	n.mu.Unlock()
	return n.sendFramed(c, handshake.PacketM3, marshaled)
}

func (n *Node) onM3(addr net.Addr, initiatorPub [32]byte, role peer.Role, sendKey, recvKey [32]byte, body []byte, ownRef []byte) error {
	m3, err := handshake.UnmarshalM3(body)
	if err != nil {
		return nil
	}

	m4, result, err := n.responder.HandleM3(m3, []byte(addr.String()), initiatorPub, ownRef)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("rejecting M3")
		return nil
	}

	n.mu.Lock()
	c, ok := n.byKey[initiatorPub]
	n.mu.Unlock()
	if !ok {
		if !role.AllowsUnsolicitedHandshake() {
			logrus.WithFields(logrus.Fields{"package": "overlay"}).Debug("rejecting unsolicited handshake from darknet-role peer")
			return nil
		}
		if err := n.makeRoomFor(role); err != nil {
			logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("rejecting handshake: no connection slot")
			return nil
		}
		p, perr := n.newPeer(role, initiatorPub, addr)
		if perr != nil {
			return perr
		}
		c = &conn{p: p, addr: addr, sendKey: sendKey, recvKey: recvKey}
		n.mu.Lock()
		n.byAddr[addr.String()] = c
		n.byKey[initiatorPub] = c
		n.mu.Unlock()
	}

	if result != nil {
		if err := c.p.InstallResponderResult(result); err != nil {
			return err
		}
		n.directory.OnConnected(c.p)
	}

	wrapped, err := wire.WrapEnvelope(c.sendKey, handshake.FrameMessage(handshake.PacketM4, m4.Marshal()))
	if err != nil {
		return err
	}
	return n.transport.Send(&transport.Packet{PacketType: transport.PacketHandshake, Data: wrapped}, addr)
}

// makeRoomFor enforces the connection-slot cap before admitting an
// unsolicited peer: when full, the first evictable connected peer
// (opennet, never darknet or seed) is disconnected to free a slot. An
// error means no slot could be freed and the new peer must be refused.
func (n *Node) makeRoomFor(role peer.Role) error {
	n.mu.Lock()
	full := len(n.byKey) >= limits.MaxConnectedPeers
	var victim *peer.Peer
	if full {
		for _, other := range n.byKey {
			if other.p.Role().EvictableUnderPressure() {
				victim = other.p
				break
			}
		}
	}
	n.mu.Unlock()

	if !full {
		return nil
	}
	if victim == nil {
		return fmt.Errorf("overlay: %d peers connected and none evictable", limits.MaxConnectedPeers)
	}
	victim.Fail("evicted to admit new inbound peer")
	return nil
}

func (n *Node) onM4(addr net.Addr, peerPub [32]byte, body []byte) error {
	n.mu.Lock()
	c, ok := n.byKey[peerPub]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	m4, err := handshake.UnmarshalM4(body)
	if err != nil {
		return nil
	}
	if err := c.p.CompleteHandshake(m4); err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("rejecting M4")
		return nil
	}
	n.mu.Lock()
	c.pendingM3 = nil
	n.mu.Unlock()
	n.directory.OnConnected(c.p)
	return nil
}

func (n *Node) handleSessionPacket(pkt *transport.Packet, addr net.Addr) error {
	n.mu.Lock()
	c, ok := n.byAddr[addr.String()]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.p.NotifyDatagram(pkt.Data); err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay", "addr": addr.String()}).WithError(err).Debug("dropping undecryptable session datagram")
	}
	return nil
}

// tick drives every connected peer's sender-side work on each scheduler
// pulse: building and sending the next outbound datagram, checking
// for RTT-based losses, expiring stale pings, retransmitting an
// outstanding M3 once, and failing handshakes that have timed out
// outright. It also rotates the responder's transient key when due.
func (n *Node) tick() {
	n.mu.Lock()
	conns := make([]*conn, 0, len(n.byAddr))
	for _, c := range n.byAddr {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		if c.p.HandshakeExpired() {
			c.p.Fail("handshake timed out")
			continue
		}
		n.mu.Lock()
		pendingM3 := c.pendingM3
		n.mu.Unlock()
		if pendingM3 != nil && c.p.NeedsM3Retransmit() {
			if err := n.sendFramed(c, handshake.PacketM3, pendingM3); err == nil {
				c.p.MarkM3Retransmitted()
			}
		}
		needRekey, fatal := c.p.MaintainSession()
		if fatal != "" {
			c.p.Fail(fatal)
			continue
		}
		if needRekey {
			if m1, err := c.p.BeginHandshake(n.identity); err == nil {
				if err := n.sendFramed(c, handshake.PacketM1, m1.Marshal()); err != nil {
					logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("failed to send rekey M1")
				}
			}
		}
		c.p.ExpirePings()
		c.p.CheckLosses()
		if err := c.p.BuildOutboundPacket(); err != nil {
			logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Debug("failed to build outbound packet")
		}
	}

	if err := n.responder.MaybeRotateTransientKey(); err != nil {
		logrus.WithFields(logrus.Fields{"package": "overlay"}).WithError(err).Warn("transient key rotation failed")
	}
}
