package overlay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fn2mesh/overlaycore/channel"
	"github.com/fn2mesh/overlaycore/handshake"
	"github.com/fn2mesh/overlaycore/peer"
	"github.com/stretchr/testify/require"
)

// memDirectory is an in-memory PeerDirectory keyed by string address, good
// enough to stand in for an external announcement/peer-management
// collaborator in tests.
type memDirectory struct {
	mu     sync.Mutex
	byAddr map[string]entry

	connected    chan *peer.Peer
	disconnected chan string
}

type entry struct {
	pub  [32]byte
	role peer.Role
	ref  []byte
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		byAddr:       make(map[string]entry),
		connected:    make(chan *peer.Peer, 4),
		disconnected: make(chan string, 4),
	}
}

func (d *memDirectory) add(addr net.Addr, pub [32]byte, role peer.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAddr[addr.String()] = entry{pub: pub, role: role}
}

func (d *memDirectory) LookupByAddress(addr net.Addr) ([32]byte, peer.Role, []byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byAddr[addr.String()]
	return e.pub, e.role, e.ref, ok
}

func (d *memDirectory) OnConnected(p *peer.Peer) {
	d.connected <- p
}

func (d *memDirectory) OnDisconnected(p *peer.Peer, reason string) {
	d.disconnected <- reason
}

func newTestNodeIdentity(b byte) *handshake.Identity {
	var seed [32]byte
	for i := range seed {
		seed[i] = b
	}
	return handshake.NewIdentity(seed)
}

func TestNodeEndToEndHandshakeAndMessage(t *testing.T) {
	idA := newTestNodeIdentity(0x11)
	idB := newTestNodeIdentity(0x22)

	dirA := newMemDirectory()
	dirB := newMemDirectory()

	received := make(chan []byte, 4)

	nodeA, err := New(Options{
		ListenAddr: "127.0.0.1:0",
		Identity:   idA,
		Directory:  dirA,
	})
	require.NoError(t, err)
	require.NoError(t, nodeA.Start(nil))
	defer nodeA.Stop()

	nodeB, err := New(Options{
		ListenAddr: "127.0.0.1:0",
		Identity:   idB,
		Directory:  dirB,
		OnMessage: func(p *peer.Peer, payload []byte) {
			received <- payload
		},
	})
	require.NoError(t, err)
	require.NoError(t, nodeB.Start(nil))
	defer nodeB.Stop()

	addrA := nodeA.LocalAddr()
	addrB := nodeB.LocalAddr()

	dirA.add(addrB, idB.Public, peer.RoleDarknet)
	dirB.add(addrA, idA.Public, peer.RoleDarknet)

	p, err := nodeA.Connect(addrB, idB.Public, peer.RoleDarknet)
	require.NoError(t, err)

	select {
	case connectedOnB := <-dirB.connected:
		require.Equal(t, idA.Public, connectedOnB.PublicKey())
	case <-time.After(3 * time.Second):
		t.Fatal("node B never reported a connected peer")
	}

	require.Eventually(t, func() bool {
		return !p.Disconnected()
	}, 3*time.Second, 20*time.Millisecond)

	_, err = p.Send(channel.PriorityHigh, []byte("hello from A"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, []byte("hello from A"), msg)
	case <-time.After(3 * time.Second):
		t.Fatal("node B never received the application message")
	}
}

func TestNodeRejectsUnsolicitedDarknetHandshake(t *testing.T) {
	idA := newTestNodeIdentity(0x33)
	idB := newTestNodeIdentity(0x44)

	dirA := newMemDirectory()
	dirB := newMemDirectory()

	nodeA, err := New(Options{ListenAddr: "127.0.0.1:0", Identity: idA, Directory: dirA})
	require.NoError(t, err)
	require.NoError(t, nodeA.Start(nil))
	defer nodeA.Stop()

	nodeB, err := New(Options{ListenAddr: "127.0.0.1:0", Identity: idB, Directory: dirB})
	require.NoError(t, err)
	require.NoError(t, nodeB.Start(nil))
	defer nodeB.Stop()

	addrB := nodeB.LocalAddr()

	// B's directory has no entry at all for A's address: per this
	// implementation's handshake envelope design, a responder must
	// already be able to resolve a sender's identity before it can even
	// compute the outer envelope's setup keys, so M1 is dropped before
	// handshake.Responder ever sees it — regardless of role.
	_, err = nodeA.Connect(addrB, idB.Public, peer.RoleDarknet)
	require.NoError(t, err)

	select {
	case <-dirB.connected:
		t.Fatal("node B must not connect to an address it never resolved via its directory")
	case <-time.After(500 * time.Millisecond):
	}
}
