package peer

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/fn2mesh/overlaycore/channel"
	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/handshake"
	"github.com/stretchr/testify/require"
)

// fakeTime is a manually advanced crypto.TimeProvider shared by both peers
// in a test so RTT/timeout math stays deterministic.
type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTime() *fakeTime { return &fakeTime{now: time.Unix(0, 0)} }

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// loopbackTransport hands whatever is sent straight to a peer under test,
// synchronously, standing in for a real UDP socket.
type loopbackTransport struct {
	peer *Peer
}

func (t *loopbackTransport) Send(payload []byte, addr string) error {
	return t.peer.NotifyDatagram(payload)
}

func randKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

// pairedResults builds matching handshake.Results for both sides of a
// connection, as if a real JFK exchange had just completed.
func pairedResults(t *testing.T) (a, b *handshake.Result) {
	t.Helper()
	i2r := randKey(t)
	r2i := randKey(t)
	ivKey := randKey(t)
	macKey := randKey(t)
	var ivNonce [12]byte
	_, err := rand.Read(ivNonce[:])
	require.NoError(t, err)

	keys := handshake.SessionKeys{
		InitiatorToResponderKey: i2r,
		ResponderToInitiatorKey: r2i,
		IVCipherKey:             ivKey,
		MacKey:                  macKey,
		IVNonce:                 ivNonce,
	}
	a = &handshake.Result{SessionKeys: keys, BootID: 42}
	b = &handshake.Result{SessionKeys: keys, BootID: 99}
	return a, b
}

func TestRoleAdmissionPredicates(t *testing.T) {
	require.False(t, RoleDarknet.AllowsUnsolicitedHandshake())
	require.True(t, RoleOpennet.AllowsUnsolicitedHandshake())
	require.True(t, RoleSeedNode.AllowsUnsolicitedHandshake())

	require.False(t, RoleDarknet.EvictableUnderPressure())
	require.True(t, RoleOpennet.EvictableUnderPressure())
	require.False(t, RoleSeedNode.EvictableUnderPressure())
}

func TestSendAndPingRoundTrip(t *testing.T) {
	ft := newFakeTime()

	var delivered [][]byte
	var failedA, failedB []string

	peerA, err := New(RoleOpennet, [32]byte{1}, "b", nil, ft, 1280, nil, func(r string) { failedA = append(failedA, r) })
	require.NoError(t, err)
	peerB, err := New(RoleOpennet, [32]byte{2}, "a", nil, ft, 1280, func(m []byte) { delivered = append(delivered, append([]byte(nil), m...)) }, func(r string) { failedB = append(failedB, r) })
	require.NoError(t, err)

	peerA.transport = &loopbackTransport{peer: peerB}
	peerB.transport = &loopbackTransport{peer: peerA}

	resA, resB := pairedResults(t)
	require.NoError(t, peerA.installResult(resA, true))
	require.NoError(t, peerB.installResult(resB, false))

	future, err := peerA.Send(channel.PriorityHigh, []byte("hello peer"))
	require.NoError(t, err)

	require.NoError(t, peerA.BuildOutboundPacket())
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("hello peer"), delivered[0])

	// Drain the ack back to A.
	require.NoError(t, peerB.BuildOutboundPacket())
	require.NoError(t, future.Wait())

	// Ping: A probes, B's reply must round-trip back to A.
	pingFuture := peerA.Ping()
	require.NoError(t, peerA.BuildOutboundPacket()) // carries the ping to B
	require.NoError(t, peerB.BuildOutboundPacket()) // carries the pong back

	rtt, err := pingFuture.Wait()
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))

	require.Empty(t, failedA)
	require.Empty(t, failedB)
}

func TestPingExpiresWithoutPong(t *testing.T) {
	ft := newFakeTime()
	peerA, err := New(RoleOpennet, [32]byte{1}, "b", nil, ft, 1280, nil, nil)
	require.NoError(t, err)
	peerA.transport = &loopbackTransport{peer: peerA} // never produces a pong

	resA, _ := pairedResults(t)
	require.NoError(t, peerA.installResult(resA, true))

	future := peerA.Ping()
	ft.Advance(2 * time.Hour)
	peerA.ExpirePings()

	_, err = future.Wait()
	require.ErrorIs(t, err, ErrPingTimeout)
}

func TestSendBeforeHandshakeFails(t *testing.T) {
	peerA, err := New(RoleOpennet, [32]byte{1}, "b", nil, crypto.DefaultTimeProvider{}, 1280, nil, nil)
	require.NoError(t, err)
	_, err = peerA.Send(channel.PriorityHigh, []byte("x"))
	require.ErrorIs(t, err, ErrNotConnecting)
}
