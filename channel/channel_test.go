package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/fn2mesh/overlaycore/keytracker"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/wire"
	"github.com/stretchr/testify/require"
)

// fakeTime is a manually advanced crypto.TimeProvider for deterministic
// RTT/timeout tests.
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

func (f *fakeTime) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fakeTracker is a minimal SeqTracker for testing without a real
// keytracker.Tracker (whose encryption machinery is irrelevant here).
type fakeTracker struct {
	mu  sync.Mutex
	inf map[uint32]*keytracker.SentPacket
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{inf: make(map[uint32]*keytracker.SentPacket)}
}

func (t *fakeTracker) TrackSent(seq uint32, numBytes int, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inf[seq] = &keytracker.SentPacket{Seq: seq, SentAt: sentAt, NumByte: numBytes}
}

func (t *fakeTracker) TakeSent(seq uint32) (*keytracker.SentPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.inf[seq]
	if ok {
		delete(t.inf, seq)
	}
	return sp, ok
}

func (t *fakeTracker) InFlight() []*keytracker.SentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*keytracker.SentPacket, 0, len(t.inf))
	for _, sp := range t.inf {
		out = append(out, sp)
	}
	return out
}

func TestSmallMessageRoundTrip(t *testing.T) {
	ft := newFakeTime()
	senderTracker := newFakeTracker()

	var delivered [][]byte
	receiver := New(ft, newFakeTracker(), 1280, func(msg []byte) {
		delivered = append(delivered, append([]byte(nil), msg...))
	})
	sender := New(ft, senderTracker, 1280, nil)

	future, err := sender.Send(PriorityHigh, []byte("hello world"))
	require.NoError(t, err)

	payload, refs, ok := sender.BuildOutboundPacket(1280)
	require.True(t, ok)
	require.NotEmpty(t, refs)

	const seq = uint32(1)
	sender.RecordSent(seq, refs, len(payload), ft.Now())

	require.NoError(t, receiver.NotifyReceived(seq, payload))
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("hello world"), delivered[0])

	// Receiver must ack seq back to the sender.
	ackPayload, _, ok := receiver.BuildOutboundPacket(1280)
	require.True(t, ok)
	require.NoError(t, sender.NotifyReceived(99, ackPayload))

	require.NoError(t, future.Wait())
}

func TestFragmentationAcrossMultiplePackets(t *testing.T) {
	ft := newFakeTime()
	var delivered []byte
	receiver := New(ft, newFakeTracker(), 200, func(msg []byte) { delivered = msg })
	sender := New(ft, newFakeTracker(), 200, nil)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}
	future, err := sender.Send(PriorityHigh, payload)
	require.NoError(t, err)

	var seq uint32
	for {
		pkt, refs, ok := sender.BuildOutboundPacket(200)
		if !ok {
			break
		}
		seq++
		sender.RecordSent(seq, refs, len(pkt), ft.Now())
		require.NoError(t, receiver.NotifyReceived(seq, pkt))
		if delivered != nil {
			break
		}
	}

	require.Equal(t, payload, delivered)

	// Drain acks back to the sender so the future resolves.
	for i := 0; i < 20; i++ {
		ackPkt, _, ok := receiver.BuildOutboundPacket(200)
		if !ok {
			break
		}
		require.NoError(t, sender.NotifyReceived(1000+uint32(i), ackPkt))
	}
	require.NoError(t, future.Wait())
}

func TestLossTimeoutRequeuesFragment(t *testing.T) {
	ft := newFakeTime()
	tracker := newFakeTracker()
	sender := New(ft, tracker, 1280, nil)

	_, err := sender.Send(PriorityHigh, []byte("retry me"))
	require.NoError(t, err)

	payload, refs, ok := sender.BuildOutboundPacket(1280)
	require.True(t, ok)
	sender.RecordSent(1, refs, len(payload), ft.Now())

	// Nothing more to send until loss is detected.
	_, _, ok = sender.BuildOutboundPacket(1280)
	require.False(t, ok)

	ft.Advance(2 * time.Second)
	sender.CheckLosses()

	payload2, refs2, ok := sender.BuildOutboundPacket(1280)
	require.True(t, ok)
	require.NotEmpty(t, refs2)
	require.Equal(t, payload, payload2)
}

func TestDisconnectResolvesFuturesWithError(t *testing.T) {
	ft := newFakeTime()
	sender := New(ft, newFakeTracker(), 1280, nil)

	future, err := sender.Send(PriorityLow, []byte("never sent"))
	require.NoError(t, err)

	sender.Disconnect()
	require.ErrorIs(t, future.Wait(), ErrDisconnected)
	require.Zero(t, sender.UsedRemoteBuffer())
}

func TestEarlyFragmentBufferedBeforeFirst(t *testing.T) {
	ft := newFakeTime()
	var delivered []byte
	receiver := New(ft, newFakeTracker(), 1280, func(msg []byte) { delivered = msg })

	full := []byte("0123456789")

	// The tail fragment arrives first; total length is still unknown.
	tail := wire.EncodeFragmentHeader(wire.EncodeAckList(nil, nil),
		wire.FragmentHeader{MessageID: 0, IsFirst: false, Offset: 5, Length: 5})
	tail = append(tail, full[5:]...)
	require.NoError(t, receiver.NotifyReceived(1, tail))
	require.Nil(t, delivered)

	head := wire.EncodeFragmentHeader(wire.EncodeAckList(nil, nil),
		wire.FragmentHeader{MessageID: 0, IsFirst: true, Offset: 0, Length: 5, MessageLength: 10})
	head = append(head, full[:5]...)
	require.NoError(t, receiver.NotifyReceived(2, head))

	require.Equal(t, full, delivered)
	require.Zero(t, receiver.UsedLocalBuffer())

	receiver.mu.Lock()
	acks := append([]uint32(nil), receiver.pendingAcks...)
	receiver.mu.Unlock()
	require.Equal(t, []uint32{1, 2}, acks)
}

func TestBufferCapWithholdsAck(t *testing.T) {
	ft := newFakeTime()
	receiver := New(ft, newFakeTracker(), 1280, nil)

	// A first fragment declaring a message bigger than the whole local
	// buffer cap must be refused without acking the packet that carried it.
	pkt := wire.EncodeFragmentHeader(wire.EncodeAckList(nil, nil),
		wire.FragmentHeader{MessageID: 0, IsFirst: true, Offset: 0, Length: 4,
			MessageLength: limits.LocalBufferCap + 1})
	pkt = append(pkt, []byte("data")...)
	require.NoError(t, receiver.NotifyReceived(1, pkt))

	require.Zero(t, receiver.UsedLocalBuffer())
	receiver.mu.Lock()
	acks := len(receiver.pendingAcks)
	receiver.mu.Unlock()
	require.Zero(t, acks)
}

func TestInvalidPriorityRejected(t *testing.T) {
	sender := New(nil, newFakeTracker(), 1280, nil)
	_, err := sender.Send(Priority(99), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidPriority)
}
