package keytracker

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/serial"
	"github.com/stretchr/testify/require"
)

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

func randKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, crypto.KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

// pairedTrackers builds a sender and a receiver that share keys the way a
// single handshake's derived keys would: the sender's outbound cipher key
// is the receiver's inbound one.
func pairedTrackers(t *testing.T, tp crypto.TimeProvider) (sender, receiver *Tracker) {
	t.Helper()

	keyAB := randKey(t)
	keyBA := randKey(t)
	ivKey := randKey(t)
	macKey := randKey(t)
	var nonce [12]byte
	_, err := rand.Read(nonce[:])
	require.NoError(t, err)

	sender, err = New(keyAB, keyBA, ivKey, macKey, nonce, tp)
	require.NoError(t, err)
	receiver, err = New(keyBA, keyAB, ivKey, macKey, nonce, tp)
	require.NoError(t, err)
	return sender, receiver
}

func TestNextOutgoingSeq(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)

	for want := uint32(0); want < 10; want++ {
		seq, err := tr.NextOutgoingSeq()
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}
	require.True(t, tr.outSeqUsed)
	require.Equal(t, uint32(0), tr.firstOutSeqUsed)
}

func TestNextOutgoingSeqExhaustion(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)

	// Simulate a tracker that has wrapped all the way around: the next
	// allocation would reissue the first sequence number ever used.
	tr.mu.Lock()
	tr.outSeqUsed = true
	tr.firstOutSeqUsed = 7
	tr.nextOutSeq = 7
	tr.mu.Unlock()

	_, err := tr.NextOutgoingSeq()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := pairedTrackers(t, nil)
	require.NoError(t, receiver.EnsureWatchlist(0))

	for i := 0; i < 20; i++ {
		plaintext := make([]byte, 100)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		seq, tag, ct, err := sender.EncryptOutgoing(plaintext)
		require.NoError(t, err)
		require.Equal(t, uint32(i), seq)
		require.Len(t, tag, limits.TruncatedTagSize)

		var watchTag [limits.TruncatedTagSize]byte
		copy(watchTag[:], ct[:limits.TruncatedTagSize])
		gotSeq, ok := receiver.MatchWatchlist(watchTag)
		require.True(t, ok, "watchlist must recognize in-window seq %d", seq)
		require.Equal(t, seq, gotSeq)

		pt, err := receiver.VerifyAndDecrypt(gotSeq, tag, ct)
		require.NoError(t, err)
		require.Equal(t, plaintext, pt)
		require.NoError(t, receiver.RecordIncoming(gotSeq))
	}
}

func TestVerifyAndDecryptRejectsTamperedCiphertext(t *testing.T) {
	sender, receiver := pairedTrackers(t, nil)
	require.NoError(t, receiver.EnsureWatchlist(0))

	seq, tag, ct, err := sender.EncryptOutgoing([]byte("payload"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = receiver.VerifyAndDecrypt(seq, tag, ct)
	require.ErrorIs(t, err, ErrMacMismatch)

	ct[len(ct)-1] ^= 0x01
	badTag := append([]byte(nil), tag...)
	badTag[0] ^= 0x01
	_, err = receiver.VerifyAndDecrypt(seq, badTag, ct)
	require.ErrorIs(t, err, ErrMacMismatch)
}

func TestWatchlistWindowBounds(t *testing.T) {
	sender, receiver := pairedTrackers(t, nil)

	// Center the receiver's window far ahead of the sender's first seq.
	center := uint32(100000)
	require.NoError(t, receiver.EnsureWatchlist(center))

	_, _, ct, err := sender.EncryptOutgoing([]byte("too old"))
	require.NoError(t, err)

	var watchTag [limits.TruncatedTagSize]byte
	copy(watchTag[:], ct[:limits.TruncatedTagSize])
	_, ok := receiver.MatchWatchlist(watchTag)
	require.False(t, ok, "seq 0 is outside the window centered on %d", center)
}

func TestWatchlistShiftsForward(t *testing.T) {
	sender, receiver := pairedTrackers(t, nil)
	require.NoError(t, receiver.EnsureWatchlist(0))

	half := uint32(limits.WatchlistSize / 2)

	// Drain sender seqs up to just past the window's high edge, recording
	// each arrival so the window keeps sliding with highest_in_seq.
	var lastSeq uint32
	for i := uint32(0); i < half+100; i++ {
		seq, tag, ct, err := sender.EncryptOutgoing([]byte("x"))
		require.NoError(t, err)

		var watchTag [limits.TruncatedTagSize]byte
		copy(watchTag[:], ct[:limits.TruncatedTagSize])
		gotSeq, ok := receiver.MatchWatchlist(watchTag)
		require.True(t, ok, "seq %d must stay matchable as the window slides", seq)
		require.Equal(t, seq, gotSeq)

		_, err = receiver.VerifyAndDecrypt(gotSeq, tag, ct)
		require.NoError(t, err)
		require.NoError(t, receiver.RecordIncoming(gotSeq))
		lastSeq = seq
	}

	receiver.mu.Lock()
	high := receiver.highestInSeq
	centered := receiver.watch.centerSeq
	receiver.mu.Unlock()
	require.Equal(t, lastSeq, high)
	require.Equal(t, high, centered)
}

func TestRecordIncomingIgnoresOlderSeq(t *testing.T) {
	_, receiver := pairedTrackers(t, nil)
	require.NoError(t, receiver.EnsureWatchlist(0))

	require.NoError(t, receiver.RecordIncoming(50))
	require.NoError(t, receiver.RecordIncoming(10))

	receiver.mu.Lock()
	high := receiver.highestInSeq
	receiver.mu.Unlock()
	require.Equal(t, uint32(50), high)
	require.True(t, serial.Newer(50, 10, limits.SequenceNumberBits))
}

func TestTrackSentTakeSent(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)

	now := time.Unix(100, 0)
	tr.TrackSent(42, 1200, now)
	tr.TrackSent(43, 800, now)
	require.Len(t, tr.InFlight(), 2)

	sp, ok := tr.TakeSent(42)
	require.True(t, ok)
	require.Equal(t, uint32(42), sp.Seq)
	require.Equal(t, 1200, sp.NumByte)
	require.Equal(t, now, sp.SentAt)

	_, ok = tr.TakeSent(42)
	require.False(t, ok)
	require.Len(t, tr.InFlight(), 1)
}

func TestLifecycleStates(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)
	require.Equal(t, StateUnverified, tr.State())

	tr.SetState(StateCurrent)
	require.Equal(t, StateCurrent, tr.State())

	tr.Deprecate()
	require.Equal(t, StateDeprecated, tr.State())
}

func TestRekeyWindowNarrowTrigger(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)
	require.Equal(t, RekeyNone, tr.ShouldRekey())

	// Pretend the allocator has nearly wrapped: fewer than the threshold
	// remain before nextOutSeq reaches firstOutSeqUsed again.
	tr.mu.Lock()
	tr.outSeqUsed = true
	tr.firstOutSeqUsed = 1000
	tr.nextOutSeq = serial.Add(1000, (1<<limits.SequenceNumberBits)-50, limits.SequenceNumberBits)
	tr.mu.Unlock()

	require.Equal(t, RekeyWindowNarrow, tr.ShouldRekey())
}

func TestRekeyByteVolumeTrigger(t *testing.T) {
	tr, _ := pairedTrackers(t, nil)

	tr.mu.Lock()
	tr.bytesOut = limits.RekeyByteThreshold / 2
	tr.bytesIn = limits.RekeyByteThreshold/2 + 1
	tr.mu.Unlock()

	require.Equal(t, RekeyByteVolume, tr.ShouldRekey())
}

func TestRekeyAgeTriggerAndGracePeriod(t *testing.T) {
	ft := newFakeTime()
	tr, _ := pairedTrackers(t, ft)

	require.Equal(t, RekeyNone, tr.ShouldRekey())
	require.False(t, tr.OverGracePeriod())

	ft.Advance(limits.RekeyAgeThreshold + time.Second)
	require.Equal(t, RekeyAge, tr.ShouldRekey())
	require.False(t, tr.OverGracePeriod())

	ft.Advance(limits.RekeyGracePeriod + time.Second)
	require.True(t, tr.OverGracePeriod())
}

func TestAge(t *testing.T) {
	ft := newFakeTime()
	tr, _ := pairedTrackers(t, ft)

	ft.Advance(42 * time.Second)
	require.Equal(t, 42*time.Second, tr.Age())
}
