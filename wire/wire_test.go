package wire

import (
	"testing"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	payload := []byte("version=1 negType=2 packetType=0 body...")

	framed, err := WrapEnvelope(key, payload)
	require.NoError(t, err)

	got, err := UnwrapEnvelope(key, framed)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEnvelopeTamperedDigestRejected(t *testing.T) {
	var key [32]byte
	framed, err := WrapEnvelope(key, []byte("hello"))
	require.NoError(t, err)

	// The first ciphertext byte after the IV decrypts to the first digest
	// byte; under CFB the length prefix and payload further on are intact.
	framed[crypto.BlockSize] ^= 0xFF
	_, err = UnwrapEnvelope(key, framed)
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestDeriveSetupKeysSymmetric(t *testing.T) {
	var aHash, aHashHash, bHash, bHashHash [32]byte
	aHash[0], aHashHash[0], bHash[0], bHashHash[0] = 1, 2, 3, 4

	aSend, aRecv := DeriveSetupKeys(aHash, aHashHash, bHash, bHashHash)
	bSend, bRecv := DeriveSetupKeys(bHash, bHashHash, aHash, aHashHash)

	require.Equal(t, aSend, bRecv, "A's send key must equal B's recv key")
	require.Equal(t, bSend, aRecv, "B's send key must equal A's recv key")
}

func TestAckRoundTrip(t *testing.T) {
	buf := EncodeAck(nil, 424242)
	seq, rest, err := DecodeAck(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(424242), seq)
	require.Empty(t, rest)
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{MessageID: 0x0ABCDEF, IsFirst: true, Offset: 0, Length: 512, MessageLength: 204800}
	buf := EncodeFragmentHeader(nil, h)
	require.Len(t, buf, EncodedHeaderLen(h))

	got, rest, err := DecodeFragmentHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Empty(t, rest)
}

func TestFragmentHeaderNonFirstOmitsMessageLength(t *testing.T) {
	h := FragmentHeader{MessageID: 7, IsFirst: false, Offset: 1024, Length: 256}
	buf := EncodeFragmentHeader(nil, h)
	got, _, err := DecodeFragmentHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.MessageLength)
	require.False(t, got.IsFirst)
}

func TestDecodeSessionDatagramTooShort(t *testing.T) {
	_, _, err := DecodeSessionDatagram([]byte{1, 2})
	require.ErrorIs(t, err, ErrTooShort)
}
