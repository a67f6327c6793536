package wire

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
)

// envelopeLenPrefixSize is the payload_len_be16 field's width.
const envelopeLenPrefixSize = 2

// WrapEnvelope frames a handshake message payload in the outer envelope:
//
//	[ IV (block_size bytes)
//	  ENC_setup( SHA256(payload)[0..32] ∥ payload_len_be16 ∥ payload
//	             ∥ padding (0..99 random bytes) ) ]
//
// setupKey is the per-peer-direction key from DeriveSetupKeys. The IV is
// drawn from crypto/rand (it is security-sensitive: CFB reuse of an IV
// under the same key leaks a keystream); the padding length and bytes are
// drawn from math/rand, since padding only needs to blur datagram sizes,
// not resist prediction.
func WrapEnvelope(setupKey [32]byte, payload []byte) ([]byte, error) {
	bc, err := crypto.NewBlockCipher(setupKey[:])
	if err != nil {
		return nil, err
	}

	if len(payload) > 1<<16-1 {
		return nil, ErrOversizedPacket
	}

	digest := crypto.SHA256(payload)
	padLen := mathrand.Intn(limits.HandshakeEnvelopeMaxPadding)

	inner := make([]byte, 0, len(digest)+envelopeLenPrefixSize+len(payload)+padLen)
	inner = append(inner, digest...)
	var lenBytes [envelopeLenPrefixSize]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(payload)))
	inner = append(inner, lenBytes[:]...)
	inner = append(inner, payload...)

	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(mathrand.Intn(256))
	}
	inner = append(inner, pad...)

	var iv [crypto.BlockSize]byte
	if _, err := cryptorand.Read(iv[:]); err != nil {
		return nil, err
	}
	ciphertext, err := bc.StreamXOR(iv[:], inner)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapEnvelope peels the outer envelope framed by WrapEnvelope, verifying
// the embedded digest before returning the enclosed payload. A mismatch or
// truncated datagram yields a decode error: callers must drop it
// silently, never propagate it as a protocol failure.
func UnwrapEnvelope(setupKey [32]byte, framed []byte) ([]byte, error) {
	if len(framed) < crypto.BlockSize {
		return nil, ErrTooShort
	}
	iv := framed[:crypto.BlockSize]
	ciphertext := framed[crypto.BlockSize:]

	bc, err := crypto.NewBlockCipher(setupKey[:])
	if err != nil {
		return nil, err
	}
	inner, err := bc.StreamXORDecrypt(iv, ciphertext)
	if err != nil {
		return nil, err
	}

	if len(inner) < crypto.HMACSize+envelopeLenPrefixSize {
		return nil, ErrTooShort
	}
	digest := inner[:crypto.HMACSize]
	rest := inner[crypto.HMACSize:]
	payloadLen := int(binary.BigEndian.Uint16(rest[:envelopeLenPrefixSize]))
	rest = rest[envelopeLenPrefixSize:]
	if payloadLen > len(rest) {
		return nil, ErrTooShort
	}
	payload := rest[:payloadLen]

	want := crypto.SHA256(payload)
	if !constantTimeEqualDigest(want, digest) {
		return nil, ErrDigestMismatch
	}
	return append([]byte(nil), payload...), nil
}

func constantTimeEqualDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
