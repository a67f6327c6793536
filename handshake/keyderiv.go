package handshake

import "github.com/fn2mesh/overlaycore/crypto"

// SessionKeys holds the material a completed handshake hands to
// keytracker.New: the two direction-specific cipher keys, the shared IV
// cipher key, the MAC key, and the per-tracker IV nonce.
type SessionKeys struct {
	InitiatorToResponderKey []byte
	ResponderToInitiatorKey []byte
	IVCipherKey             []byte
	MacKey                  []byte
	IVNonce                 [12]byte
}

// deriveHandshakeKeys computes the three JFK transport keys from the DH
// shared secret and both nonces: K_x = HMAC_SHA256(g^ir, nonce_i ∥ nonce_r
// ∥ x) for x ∈ {"0","1","2"} → (K_s, K_e, K_a).
func deriveHandshakeKeys(sharedSecret [32]byte, nonceI, nonceR [NonceSize]byte) (ks, ke, ka []byte) {
	prefix := append(append([]byte(nil), nonceI[:]...), nonceR[:]...)
	ks = crypto.HMACSHA256(sharedSecret[:], append(append([]byte(nil), prefix...), '0'))
	ke = crypto.HMACSHA256(sharedSecret[:], append(append([]byte(nil), prefix...), '1'))
	ka = crypto.HMACSHA256(sharedSecret[:], append(append([]byte(nil), prefix...), '2'))
	return
}

// deriveSessionKeys expands the handshake's session key into the
// tracker's four independent keys via HMAC-based domain separation, the
// same construction that derives the session key itself.
func deriveSessionKeys(ks []byte) SessionKeys {
	i2r := crypto.HMACSHA256(ks, []byte("i2r"))
	r2i := crypto.HMACSHA256(ks, []byte("r2i"))
	ivKey := crypto.HMACSHA256(ks, []byte("iv"))
	macKey := crypto.HMACSHA256(ks, []byte("mac"))
	ivNonceFull := crypto.HMACSHA256(ks, []byte("ivnonce"))

	var ivNonce [12]byte
	copy(ivNonce[:], ivNonceFull[:12])

	return SessionKeys{
		InitiatorToResponderKey: i2r,
		ResponderToInitiatorKey: r2i,
		IVCipherKey:             ivKey,
		MacKey:                  macKey,
		IVNonce:                 ivNonce,
	}
}
