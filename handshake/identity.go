package handshake

import "github.com/fn2mesh/overlaycore/crypto"

// Identity is a node's stable long-term signing key plus the two hashes
// derived from it that the outer envelope's setup-key derivation consumes:
// hash and hash-of-hash of the public key.
type Identity struct {
	Private  [32]byte
	Public   [32]byte
	Hash     [32]byte
	HashHash [32]byte
}

// NewIdentity derives the full Identity from a 32-byte Ed25519 seed.
func NewIdentity(seed [32]byte) *Identity {
	pub := crypto.PublicFromSeed(seed)
	hash := crypto.SHA256(pub[:])
	hashHash := crypto.SHA256(hash)

	id := &Identity{Private: seed, Public: pub}
	copy(id.Hash[:], hash)
	copy(id.HashHash[:], hashHash)
	return id
}

// groupDomain is a fixed domain-separation string bound into every
// exponential signature, standing in for the "group parameters" a
// classical modular-DH signature would bind to the group modulus —
// X25519 has exactly one group, Curve25519, so the parameters
// are this constant rather than a negotiated prime/generator pair.
var groupDomain = []byte("overlaycore-jfk-x25519-v1")

func signExponential(priv [32]byte, exponential [32]byte) (crypto.Signature, error) {
	msg := append(append([]byte(nil), exponential[:]...), groupDomain...)
	return crypto.Sign(msg, priv)
}

func verifyExponentialSig(pub [32]byte, exponential [32]byte, sig crypto.Signature) (bool, error) {
	msg := append(append([]byte(nil), exponential[:]...), groupDomain...)
	return crypto.Verify(msg, sig, pub)
}
