package crypto

import "fmt"

// DHContext is a precomputed (exponent, exponential, signature-over-
// exponential) triple, produced off the hot path and reused within its
// lifetime to amortize exponentiation and signing cost.
type DHContext struct {
	KeyPair   *KeyPair
	Signature Signature
}

// NewDHContext generates a fresh exponent/exponential pair and signs the
// exponential with the node's long-term identity key, binding it to the
// fixed group parameters (there is only one group, Curve25519, so the
// "group parameters" this binds to are implicit in the signature algorithm
// itself).
func NewDHContext(identityPrivateKey [32]byte) (*DHContext, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("dh context: %w", err)
	}

	sig, err := Sign(kp.Public[:], identityPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("dh context: signing exponential: %w", err)
	}

	return &DHContext{KeyPair: kp, Signature: sig}, nil
}

// Exponential returns the public half of the context, i.e. g^x.
func (c *DHContext) Exponential() [32]byte {
	return c.KeyPair.Public
}

// Wipe securely erases the context's private exponent.
func (c *DHContext) Wipe() {
	if c == nil || c.KeyPair == nil {
		return
	}
	ZeroBytes(c.KeyPair.Private[:])
}
