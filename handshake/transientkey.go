package handshake

import (
	"crypto/rand"

	"github.com/fn2mesh/overlaycore/crypto"
)

// transientKey is the responder-local random value used to MAC the M2
// authenticator. It is generated fresh on construction and replaced by
// dosGuard.rotateLocked, never mutated in place, so callers can safely read a snapshot
// without holding the guard's lock while computing an HMAC.
type transientKey struct {
	value [32]byte
}

func newTransientKey() (*transientKey, error) {
	var tk transientKey
	if _, err := rand.Read(tk.value[:]); err != nil {
		return nil, err
	}
	return &tk, nil
}

func (tk *transientKey) bytes() []byte {
	return tk.value[:]
}

func (tk *transientKey) wipe() {
	crypto.ZeroBytes(tk.value[:])
}
