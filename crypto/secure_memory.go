package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe securely erases data in place. It returns an error if data is
// nil. It uses subtle.XORBytes so the compiler cannot optimize the write
// away, XORing data with itself (x XOR x = 0).
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases data, ignoring the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair securely erases the private half of a KeyPair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
