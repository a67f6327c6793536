package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 key pair used for DH context generation and session
// key agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := NewLogger("GenerateKeyPair")
	logger.Entry("generating new DH key pair")
	defer logger.Exit()

	var privateKey [32]byte
	if _, err := rand.Read(privateKey[:]); err != nil {
		logger.WithError(err, "entropy_failure", "rand.Read").Error("failed to read random bytes for private key")
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	kp, err := FromSecretKey(privateKey)
	ZeroBytes(privateKey[:])
	if err != nil {
		return nil, err
	}

	logger.WithFields(SecureFieldHash(kp.Public[:], "public_key")).Info("DH key pair generated")
	return kp, nil
}

// FromSecretKey derives a key pair from an existing 32-byte scalar, applying
// the RFC 7748 clamping required before use as an X25519 private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	logger := NewLogger("FromSecretKey")
	logger.Entry("deriving key pair from secret")
	defer logger.Exit()

	if isZeroKey(secretKey) {
		logger.Error("secret key is all zeros")
		return nil, errors.New("invalid secret key: all zeros")
	}

	var privateKey [32]byte
	copy(privateKey[:], secretKey[:])
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	kp := &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}

	ZeroBytes(privateKey[:])

	logger.WithFields(SecureFieldHash(kp.Public[:], "public_key")).Debug("key pair derived")
	return kp, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// ExponentialValid reports whether a received DH exponential is acceptable:
// not the identity point and not a small-order point. Received
// exponentials must be >1 and pass a small-subgroup check;
// X25519 does not reject these by itself, so HandshakeEngine calls this
// before DeriveSharedSecret.
func ExponentialValid(exponential [32]byte) bool {
	if isZeroKey(exponential) {
		return false
	}
	for _, lowOrder := range lowOrderPoints {
		if exponential == lowOrder {
			return false
		}
	}
	return true
}

// lowOrderPoints are the well-known Curve25519 points of small order, per
// the RFC 7748 test-vector appendix; a valid peer exponential never equals
// one of these.
var lowOrderPoints = [][32]byte{
	{0x00},
	{0x01},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a,
		0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b,
		0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
}
