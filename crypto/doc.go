// Package crypto implements the deterministic cryptographic primitives the
// overlay core builds on: X25519 key agreement, Ed25519 signatures,
// HMAC-SHA256, SHA-256, an AES-256 block cipher used both directly and as a
// CFB stream, and secure memory wiping.
//
// Every primitive here is pure and side-effect free apart from explicit
// randomness (crypto/rand) and explicit logging; none of it performs I/O.
// Higher packages (handshake, keytracker, session) compose these primitives;
// this package never imports them.
//
// # Key agreement
//
//	kp, err := crypto.GenerateKeyPair()
//	shared, err := crypto.DeriveSharedSecret(peerPublic, kp.Private)
//
// DeriveSharedSecret rejects low-order and identity points before computing
// X25519, since X25519 itself does not reject them.
//
// # Signatures
//
//	sig, err := crypto.Sign(message, seed)
//	ok, err := crypto.Verify(message, sig, crypto.PublicFromSeed(seed))
//
// Signing keys are 32-byte Ed25519 seeds, not the X25519 key pairs above.
//
// # Block cipher and stream mode
//
//	bc, err := crypto.NewBlockCipher(key256)
//	iv, err := bc.EncryptBlock(ivInput)                  // single AES block, used for IV derivation
//	ciphertext, err := bc.StreamXOR(iv, plaintext)       // CFB-mode encryption
//	plaintext, err = bc.StreamXORDecrypt(iv, ciphertext) // CFB-mode decryption
//
// # Message authentication
//
//	tag := crypto.HMACSHA256(key, data)
//	ok := crypto.VerifyHMAC(key, data, tag)
//
// # Secure memory
//
//	defer crypto.ZeroBytes(sensitive)
//
// ZeroBytes/SecureWipe use crypto/subtle.XORBytes so the compiler cannot
// optimize the wipe away.
package crypto
