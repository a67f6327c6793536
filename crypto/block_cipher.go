package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// BlockSize is the AES block size in bytes, and the size of every IV this
// package derives.
const BlockSize = aes.BlockSize

// KeySize is the key size CryptoPrimitives requires: 256 bits.
const KeySize = 32

// BlockCipher wraps a single AES-256 key for both single-block enciphering
// (used as a PRF deriving each packet IV from iv_nonce ∥ seq_be32)
// and CFB stream mode (used for the bulk session cipher and the outer
// handshake envelope's ENC_setup/ENC_out).
type BlockCipher struct {
	block cipher.Block
}

// NewBlockCipher creates a BlockCipher from a 256-bit key.
func NewBlockCipher(key []byte) (*BlockCipher, error) {
	if len(key) != KeySize {
		return nil, ErrBadLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &BlockCipher{block: block}, nil
}

// EncryptBlock enciphers exactly one AES block (ECB, single block — there is
// no chaining to leak). input must be BlockSize bytes; the result is a fresh
// BlockSize-byte slice. This is used only as a keyed PRF turning
// (iv_nonce ∥ seq_be32) into the IV for the stream cipher, never to encrypt
// more than one block at a time.
func (bc *BlockCipher) EncryptBlock(input []byte) ([]byte, error) {
	if len(input) != BlockSize {
		return nil, ErrBadLength
	}
	out := make([]byte, BlockSize)
	bc.block.Encrypt(out, input)
	return out, nil
}

// StreamXOR encrypts data in CFB mode seeded by iv, returning a new slice.
// CFB is NOT self-inverting: the decrypter feeds ciphertext rather than
// plaintext back into the shift register, so decryption must go through
// StreamXORDecrypt — running ciphertext back through StreamXOR yields
// garbage after the first block. iv must be BlockSize bytes.
func (bc *BlockCipher) StreamXOR(iv, data []byte) ([]byte, error) {
	if len(iv) != BlockSize {
		return nil, ErrBadLength
	}
	stream := cipher.NewCFBEncrypter(bc.block, iv)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// StreamXORDecrypt is the decrypting counterpart of StreamXOR. CFB
// encryption and decryption use different keystream generators
// (NewCFBEncrypter vs NewCFBDecrypter) even though both are XOR-based,
// because the decrypter feeds ciphertext (not plaintext) back into the
// shift register.
func (bc *BlockCipher) StreamXORDecrypt(iv, data []byte) ([]byte, error) {
	if len(iv) != BlockSize {
		return nil, ErrBadLength
	}
	stream := cipher.NewCFBDecrypter(bc.block, iv)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}
