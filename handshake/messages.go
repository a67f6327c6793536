package handshake

import (
	"encoding/binary"

	"github.com/fn2mesh/overlaycore/crypto"
)

// NonceSize is the fixed JFK nonce size.
const NonceSize = 8

// NegType identifies the negotiation/handshake variant carried in the
// outer envelope payload. Only NegTypeJFK is supported; any other value is
// rejected without further processing.
type NegType byte

const NegTypeJFK NegType = 2

// Version is the fixed protocol version stamped into every handshake
// payload.
const Version byte = 1

// PacketType identifies which of the four JFK messages a handshake
// datagram's payload carries.
type PacketType byte

const (
	PacketM1 PacketType = iota
	PacketM2
	PacketM3
	PacketM4
)

// MaxPeerReferenceSize bounds the opaque compressed_peer_reference payload
// carried in M3/M4; an oversized reference is a protocol violation.
const MaxPeerReferenceSize = 4096

// M1 is the initiator's opening message: nonce_i ∥ g^i.
type M1 struct {
	NonceI [NonceSize]byte
	GI     [32]byte
}

func (m *M1) Marshal() []byte {
	buf := make([]byte, NonceSize+32)
	copy(buf[:NonceSize], m.NonceI[:])
	copy(buf[NonceSize:], m.GI[:])
	return buf
}

func UnmarshalM1(data []byte) (*M1, error) {
	if len(data) != NonceSize+32 {
		return nil, ErrBadLength
	}
	m := &M1{}
	copy(m.NonceI[:], data[:NonceSize])
	copy(m.GI[:], data[NonceSize:])
	return m, nil
}

// M2 is the responder's stateless reply: nonce_i ∥ nonce_r ∥ g^r ∥ sig_r ∥
// authenticator.
type M2 struct {
	NonceI        [NonceSize]byte
	NonceR        [NonceSize]byte
	GR            [32]byte
	SigR          crypto.Signature
	Authenticator [32]byte
}

func (m *M2) Marshal() []byte {
	buf := make([]byte, 0, 2*NonceSize+32+crypto.SignatureSize+32)
	buf = append(buf, m.NonceI[:]...)
	buf = append(buf, m.NonceR[:]...)
	buf = append(buf, m.GR[:]...)
	buf = append(buf, m.SigR[:]...)
	buf = append(buf, m.Authenticator[:]...)
	return buf
}

func UnmarshalM2(data []byte) (*M2, error) {
	want := 2*NonceSize + 32 + crypto.SignatureSize + 32
	if len(data) != want {
		return nil, ErrBadLength
	}
	m := &M2{}
	off := 0
	copy(m.NonceI[:], data[off:off+NonceSize])
	off += NonceSize
	copy(m.NonceR[:], data[off:off+NonceSize])
	off += NonceSize
	copy(m.GR[:], data[off:off+32])
	off += 32
	copy(m.SigR[:], data[off:off+crypto.SignatureSize])
	off += crypto.SignatureSize
	copy(m.Authenticator[:], data[off:off+32])
	return m, nil
}

// SignedPayload is the structure encrypted inside M3/M4: a signature over
// the handshake transcript followed by boot_id and the opaque peer
// reference.
type SignedPayload struct {
	Signature crypto.Signature
	BootID    uint64
	PeerRef   []byte
}

func (p *SignedPayload) Marshal() []byte {
	buf := make([]byte, 0, crypto.SignatureSize+8+len(p.PeerRef))
	buf = append(buf, p.Signature[:]...)
	var bootBytes [8]byte
	binary.BigEndian.PutUint64(bootBytes[:], p.BootID)
	buf = append(buf, bootBytes[:]...)
	buf = append(buf, p.PeerRef...)
	return buf
}

func UnmarshalSignedPayload(data []byte) (*SignedPayload, error) {
	if len(data) < crypto.SignatureSize+8 {
		return nil, ErrBadLength
	}
	p := &SignedPayload{}
	off := 0
	copy(p.Signature[:], data[off:off+crypto.SignatureSize])
	off += crypto.SignatureSize
	p.BootID = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	if len(data)-off > MaxPeerReferenceSize {
		return nil, ErrOversizedReference
	}
	p.PeerRef = append([]byte(nil), data[off:]...)
	return p, nil
}

// M3 is the initiator's authenticated reply to M2.
type M3 struct {
	NonceI        [NonceSize]byte
	NonceR        [NonceSize]byte
	GI            [32]byte
	GR            [32]byte
	Authenticator [32]byte
	Mac           [32]byte
	IV            [16]byte
	Ciphertext    []byte
}

func (m *M3) Marshal() []byte {
	buf := make([]byte, 0, 2*NonceSize+32+32+32+32+16+len(m.Ciphertext))
	buf = append(buf, m.NonceI[:]...)
	buf = append(buf, m.NonceR[:]...)
	buf = append(buf, m.GI[:]...)
	buf = append(buf, m.GR[:]...)
	buf = append(buf, m.Authenticator[:]...)
	buf = append(buf, m.Mac[:]...)
	buf = append(buf, m.IV[:]...)
	buf = append(buf, m.Ciphertext...)
	return buf
}

func UnmarshalM3(data []byte) (*M3, error) {
	fixed := 2*NonceSize + 32 + 32 + 32 + 32 + 16
	if len(data) < fixed {
		return nil, ErrBadLength
	}
	m := &M3{}
	off := 0
	copy(m.NonceI[:], data[off:off+NonceSize])
	off += NonceSize
	copy(m.NonceR[:], data[off:off+NonceSize])
	off += NonceSize
	copy(m.GI[:], data[off:off+32])
	off += 32
	copy(m.GR[:], data[off:off+32])
	off += 32
	copy(m.Authenticator[:], data[off:off+32])
	off += 32
	copy(m.Mac[:], data[off:off+32])
	off += 32
	copy(m.IV[:], data[off:off+16])
	off += 16
	m.Ciphertext = append([]byte(nil), data[off:]...)
	return m, nil
}

// M4 is the responder's final confirmation.
type M4 struct {
	Mac        [32]byte
	IV         [16]byte
	Ciphertext []byte
}

func (m *M4) Marshal() []byte {
	buf := make([]byte, 0, 32+16+len(m.Ciphertext))
	buf = append(buf, m.Mac[:]...)
	buf = append(buf, m.IV[:]...)
	buf = append(buf, m.Ciphertext...)
	return buf
}

func UnmarshalM4(data []byte) (*M4, error) {
	if len(data) < 32+16 {
		return nil, ErrBadLength
	}
	m := &M4{}
	copy(m.Mac[:], data[:32])
	copy(m.IV[:], data[32:48])
	m.Ciphertext = append([]byte(nil), data[48:]...)
	return m, nil
}
