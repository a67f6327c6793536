package wire

import "encoding/binary"

// messageIDMask and isFirstBit implement the bit-level fragment header
// layout: a 28-bit message ID in the low bits of a 4-byte header word, one
// bit for is_first, and three reserved bits that must be zero.
const (
	messageIDMask   = 0x0FFFFFFF
	isFirstBit      = 1 << 28
	reservedBitsMax = 0xE0000000
)

// EncodeAck appends a 4-byte big-endian sequence number to buf.
func EncodeAck(buf []byte, seq uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	return append(buf, b[:]...)
}

// DecodeAck reads one ack record from the front of data.
func DecodeAck(data []byte) (seq uint32, rest []byte, err error) {
	if len(data) < 4 {
		return 0, nil, ErrTooShort
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

// EncodeAckList writes the variable-count ack prefix field: a
// varint count followed by that many 4-byte sequence numbers.
func EncodeAckList(buf []byte, acks []uint32) []byte {
	buf = appendUvarint(buf, uint64(len(acks)))
	for _, seq := range acks {
		buf = EncodeAck(buf, seq)
	}
	return buf
}

// DecodeAckList reads the ack-count prefix and that many acks from the
// front of data, returning the acks and the remaining bytes (the start of
// the fragment records).
func DecodeAckList(data []byte) (acks []uint32, rest []byte, err error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, ErrMalformedRecord
	}
	rest = data[n:]
	acks = make([]uint32, 0, count)
	for i := uint64(0); i < count; i++ {
		var seq uint32
		seq, rest, err = DecodeAck(rest)
		if err != nil {
			return nil, nil, err
		}
		acks = append(acks, seq)
	}
	return acks, rest, nil
}

// FragmentHeader is one FRAG record's header fields: message_id (28
// bits), is_first (1 bit), a varint offset and length, and — only when
// is_first — a varint total message_length. The fragment's data bytes
// follow immediately and are not part of this struct.
type FragmentHeader struct {
	MessageID     uint32
	IsFirst       bool
	Offset        uint64
	Length        uint64
	MessageLength uint64
}

// EncodeFragmentHeader appends the packed header to buf.
func EncodeFragmentHeader(buf []byte, h FragmentHeader) []byte {
	word := h.MessageID & messageIDMask
	if h.IsFirst {
		word |= isFirstBit
	}
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], word)
	buf = append(buf, w[:]...)
	buf = appendUvarint(buf, h.Offset)
	buf = appendUvarint(buf, h.Length)
	if h.IsFirst {
		buf = appendUvarint(buf, h.MessageLength)
	}
	return buf
}

// DecodeFragmentHeader reads one fragment header from the front of data,
// returning the header and the remaining bytes (which begin with that
// fragment's data payload).
func DecodeFragmentHeader(data []byte) (FragmentHeader, []byte, error) {
	if len(data) < 4 {
		return FragmentHeader{}, nil, ErrTooShort
	}
	word := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]

	h := FragmentHeader{
		MessageID: word & messageIDMask,
		IsFirst:   word&isFirstBit != 0,
	}

	off, n := binary.Uvarint(rest)
	if n <= 0 {
		return FragmentHeader{}, nil, ErrMalformedRecord
	}
	rest = rest[n:]
	h.Offset = off

	length, n2 := binary.Uvarint(rest)
	if n2 <= 0 {
		return FragmentHeader{}, nil, ErrMalformedRecord
	}
	rest = rest[n2:]
	h.Length = length

	if h.IsFirst {
		ml, n3 := binary.Uvarint(rest)
		if n3 <= 0 {
			return FragmentHeader{}, nil, ErrMalformedRecord
		}
		rest = rest[n3:]
		h.MessageLength = ml
	}

	return h, rest, nil
}

// EncodedHeaderLen reports how many bytes EncodeFragmentHeader would emit
// for h, so callers can budget a packet's remaining space before committing
// to a fragment.
func EncodedHeaderLen(h FragmentHeader) int {
	n := 4 + uvarintLen(h.Offset) + uvarintLen(h.Length)
	if h.IsFirst {
		n += uvarintLen(h.MessageLength)
	}
	return n
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
