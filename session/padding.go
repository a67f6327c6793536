package session

import (
	"encoding/binary"
	"math/rand"

	"github.com/fn2mesh/overlaycore/limits"
)

// padContent frames content behind a 2-byte big-endian length prefix and
// pads the result up to a multiple of limits.PaddingMultiple plus a
// uniformly random extra amount, never exceeding mtu.
// The length prefix lets the receiver recover exactly content from the
// padded buffer without depending on any framing inside content itself.
func padContent(content []byte, mtu int) ([]byte, error) {
	if len(content) > 0xFFFF {
		return nil, ErrBadPadding
	}

	framed := make([]byte, 2+len(content))
	binary.BigEndian.PutUint16(framed, uint16(len(content)))
	copy(framed[2:], content)

	rounded := ((len(framed) + limits.PaddingMultiple - 1) / limits.PaddingMultiple) * limits.PaddingMultiple
	if rounded > mtu {
		rounded = mtu
	}

	maxExtra := limits.MaxRandomPadding
	if headroom := mtu - rounded; headroom < maxExtra {
		maxExtra = headroom
	}
	extra := 0
	if maxExtra > 0 {
		extra = rand.Intn(maxExtra)
	}

	total := rounded + extra
	if total > mtu {
		total = mtu
	}
	if total < len(framed) {
		total = len(framed)
	}

	out := make([]byte, total)
	copy(out, framed)
	for i := len(framed); i < total; i++ {
		out[i] = byte(rand.Intn(256))
	}
	return out, nil
}

// unpadContent reverses padContent, recovering the original content from a
// length-prefixed, padded buffer.
func unpadContent(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrBadPadding
	}
	n := binary.BigEndian.Uint16(padded)
	if int(n)+2 > len(padded) {
		return nil, ErrBadPadding
	}
	return padded[2 : 2+int(n)], nil
}
