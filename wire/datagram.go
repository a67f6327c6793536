package wire

import "github.com/fn2mesh/overlaycore/limits"

// EncodeSessionDatagram concatenates the truncated-HMAC prefix and
// ciphertext keytracker.Tracker.EncryptOutgoing produces into the on-wire
// session datagram: HMAC_mac_key(ciphertext)[0:4] ∥ ENC_out(...).
func EncodeSessionDatagram(macPrefix, ciphertext []byte) []byte {
	out := make([]byte, 0, len(macPrefix)+len(ciphertext))
	out = append(out, macPrefix...)
	out = append(out, ciphertext...)
	return out
}

// DecodeSessionDatagram splits a received session datagram back into its
// truncated-HMAC prefix and ciphertext, without attempting any decryption —
// the caller trial-matches the prefix against candidate trackers first.
func DecodeSessionDatagram(data []byte) (macPrefix, ciphertext []byte, err error) {
	if len(data) < limits.TruncatedTagSize {
		return nil, nil, ErrTooShort
	}
	return data[:limits.TruncatedTagSize], data[limits.TruncatedTagSize:], nil
}
