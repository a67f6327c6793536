package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// HMACSize is the output size of HMAC-SHA256 in bytes.
const HMACSize = sha256.Size

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether tag is the correct HMAC-SHA256(key, data),
// using a constant-time comparison.
func VerifyHMAC(key, data, tag []byte) bool {
	expected := HMACSHA256(key, data)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// TruncatedHMAC returns the first n bytes of HMAC-SHA256(key, data). Used
// for the 4-byte watchlist tag and the outer-envelope digest; n must not
// exceed HMACSize.
func TruncatedHMAC(key, data []byte, n int) []byte {
	full := HMACSHA256(key, data)
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
