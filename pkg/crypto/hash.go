package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// TranscriptHash hashes the given parts, each prefixed with its 4-byte
// big-endian length, so that part boundaries are unambiguous.
func TranscriptHash(parts ...[]byte) []byte {
	h := sha256.New()
	var l [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		h.Write(l[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// ConstantTimeEqual compares two MACs in constant time.
func ConstantTimeEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
