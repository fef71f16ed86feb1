package trust

import (
	"github.com/backkem/trustagent/pkg/crypto"
)

// ResumptionRole is the HKDF info string that separates the two MACs of the
// resumption check.
type ResumptionRole string

const (
	RoleClient ResumptionRole = "CLIENT"
	RoleServer ResumptionRole = "SERVER"
)

// ResumptionMACSize is the length of a resumption MAC.
const ResumptionMACSize = 32

var resumptionSalt = []byte("RESUME")

// ComputeResumptionMAC derives the MAC proving knowledge of the previous
// session: HKDF-SHA256(previous ‖ current, "RESUME", role).
func ComputeResumptionMAC(previous, current []byte, role ResumptionRole) ([]byte, error) {
	ikm := make([]byte, 0, len(previous)+len(current))
	ikm = append(ikm, previous...)
	ikm = append(ikm, current...)
	return crypto.HKDFSHA256(ikm, resumptionSalt, []byte(role), ResumptionMACSize)
}

// VerifyResumptionMAC checks mac in constant time.
func VerifyResumptionMAC(mac, previous, current []byte, role ResumptionRole) bool {
	if len(mac) != ResumptionMACSize {
		return false
	}
	want, err := ComputeResumptionMAC(previous, current, role)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEqual(mac, want)
}
