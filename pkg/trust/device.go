package trust

import (
	"fmt"

	"github.com/backkem/trustagent/pkg/transport"
	"github.com/google/uuid"
)

// DeviceIDSize is the size of a device identifier.
const DeviceIDSize = 16

// DeviceIDValidator accepts or rejects a peer's device identifier.
type DeviceIDValidator func(id []byte) error

// ValidateUUID accepts 16-byte identifiers that are not the nil UUID.
func ValidateUUID(id []byte) error {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDeviceID, err)
	}
	if u == uuid.Nil {
		return fmt.Errorf("%w: nil UUID", ErrInvalidDeviceID)
	}
	return nil
}

// NewDeviceID returns a random device identifier.
func NewDeviceID() []byte {
	u := uuid.New()
	return u[:]
}

// FormatDeviceID renders an identifier for logs and device lists.
func FormatDeviceID(id []byte) string {
	if u, err := uuid.FromBytes(id); err == nil {
		return u.String()
	}
	return fmt.Sprintf("%x", id)
}

// Default service descriptors. Enrollment and unlock are advertised under
// different service UUIDs so a companion only finds the agent in the mode it
// expects.
var (
	DefaultEnrollmentService = transport.ServiceDescriptor{
		Name:    "trustagent-enroll",
		Service: uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0e01"),
		Write:   uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0e02"),
		Notify:  uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0e03"),
	}

	DefaultUnlockService = transport.ServiceDescriptor{
		Name:    "trustagent-unlock",
		Service: uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0f01"),
		Write:   uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0f02"),
		Notify:  uuid.MustParse("5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0f03"),
	}
)
