// Package store persists the trust agent's per-device records.
//
// Three mappings are kept: device id to encrypted session key, escrow token
// handle to user, and device id to handle. Trusted device descriptions for
// management surfaces are kept alongside. Values are stored as given; the
// keystore package is responsible for encrypting session keys.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// KeyRecord is an encrypted session key and the nonce it was sealed with.
type KeyRecord struct {
	Ciphertext []byte
	Nonce      []byte
}

// Clone returns a deep copy.
func (r KeyRecord) Clone() KeyRecord {
	return KeyRecord{
		Ciphertext: append([]byte(nil), r.Ciphertext...),
		Nonce:      append([]byte(nil), r.Nonce...),
	}
}

// TrustedDeviceInfo describes an enrolled device.
type TrustedDeviceInfo struct {
	Handle     uint64    `json:"handle" yaml:"handle"`
	UserID     int       `json:"user_id" yaml:"user_id"`
	DeviceID   []byte    `json:"device_id" yaml:"device_id"`
	Address    string    `json:"address" yaml:"address"`
	Name       string    `json:"name" yaml:"name"`
	EnrolledAt time.Time `json:"enrolled_at" yaml:"enrolled_at"`
}

// Clone returns a deep copy.
func (i TrustedDeviceInfo) Clone() TrustedDeviceInfo {
	i.DeviceID = append([]byte(nil), i.DeviceID...)
	return i
}

// Store is the persistence backend. Implementations must be safe for
// concurrent use.
type Store interface {
	PutSessionKey(deviceID []byte, rec KeyRecord) error
	GetSessionKey(deviceID []byte) (KeyRecord, error)
	DeleteSessionKey(deviceID []byte) error

	PutHandleUser(handle uint64, userID int) error
	GetHandleUser(handle uint64) (int, error)
	DeleteHandleUser(handle uint64) error

	PutDeviceHandle(deviceID []byte, handle uint64) error
	GetDeviceHandle(deviceID []byte) (uint64, error)
	DeleteDeviceHandle(deviceID []byte) error

	PutTrustedDevice(info TrustedDeviceInfo) error
	ListTrustedDevices(userID int) ([]TrustedDeviceInfo, error)
	DeleteTrustedDevice(handle uint64) error

	Close() error
}
