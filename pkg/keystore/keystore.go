// Package keystore encrypts and persists per-device session keys and the
// records that tie devices to escrow token handles and users.
//
// Session keys are sealed with AES-256-GCM (128-bit tag) under a per-install
// wrapping key obtained from a KeyProvider. The wrapping key never leaves the
// provider's custody in persisted form: FileKeyProvider keeps it in a 0600
// file, TPMKeyProvider keeps it sealed by a TPM 2.0.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/trustagent/pkg/crypto"
	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/pion/logging"
)

// Errors returned by the keystore.
var (
	// ErrNoUsableKey is returned when no prior session key can be recovered
	// for a device: missing record, undecryptable ciphertext or missing
	// wrapping key. Callers force re-enrollment.
	ErrNoUsableKey = errors.New("keystore: no usable session key")

	// ErrStorage is returned when persisting a record fails.
	ErrStorage = errors.New("keystore: storage failure")

	// ErrNoProviderKey is returned by providers whose key does not exist and
	// cannot be created.
	ErrNoProviderKey = errors.New("keystore: wrapping key unavailable")
)

// KeyProvider supplies the per-install wrapping key.
type KeyProvider interface {
	WrappingKey() ([]byte, error)
}

// Sealer encrypts small blobs with AES-256-GCM.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer for a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != crypto.AESGCMKeySize {
		return nil, crypto.ErrAESGCMInvalidKeySize
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plaintext bound to aad and returns the ciphertext and the
// fresh nonce. Both must be stored to open the blob.
func (s *Sealer) Seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	return crypto.AESGCMSeal(s.key, plaintext, aad)
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(ciphertext, nonce, aad []byte) ([]byte, error) {
	return crypto.AESGCMOpen(s.key, ciphertext, nonce, aad)
}

// Config configures a KeyStore.
type Config struct {
	Store    store.Store
	Provider KeyProvider

	LoggerFactory logging.LoggerFactory
}

// KeyStore is the only component that reads or writes persisted records.
//
// Safe for concurrent use; lookups for different devices may interleave.
type KeyStore struct {
	store    store.Store
	provider KeyProvider

	sealerMu sync.Mutex
	sealer   *Sealer

	log logging.LeveledLogger
}

// New creates a key store.
func New(config Config) (*KeyStore, error) {
	if config.Store == nil {
		return nil, errors.New("keystore: store is required")
	}
	if config.Provider == nil {
		return nil, errors.New("keystore: key provider is required")
	}
	ks := &KeyStore{
		store:    config.Store,
		provider: config.Provider,
	}
	if config.LoggerFactory != nil {
		ks.log = config.LoggerFactory.NewLogger("keystore")
	}
	return ks, nil
}

// getSealer returns the sealer, asking the provider for the wrapping key
// until it succeeds once.
func (ks *KeyStore) getSealer() (*Sealer, error) {
	ks.sealerMu.Lock()
	defer ks.sealerMu.Unlock()

	if ks.sealer != nil {
		return ks.sealer, nil
	}
	key, err := ks.provider.WrappingKey()
	if err != nil {
		if ks.log != nil {
			ks.log.Warnf("wrapping key unavailable: %v", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoProviderKey, err)
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	ks.sealer = sealer
	return sealer, nil
}

// SaveSessionKey encrypts and persists a session key for deviceID,
// replacing any previous key. Failures wrap ErrStorage.
func (ks *KeyStore) SaveSessionKey(deviceID []byte, key kex.SessionKey) error {
	plain, err := key.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: marshal key: %v", ErrStorage, err)
	}
	defer wipe(plain)

	sealer, err := ks.getSealer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	ct, nonce, err := sealer.Seal(plain, deviceID)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrStorage, err)
	}
	if err := ks.store.PutSessionKey(deviceID, store.KeyRecord{Ciphertext: ct, Nonce: nonce}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// LoadSessionKey recovers the persisted session key for deviceID. Every
// failure is reported as ErrNoUsableKey.
func (ks *KeyStore) LoadSessionKey(deviceID []byte, suite kex.Suite) (kex.SessionKey, error) {
	rec, err := ks.store.GetSessionKey(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableKey, err)
	}
	sealer, err := ks.getSealer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableKey, err)
	}
	plain, err := sealer.Open(rec.Ciphertext, rec.Nonce, deviceID)
	if err != nil {
		if ks.log != nil {
			ks.log.Warnf("stored session key for %x cannot be decrypted: %v", deviceID, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoUsableKey, err)
	}
	defer wipe(plain)

	key, err := suite.RestoreKey(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableKey, err)
	}
	return key, nil
}

// HasSessionKey reports whether a session key record exists for deviceID.
func (ks *KeyStore) HasSessionKey(deviceID []byte) bool {
	_, err := ks.store.GetSessionKey(deviceID)
	return err == nil
}

// DeleteSessionKey removes the session key for deviceID.
func (ks *KeyStore) DeleteSessionKey(deviceID []byte) error {
	if err := ks.store.DeleteSessionKey(deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// SaveEnrollment persists the handle records of a completed enrollment.
func (ks *KeyStore) SaveEnrollment(deviceID []byte, handle uint64, userID int, info store.TrustedDeviceInfo) error {
	if err := ks.store.PutHandleUser(handle, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := ks.store.PutDeviceHandle(deviceID, handle); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	info.Handle = handle
	info.UserID = userID
	info.DeviceID = deviceID
	if err := ks.store.PutTrustedDevice(info); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// UserForHandle returns the user that owns handle.
func (ks *KeyStore) UserForHandle(handle uint64) (int, error) {
	return ks.store.GetHandleUser(handle)
}

// HandleForDevice returns the handle assigned to deviceID.
func (ks *KeyStore) HandleForDevice(deviceID []byte) (uint64, error) {
	return ks.store.GetDeviceHandle(deviceID)
}

// TrustedDevices lists the devices enrolled for userID.
func (ks *KeyStore) TrustedDevices(userID int) ([]store.TrustedDeviceInfo, error) {
	return ks.store.ListTrustedDevices(userID)
}

// RemoveDevice deletes every record for deviceID and returns the handle it
// was bound to, if any. found is false when the device had no handle.
func (ks *KeyStore) RemoveDevice(deviceID []byte) (handle uint64, found bool, err error) {
	var errs []error
	if err := ks.store.DeleteSessionKey(deviceID); err != nil {
		errs = append(errs, err)
	}

	handle, err = ks.store.GetDeviceHandle(deviceID)
	switch {
	case err == nil:
		found = true
		if err := ks.store.DeleteHandleUser(handle); err != nil {
			errs = append(errs, err)
		}
		if err := ks.store.DeleteTrustedDevice(handle); err != nil {
			errs = append(errs, err)
		}
		if err := ks.store.DeleteDeviceHandle(deviceID); err != nil {
			errs = append(errs, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return handle, found, fmt.Errorf("%w: %v", ErrStorage, errors.Join(errs...))
	}
	return handle, found, nil
}

// RetireHandle deletes the records of a handle the device no longer uses.
// The device's session key and current handle are kept.
func (ks *KeyStore) RetireHandle(handle uint64) error {
	var errs []error
	if err := ks.store.DeleteHandleUser(handle); err != nil {
		errs = append(errs, err)
	}
	if err := ks.store.DeleteTrustedDevice(handle); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrStorage, errors.Join(errs...))
	}
	return nil
}

// RemoveEnrollment un-enrolls handle for userID and returns the device it
// belonged to. If handle is the device's current handle every record of the
// device is deleted; a superseded handle only loses its own records.
func (ks *KeyStore) RemoveEnrollment(handle uint64, userID int) ([]byte, error) {
	deviceID, err := ks.DeviceForHandle(handle, userID)
	if err != nil {
		return nil, err
	}
	current, err := ks.store.GetDeviceHandle(deviceID)
	switch {
	case err == nil && current == handle:
		_, _, err := ks.RemoveDevice(deviceID)
		return deviceID, err
	case err == nil, errors.Is(err, store.ErrNotFound):
		return deviceID, ks.RetireHandle(handle)
	default:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

// DeviceForHandle finds the device enrolled under handle for userID.
func (ks *KeyStore) DeviceForHandle(handle uint64, userID int) ([]byte, error) {
	devices, err := ks.store.ListTrustedDevices(userID)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Handle == handle {
			return d.DeviceID, nil
		}
	}
	return nil, store.ErrNotFound
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ErrTPMUnavailable is returned when no usable TPM is present.
var ErrTPMUnavailable = errors.New("keystore: TPM not available")
