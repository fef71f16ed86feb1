package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
// Useful for testing and development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	keys          map[string]KeyRecord
	handleUsers   map[uint64]int
	deviceHandles map[string]uint64
	devices       map[uint64]TrustedDeviceInfo
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:          make(map[string]KeyRecord),
		handleUsers:   make(map[uint64]int),
		deviceHandles: make(map[string]uint64),
		devices:       make(map[uint64]TrustedDeviceInfo),
	}
}

// PutSessionKey stores or replaces the session key for a device.
func (m *MemoryStore) PutSessionKey(deviceID []byte, rec KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[string(deviceID)] = rec.Clone()
	return nil
}

// GetSessionKey returns the session key for a device.
func (m *MemoryStore) GetSessionKey(deviceID []byte) (KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[string(deviceID)]
	if !ok {
		return KeyRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// DeleteSessionKey removes the session key for a device.
func (m *MemoryStore) DeleteSessionKey(deviceID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, string(deviceID))
	return nil
}

// PutHandleUser maps a handle to its user.
func (m *MemoryStore) PutHandleUser(handle uint64, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleUsers[handle] = userID
	return nil
}

// GetHandleUser returns the user owning a handle.
func (m *MemoryStore) GetHandleUser(handle uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.handleUsers[handle]
	if !ok {
		return 0, ErrNotFound
	}
	return u, nil
}

// DeleteHandleUser removes a handle mapping.
func (m *MemoryStore) DeleteHandleUser(handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handleUsers, handle)
	return nil
}

// PutDeviceHandle maps a device to its handle.
func (m *MemoryStore) PutDeviceHandle(deviceID []byte, handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceHandles[string(deviceID)] = handle
	return nil
}

// GetDeviceHandle returns the handle of a device.
func (m *MemoryStore) GetDeviceHandle(deviceID []byte) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.deviceHandles[string(deviceID)]
	if !ok {
		return 0, ErrNotFound
	}
	return h, nil
}

// DeleteDeviceHandle removes a device mapping.
func (m *MemoryStore) DeleteDeviceHandle(deviceID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deviceHandles, string(deviceID))
	return nil
}

// PutTrustedDevice stores or updates a trusted device by handle.
func (m *MemoryStore) PutTrustedDevice(info TrustedDeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[info.Handle] = info.Clone()
	return nil
}

// ListTrustedDevices returns a user's trusted devices ordered by handle.
func (m *MemoryStore) ListTrustedDevices(userID int) ([]TrustedDeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TrustedDeviceInfo, 0)
	for _, d := range m.devices {
		if d.UserID == userID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Handle < result[j].Handle })
	return result, nil
}

// DeleteTrustedDevice removes a trusted device by handle.
func (m *MemoryStore) DeleteTrustedDevice(handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, handle)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
