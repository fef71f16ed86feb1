//go:build !linux

package keystore

// TPMKeyProvider is only available on Linux.
type TPMKeyProvider struct{}

// NewTPMKeyProvider always fails on this platform.
func NewTPMKeyProvider(devicePath, blobPath string) (*TPMKeyProvider, error) {
	return nil, ErrTPMUnavailable
}

// WrappingKey implements KeyProvider.
func (*TPMKeyProvider) WrappingKey() ([]byte, error) {
	return nil, ErrTPMUnavailable
}
