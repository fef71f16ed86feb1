package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/backkem/trustagent/pkg/crypto"
)

// FileKeyProvider keeps a random 256-bit wrapping key in a file readable
// only by the owner. The key is created on first use.
type FileKeyProvider struct {
	path string

	mu  sync.Mutex
	key []byte
}

// NewFileKeyProvider returns a provider for the key file at path.
func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{path: path}
}

// WrappingKey implements KeyProvider.
func (p *FileKeyProvider) WrappingKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		if len(data) != crypto.AESGCMKeySize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrNoProviderKey, p.path, len(data))
		}
		p.key = data
		return p.key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := crypto.RandomBytes(crypto.AESGCMKeySize)
	if err != nil {
		return nil, err
	}
	if err := writeFileExclusive(p.path, key); err != nil {
		return nil, err
	}
	p.key = key
	return p.key, nil
}

// writeFileExclusive creates path with mode 0600, failing if it exists.
func writeFileExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// StaticKeyProvider returns a fixed key. Intended for tests.
type StaticKeyProvider []byte

// WrappingKey implements KeyProvider.
func (k StaticKeyProvider) WrappingKey() ([]byte, error) {
	if len(k) == 0 {
		return nil, ErrNoProviderKey
	}
	return k, nil
}
