// Package crypto provides the symmetric primitives shared by the trust agent:
// HKDF-SHA256, a length-prefixed transcript hash, constant-time MAC comparison
// and AES-GCM sealing for small persisted blobs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const (
	// AESGCMKeySize is the AES-256 key size in bytes.
	AESGCMKeySize = 32

	// AESGCMNonceSize is the standard 96-bit GCM nonce size.
	AESGCMNonceSize = 12

	// AESGCMTagSize is the authentication tag size. 128-bit tags are required
	// for persisted key material.
	AESGCMTagSize = 16
)

// Errors
var (
	ErrAESGCMInvalidKeySize   = errors.New("aesgcm: invalid key size, must be 32 bytes")
	ErrAESGCMInvalidNonceSize = errors.New("aesgcm: invalid nonce size, must be 12 bytes")
	ErrAESGCMAuthFailed       = errors.New("aesgcm: message authentication failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESGCMKeySize {
		return nil, ErrAESGCMInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, AESGCMTagSize)
}

// AESGCMSeal encrypts plaintext under key with a fresh random nonce.
// Returns the ciphertext (with appended tag) and the nonce; both must be
// stored to decrypt later.
func AESGCMSeal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, AESGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// AESGCMOpen decrypts and authenticates ciphertext produced by AESGCMSeal.
func AESGCMOpen(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AESGCMNonceSize {
		return nil, ErrAESGCMInvalidNonceSize
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAESGCMAuthFailed
	}
	return plaintext, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
