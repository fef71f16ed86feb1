//go:build linux

package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/backkem/trustagent/pkg/crypto"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
)

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// TPMKeyProvider keeps the wrapping key sealed to the TPM's storage
// hierarchy. The sealed blob is stored at BlobPath and can only be unsealed
// by the same TPM.
type TPMKeyProvider struct {
	devicePath string
	blobPath   string

	mu  sync.Mutex
	key []byte
}

// NewTPMKeyProvider returns a provider using the TPM at devicePath (or the
// first available default device when empty) and the sealed blob at
// blobPath.
func NewTPMKeyProvider(devicePath, blobPath string) (*TPMKeyProvider, error) {
	if devicePath == "" {
		for _, p := range tpmDevicePaths {
			if _, err := os.Stat(p); err == nil {
				devicePath = p
				break
			}
		}
	}
	if devicePath == "" {
		return nil, ErrTPMUnavailable
	}
	return &TPMKeyProvider{devicePath: devicePath, blobPath: blobPath}, nil
}

// WrappingKey implements KeyProvider.
func (p *TPMKeyProvider) WrappingKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	t, err := linuxtpm.Open(p.devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTPMUnavailable, p.devicePath, err)
	}
	defer t.Close()

	blob, err := os.ReadFile(p.blobPath)
	switch {
	case err == nil:
		key, err := tpmUnseal(t, blob)
		if err != nil {
			return nil, err
		}
		p.key = key
		return p.key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read sealed key: %w", err)
	}

	key, err := crypto.RandomBytes(crypto.AESGCMKeySize)
	if err != nil {
		return nil, err
	}
	blob, err = tpmSeal(t, key)
	if err != nil {
		return nil, err
	}
	if err := writeFileExclusive(p.blobPath, blob); err != nil {
		return nil, err
	}
	p.key = key
	return p.key, nil
}

// tpmCreateSRK creates the storage root key under the owner hierarchy.
func tpmCreateSRK(t transport.TPM) (tpm2.TPMHandle, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					Symmetric: tpm2.TPMTSymDefObject{
						Algorithm: tpm2.TPMAlgAES,
						KeyBits: tpm2.NewTPMUSymKeyBits(
							tpm2.TPMAlgAES,
							tpm2.TPMKeyBits(128),
						),
						Mode: tpm2.NewTPMUSymMode(
							tpm2.TPMAlgAES,
							tpm2.TPMAlgCFB,
						),
					},
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}

	rsp, err := createPrimaryCmd.Execute(t)
	if err != nil {
		return 0, fmt.Errorf("tpm: CreatePrimary failed: %w", err)
	}
	return rsp.ObjectHandle, nil
}

// tpmSeal seals data under the SRK. The blob format is
// len(pub) || pub || len(priv) || priv.
func tpmSeal(t transport.TPM, data []byte) ([]byte, error) {
	srk, err := tpmCreateSRK(t)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext{FlushHandle: srk}.Execute(t)

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: true,
				NoDA:         true,
			},
		}),
	}

	rsp, err := createCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: Create failed: %w", err)
	}

	pub := rsp.OutPublic.Bytes()
	priv := rsp.OutPrivate.Buffer

	sealed := make([]byte, 4+len(pub)+4+len(priv))
	binary.BigEndian.PutUint32(sealed[0:4], uint32(len(pub)))
	copy(sealed[4:], pub)
	offset := 4 + len(pub)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(priv)))
	copy(sealed[offset+4:], priv)
	return sealed, nil
}

func tpmUnseal(t transport.TPM, sealed []byte) ([]byte, error) {
	if len(sealed) < 8 {
		return nil, errors.New("tpm: sealed data too short")
	}
	pubLen := binary.BigEndian.Uint32(sealed[0:4])
	if uint64(len(sealed)) < 4+uint64(pubLen)+4 {
		return nil, errors.New("tpm: sealed data corrupted")
	}
	pub := sealed[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(sealed[offset : offset+4])
	if uint64(len(sealed)) < uint64(offset)+4+uint64(privLen) {
		return nil, errors.New("tpm: sealed data corrupted")
	}
	priv := sealed[offset+4 : offset+4+privLen]

	srk, err := tpmCreateSRK(t)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext{FlushHandle: srk}.Execute(t)

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  tpm2.BytesAs2B[tpm2.TPMTPublic](pub),
		InPrivate: tpm2.TPM2BPrivate{Buffer: priv},
	}
	loadRsp, err := loadCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: Load failed: %w", err)
	}
	defer tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}.Execute(t)

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
	}
	unsealRsp, err := unsealCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: Unseal failed: %w", err)
	}
	return unsealRsp.OutData.Buffer, nil
}
