package kex

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/backkem/trustagent/pkg/crypto"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	x25519MessageVersion = 1
	x25519NonceSize      = 32
	x25519KeySize        = chacha20poly1305.KeySize
	x25519UniqueSize     = 32

	// VerificationCodeDigits is the length of the human-verifiable code.
	VerificationCodeDigits = 6
)

// HKDF info labels for the derived secrets.
var (
	infoInitiatorKey = []byte("trustagent x25519 initiator key")
	infoResponderKey = []byte("trustagent x25519 responder key")
	infoUnique       = []byte("trustagent x25519 session unique")
	infoCode         = []byte("trustagent x25519 verification code")
)

type x25519Message struct {
	Version   uint8  `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
	Nonce     []byte `cbor:"3,keyasint"`
}

// X25519Suite is a reference key exchange: one ephemeral X25519 exchange in
// two messages, secrets derived with HKDF-SHA256 over the transcript, and
// ChaCha20-Poly1305 with implicit per-direction sequence numbers.
type X25519Suite struct{}

// NewInitiator implements Suite.
func (X25519Suite) NewInitiator() (Handshake, error) {
	return &x25519Handshake{role: RoleInitiator}, nil
}

// NewResponder implements Suite.
func (X25519Suite) NewResponder() (Handshake, error) {
	return &x25519Handshake{role: RoleResponder}, nil
}

// RestoreKey implements Suite.
func (X25519Suite) RestoreKey(data []byte) (SessionKey, error) {
	var rec x25519KeyRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(rec.SendKey) != x25519KeySize || len(rec.RecvKey) != x25519KeySize ||
		len(rec.Unique) != x25519UniqueSize {
		return nil, ErrInvalidKey
	}
	return &x25519Key{
		role:    Role(rec.Role),
		sendKey: rec.SendKey,
		recvKey: rec.RecvKey,
		unique:  rec.Unique,
		sendSeq: rec.SendSeq,
		recvSeq: rec.RecvSeq,
	}, nil
}

type hsState int

const (
	hsInit hsState = iota
	hsAwaitResponse
	hsVerify
	hsFinished
	hsInvalid
)

type x25519Handshake struct {
	role  Role
	state hsState

	priv []byte
	msg1 []byte
	msg2 []byte
	prk  []byte

	mu sync.Mutex
}

func (h *x25519Handshake) Role() Role { return h.role }

func (h *x25519Handshake) Start() (*Step, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleInitiator {
		return nil, ErrWrongRole
	}
	if h.state != hsInit {
		return nil, h.failLocked(ErrInvalidState)
	}

	msg, err := h.newMessageLocked()
	if err != nil {
		return nil, h.failLocked(err)
	}
	h.msg1 = msg
	h.state = hsAwaitResponse
	return &Step{State: StateInProgress, Next: msg}, nil
}

func (h *x25519Handshake) Continue(msg []byte) (*Step, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.state == hsInvalid:
		return nil, ErrInvalidated
	case h.role == RoleResponder && h.state == hsInit:
		peer, err := decodeX25519Message(msg)
		if err != nil {
			return nil, h.failLocked(err)
		}
		reply, err := h.newMessageLocked()
		if err != nil {
			return nil, h.failLocked(err)
		}
		h.msg1 = append([]byte(nil), msg...)
		h.msg2 = reply
		if err := h.agreeLocked(peer.PublicKey); err != nil {
			return nil, h.failLocked(err)
		}
		code, err := h.codeLocked()
		if err != nil {
			return nil, h.failLocked(err)
		}
		h.state = hsVerify
		return &Step{State: StateVerificationNeeded, Next: reply, VerificationCode: code}, nil

	case h.role == RoleInitiator && h.state == hsAwaitResponse:
		peer, err := decodeX25519Message(msg)
		if err != nil {
			return nil, h.failLocked(err)
		}
		h.msg2 = append([]byte(nil), msg...)
		if err := h.agreeLocked(peer.PublicKey); err != nil {
			return nil, h.failLocked(err)
		}
		code, err := h.codeLocked()
		if err != nil {
			return nil, h.failLocked(err)
		}
		h.state = hsVerify
		return &Step{State: StateVerificationNeeded, VerificationCode: code}, nil

	default:
		return nil, h.failLocked(ErrInvalidState)
	}
}

func (h *x25519Handshake) Verify() (*Step, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == hsInvalid {
		return nil, ErrInvalidated
	}
	if h.state != hsVerify {
		return nil, h.failLocked(ErrInvalidState)
	}

	initKey, err := crypto.HKDFExpandSHA256(h.prk, infoInitiatorKey, x25519KeySize)
	if err != nil {
		return nil, h.failLocked(err)
	}
	respKey, err := crypto.HKDFExpandSHA256(h.prk, infoResponderKey, x25519KeySize)
	if err != nil {
		return nil, h.failLocked(err)
	}
	unique, err := crypto.HKDFExpandSHA256(h.prk, infoUnique, x25519UniqueSize)
	if err != nil {
		return nil, h.failLocked(err)
	}

	key := &x25519Key{role: h.role, unique: unique}
	if h.role == RoleInitiator {
		key.sendKey, key.recvKey = initKey, respKey
	} else {
		key.sendKey, key.recvKey = respKey, initKey
	}

	h.wipeLocked()
	h.state = hsFinished
	return &Step{State: StateFinished, Key: key}, nil
}

func (h *x25519Handshake) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wipeLocked()
	h.state = hsInvalid
}

func (h *x25519Handshake) failLocked(err error) error {
	h.wipeLocked()
	h.state = hsInvalid
	return err
}

func (h *x25519Handshake) wipeLocked() {
	for i := range h.priv {
		h.priv[i] = 0
	}
	for i := range h.prk {
		h.prk[i] = 0
	}
	h.priv = nil
	h.prk = nil
}

// newMessageLocked generates the ephemeral key pair and encodes our message.
func (h *x25519Handshake) newMessageLocked() ([]byte, error) {
	priv, err := crypto.RandomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(x25519NonceSize)
	if err != nil {
		return nil, err
	}
	h.priv = priv
	return cbor.Marshal(&x25519Message{
		Version:   x25519MessageVersion,
		PublicKey: pub,
		Nonce:     nonce,
	})
}

// agreeLocked computes the shared secret and the transcript-bound PRK.
func (h *x25519Handshake) agreeLocked(peerPub []byte) error {
	shared, err := curve25519.X25519(h.priv, peerPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	h.prk = crypto.HKDFExtractSHA256(shared, crypto.TranscriptHash(h.msg1, h.msg2))
	for i := range shared {
		shared[i] = 0
	}
	return nil
}

func (h *x25519Handshake) codeLocked() (string, error) {
	b, err := crypto.HKDFExpandSHA256(h.prk, infoCode, 4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", VerificationCodeDigits, binary.BigEndian.Uint32(b)%1000000), nil
}

func decodeX25519Message(data []byte) (*x25519Message, error) {
	var m x25519Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Version != x25519MessageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedMessage, m.Version)
	}
	if len(m.PublicKey) != curve25519.PointSize || len(m.Nonce) != x25519NonceSize {
		return nil, ErrMalformedMessage
	}
	return &m, nil
}

type x25519KeyRecord struct {
	Role    int    `cbor:"1,keyasint"`
	SendKey []byte `cbor:"2,keyasint"`
	RecvKey []byte `cbor:"3,keyasint"`
	Unique  []byte `cbor:"4,keyasint"`
	SendSeq uint64 `cbor:"5,keyasint"`
	RecvSeq uint64 `cbor:"6,keyasint"`
}

// x25519Key is not safe for concurrent use; messages in each direction must
// be processed in order.
type x25519Key struct {
	role    Role
	sendKey []byte
	recvKey []byte
	unique  []byte
	sendSeq uint64
	recvSeq uint64

	send cipher.AEAD
	recv cipher.AEAD
}

func seqNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func (k *x25519Key) Encrypt(plaintext []byte) ([]byte, error) {
	if k.send == nil {
		aead, err := chacha20poly1305.New(k.sendKey)
		if err != nil {
			return nil, err
		}
		k.send = aead
	}
	ct := k.send.Seal(nil, seqNonce(k.sendSeq), plaintext, nil)
	k.sendSeq++
	return ct, nil
}

func (k *x25519Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.recv == nil {
		aead, err := chacha20poly1305.New(k.recvKey)
		if err != nil {
			return nil, err
		}
		k.recv = aead
	}
	pt, err := k.recv.Open(nil, seqNonce(k.recvSeq), ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	k.recvSeq++
	return pt, nil
}

func (k *x25519Key) Unique() []byte {
	return append([]byte(nil), k.unique...)
}

func (k *x25519Key) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(&x25519KeyRecord{
		Role:    int(k.role),
		SendKey: k.sendKey,
		RecvKey: k.recvKey,
		Unique:  k.unique,
		SendSeq: k.sendSeq,
		RecvSeq: k.recvSeq,
	})
}
