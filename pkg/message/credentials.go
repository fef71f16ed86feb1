package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Credentials is the unlock payload. It only ever travels encrypted inside
// an OperationMessage frame after the handshake completes.
type Credentials struct {
	Handle      []byte `cbor:"1,keyasint"`
	EscrowToken []byte `cbor:"2,keyasint"`
}

// Encode returns the wire encoding.
func (c *Credentials) Encode() ([]byte, error) {
	return encMode.Marshal(c)
}

// DecodeCredentials parses a credentials payload.
func DecodeCredentials(data []byte) (*Credentials, error) {
	c := &Credentials{}
	if err := decMode.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: credentials: %v", ErrMalformedMessage, err)
	}
	if len(c.Handle) != HandleSize || len(c.EscrowToken) == 0 {
		return nil, fmt.Errorf("%w: credentials missing handle or token", ErrMalformedMessage)
	}
	return c, nil
}

// EncodeHandle encodes an escrow token handle as 8 big-endian bytes.
func EncodeHandle(handle uint64) []byte {
	b := make([]byte, HandleSize)
	binary.BigEndian.PutUint64(b, handle)
	return b
}

// DecodeHandle is the inverse of EncodeHandle.
func DecodeHandle(b []byte) (uint64, error) {
	if len(b) != HandleSize {
		return 0, ErrInvalidHandle
	}
	return binary.BigEndian.Uint64(b), nil
}

var appAck = []byte("ACK")

// AppAck returns the application-level acknowledgement payload.
func AppAck() []byte {
	return append([]byte(nil), appAck...)
}

// IsAppAck reports whether payload is an application-level acknowledgement.
func IsAppAck(payload []byte) bool {
	return bytes.Equal(payload, appAck)
}
