// Package kex defines the key-exchange capability consumed by the trust
// agent.
//
// The handshake cryptography is an external, separately reviewed primitive.
// The agent only drives it through Handshake and uses the resulting
// SessionKey. X25519Suite is a reference implementation for development
// and tests.
package kex

import "errors"

// Role identifies which side of the handshake a participant plays.
type Role int

const (
	// RoleInitiator starts the handshake (the companion device).
	RoleInitiator Role = iota
	// RoleResponder answers the handshake (the trust agent).
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// State is the handshake state reported after each step.
type State int

const (
	StateInProgress         State = iota // more messages are expected
	StateVerificationNeeded              // both sides must confirm the code
	StateFinished                        // session key available
	StateInvalid                         // handshake failed or was invalidated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInProgress:
		return "InProgress"
	case StateVerificationNeeded:
		return "VerificationNeeded"
	case StateFinished:
		return "Finished"
	case StateInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Step is the outcome of a handshake operation.
type Step struct {
	State State

	// Next is the message to send to the peer, if any.
	Next []byte

	// VerificationCode is set once the state reaches VerificationNeeded.
	VerificationCode string

	// Key is set once the state reaches Finished.
	Key SessionKey
}

// Handshake drives one key exchange.
type Handshake interface {
	// Role returns the participant role.
	Role() Role

	// Start produces the first message. Only valid for initiators.
	Start() (*Step, error)

	// Continue consumes a peer message.
	Continue(msg []byte) (*Step, error)

	// Verify confirms the verification code and derives the session key.
	Verify() (*Step, error)

	// Invalidate aborts the handshake and wipes its secrets.
	Invalidate()
}

// SessionKey protects messages once a handshake completes.
type SessionKey interface {
	// Encrypt seals a message for the peer.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens a message from the peer.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Unique returns bytes unique to this session, identical on both sides.
	// They feed the resumption check of the next session.
	Unique() []byte

	// MarshalBinary serializes the key for persistence.
	MarshalBinary() ([]byte, error)
}

// Suite creates handshakes and restores persisted keys.
type Suite interface {
	NewInitiator() (Handshake, error)
	NewResponder() (Handshake, error)
	RestoreKey(data []byte) (SessionKey, error)
}

// Errors returned by kex implementations.
var (
	ErrInvalidState     = errors.New("kex: invalid handshake state")
	ErrWrongRole        = errors.New("kex: operation not valid for role")
	ErrMalformedMessage = errors.New("kex: malformed handshake message")
	ErrInvalidated      = errors.New("kex: handshake invalidated")
	ErrDecrypt          = errors.New("kex: message authentication failed")
	ErrInvalidKey       = errors.New("kex: invalid session key")
)
