// Package authz defines the authorization delegate: the OS subsystem that
// accepts escrow tokens in place of a password and unlocks user sessions.
package authz

import "errors"

// Errors returned by delegates.
var (
	ErrUnknownHandle = errors.New("authz: unknown escrow token handle")
	ErrTokenInactive = errors.New("authz: escrow token not active")
	ErrTokenMismatch = errors.New("authz: escrow token does not match handle")
	ErrWrongUser     = errors.New("authz: handle belongs to another user")
)

// ActivationFunc is called when a previously added escrow token becomes
// active. It may be called from any goroutine.
type ActivationFunc func(handle uint64, userID int)

// Delegate is the authorization subsystem consumed by the trust agent.
type Delegate interface {
	// AddEscrowToken registers a token for userID and returns its handle.
	// Activation is reported later through the activation listener.
	AddEscrowToken(token []byte, userID int) (uint64, error)

	// RemoveEscrowToken removes a token.
	RemoveEscrowToken(handle uint64, userID int) error

	// IsEscrowTokenActive reports activation asynchronously.
	IsEscrowTokenActive(handle uint64, userID int, result func(active bool))

	// SetActivationListener sets the function receiving activations.
	SetActivationListener(fn ActivationFunc)

	// OnUnlockDataReceived unlocks userID with the token bound to handle.
	OnUnlockDataReceived(userID int, token []byte, handle uint64) error
}
