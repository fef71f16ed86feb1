package trust

import (
	"errors"
	"fmt"
)

// Trust agent errors.
var (
	// Agent lifecycle
	ErrNotStarted     = errors.New("trust: agent not started")
	ErrClosed         = errors.New("trust: agent closed")
	ErrModeActive     = errors.New("trust: another mode is active")
	ErrInvalidConfig  = errors.New("trust: invalid configuration")
	ErrNotEnrolled    = errors.New("trust: device not enrolled")
	ErrDisconnected   = errors.New("trust: peer disconnected")
	ErrAgentStopped   = errors.New("trust: flow stopped")
	ErrNoVerification = errors.New("trust: no verification pending")

	// Protocol
	ErrInvalidDeviceID     = errors.New("trust: invalid device id")
	ErrUnknownDevice       = errors.New("trust: no session key stored for device")
	ErrUnexpectedMessage   = errors.New("trust: unexpected message for state")
	ErrInvalidTransition   = errors.New("trust: invalid state transition")
	ErrHandshakeIncomplete = errors.New("trust: key exchange did not finish")
	ErrAuthentication      = errors.New("trust: resumption authentication failed")
	ErrHandleMismatch      = errors.New("trust: credentials handle does not match device")
	ErrDataAfterComplete   = errors.New("trust: data received after flow completed")
	ErrInvalidMAC          = errors.New("trust: resumption MAC must be 32 bytes")
)

// Error is a classified protocol failure on one connection.
type Error struct {
	Kind  Kind
	Flow  Flow
	State string
	Err   error
}

func (e *Error) Error() string {
	if e.State == "" {
		return fmt.Sprintf("trust: %s: %s: %v", e.Flow, e.Kind, e.Err)
	}
	return fmt.Sprintf("trust: %s[%s]: %s: %v", e.Flow, e.State, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// flowError builds an *Error; an *Error passed as err keeps its own kind.
func flowError(kind Kind, flow Flow, state fmt.Stringer, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	e := &Error{Kind: kind, Flow: flow, Err: err}
	if state != nil {
		e.State = state.String()
	}
	return e
}
