package companion

import "errors"

// Errors returned by the companion client.
var (
	ErrInvalidConfig        = errors.New("companion: invalid configuration")
	ErrRejected             = errors.New("companion: verification code rejected")
	ErrUnexpectedMessage    = errors.New("companion: unexpected message")
	ErrServerAuthentication = errors.New("companion: agent failed resumption authentication")
	ErrNoAppAck             = errors.New("companion: agent did not acknowledge")
	ErrNotEnrolled          = errors.New("companion: no enrollment for agent")
)
