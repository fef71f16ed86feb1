package message

import "errors"

// Message layer errors.
var (
	// Frame errors
	ErrMalformedFrame      = errors.New("message: malformed frame")
	ErrInvalidVersion      = errors.New("message: unsupported frame version")
	ErrInvalidOperation    = errors.New("message: invalid operation")
	ErrInvalidPacketNumber = errors.New("message: packet number outside 1..total")
	ErrFrameTooSmall       = errors.New("message: max frame size leaves no room for payload")
	ErrAckWithPayload      = errors.New("message: ACK frame must not carry a payload")

	// Application message errors
	ErrMalformedMessage = errors.New("message: malformed message")
	ErrInvalidHandle    = errors.New("message: handle must be 8 bytes")
)

// Wire constants.
const (
	// FrameVersion is the only frame format version produced and accepted.
	FrameVersion uint8 = 1

	// HandleSize is the encoded size of an escrow token handle.
	HandleSize = 8
)
