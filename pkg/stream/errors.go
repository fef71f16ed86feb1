package stream

import "errors"

// Errors returned by the stream package.
var (
	// ErrOutOfOrder is returned when a frame does not continue the message
	// being reassembled.
	ErrOutOfOrder = errors.New("stream: frame out of order")

	// ErrDuplicateFrame is returned for a retransmission of the frame that
	// was last written. The frame must be acknowledged again but not stored.
	ErrDuplicateFrame = errors.New("stream: duplicate frame")

	// ErrInconsistentFrame is returned when a frame disagrees with earlier
	// frames of the same message about its total, operation or encryption.
	ErrInconsistentFrame = errors.New("stream: frame inconsistent with message")

	// ErrAlreadyComplete is returned when writing to a completed message
	// without a Reset.
	ErrAlreadyComplete = errors.New("stream: message already complete")

	// ErrMessageTooLarge is returned when reassembly would exceed the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("stream: reassembled message too large")

	// ErrTooManyFrames is returned when a payload would need more frames
	// than a packet number can express.
	ErrTooManyFrames = errors.New("stream: payload needs too many frames")

	// ErrRetriesExhausted is returned when a frame was not acknowledged after
	// the maximum number of retransmissions. It is terminal for the stream.
	ErrRetriesExhausted = errors.New("stream: max retransmissions exceeded")

	// ErrUnexpectedAck is returned for an ACK that does not match the
	// outstanding frame.
	ErrUnexpectedAck = errors.New("stream: unexpected ack")

	// ErrSenderClosed is returned when sending on a cancelled Sender.
	ErrSenderClosed = errors.New("stream: sender closed")
)
