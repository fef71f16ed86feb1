package stream

import (
	"fmt"

	"github.com/backkem/trustagent/pkg/message"
)

// Reassembler accumulates the frames of one message in arrival order.
//
// Not safe for concurrent use; it is owned by a single connection.
type Reassembler struct {
	maxSize int

	buf       []byte
	total     uint32
	last      uint32
	op        message.Operation
	encrypted bool
	complete  bool
}

// NewReassembler creates a reassembler bounded to maxMessageSize bytes.
// A non-positive size selects DefaultMaxMessageSize.
func NewReassembler(maxMessageSize int) *Reassembler {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Reassembler{maxSize: maxMessageSize}
}

// Write appends the frame's payload. Complete becomes true exactly when the
// frame with PacketNumber == TotalPackets has been written.
func (r *Reassembler) Write(f *message.Frame) error {
	if r.complete {
		return ErrAlreadyComplete
	}

	if r.last == 0 {
		if f.PacketNumber != 1 {
			return fmt.Errorf("%w: got packet %d, want 1", ErrOutOfOrder, f.PacketNumber)
		}
		r.total = f.TotalPackets
		r.op = f.Operation
		r.encrypted = f.Encrypted
	} else {
		if f.TotalPackets != r.total || f.Operation != r.op || f.Encrypted != r.encrypted {
			return ErrInconsistentFrame
		}
		if f.PacketNumber == r.last {
			return ErrDuplicateFrame
		}
		if f.PacketNumber != r.last+1 {
			return fmt.Errorf("%w: got packet %d, want %d", ErrOutOfOrder, f.PacketNumber, r.last+1)
		}
	}

	if len(r.buf)+len(f.Payload) > r.maxSize {
		return fmt.Errorf("%w: limit %d bytes", ErrMessageTooLarge, r.maxSize)
	}

	r.buf = append(r.buf, f.Payload...)
	r.last = f.PacketNumber
	r.complete = f.PacketNumber == f.TotalPackets
	return nil
}

// Complete reports whether the final frame has been written.
func (r *Reassembler) Complete() bool {
	return r.complete
}

// Message returns a copy of the reassembled bytes.
func (r *Reassembler) Message() []byte {
	return append([]byte(nil), r.buf...)
}

// Operation returns the operation of the message being reassembled.
func (r *Reassembler) Operation() message.Operation {
	return r.op
}

// Encrypted reports whether the message payload is encrypted.
func (r *Reassembler) Encrypted() bool {
	return r.encrypted
}

// Reset clears all buffered bytes and the completion flag. It must be called
// before the reassembler is reused for a new message.
func (r *Reassembler) Reset() {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.buf = r.buf[:0]
	r.total = 0
	r.last = 0
	r.op = message.OperationUnknown
	r.encrypted = false
	r.complete = false
}
