package stream

import (
	"errors"

	"github.com/backkem/trustagent/pkg/message"
)

// Message is a fully reassembled inbound message.
type Message struct {
	Operation message.Operation
	Encrypted bool
	Payload   []byte
}

// Receiver turns inbound data frames into messages and produces the ACKs
// for multi-frame messages.
//
// Not safe for concurrent use.
type Receiver struct {
	r *Reassembler

	// lastDone is the final frame of the previous multi-frame message. If its
	// ACK was lost the sender retransmits it after we already reset.
	lastDone    message.Frame
	hasLastDone bool
}

// NewReceiver creates a receiver with the given message size limit.
func NewReceiver(maxMessageSize int) *Receiver {
	return &Receiver{r: NewReassembler(maxMessageSize)}
}

// Receive processes one data frame (HANDSHAKE or MESSAGE).
//
// ack is non-nil when the frame belongs to a multi-frame message and must be
// acknowledged, including retransmitted duplicates. msg is non-nil once the
// message is complete. A non-nil error is a framing error for the connection.
func (rc *Receiver) Receive(f *message.Frame) (msg *Message, ack *message.Frame, err error) {
	if !f.IsSingle() {
		a := message.NewAck(*f)
		ack = &a
	}

	if rc.hasLastDone && rc.r.last == 0 && sameHeader(&rc.lastDone, f) {
		return nil, ack, nil
	}

	if err := rc.r.Write(f); err != nil {
		if errors.Is(err, ErrDuplicateFrame) {
			return nil, ack, nil
		}
		return nil, nil, err
	}

	if !rc.r.Complete() {
		return nil, ack, nil
	}

	msg = &Message{
		Operation: rc.r.Operation(),
		Encrypted: rc.r.Encrypted(),
		Payload:   rc.r.Message(),
	}
	rc.hasLastDone = !f.IsSingle()
	if rc.hasLastDone {
		rc.lastDone = message.Frame{
			Version:      f.Version,
			Operation:    f.Operation,
			PacketNumber: f.PacketNumber,
			TotalPackets: f.TotalPackets,
			Encrypted:    f.Encrypted,
		}
	}
	rc.r.Reset()
	return msg, ack, nil
}

// Reset discards any partial message and duplicate-tracking state.
func (rc *Receiver) Reset() {
	rc.r.Reset()
	rc.hasLastDone = false
	rc.lastDone = message.Frame{}
}

func sameHeader(a, b *message.Frame) bool {
	return a.Operation == b.Operation &&
		a.PacketNumber == b.PacketNumber &&
		a.TotalPackets == b.TotalPackets &&
		a.Encrypted == b.Encrypted
}
