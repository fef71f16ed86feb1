// Package message defines the wire messages exchanged between the agent and
// a companion device: the transport Frame, the VersionExchange preamble and
// the Credentials carried by an unlock.
//
// All messages are encoded as CBOR maps keyed by small integers. Zero-valued
// optional fields (the encrypted flag, an empty payload) are omitted from the
// encoding so a single frame stays as small as possible on a constrained link.
package message

// Operation identifies what a Frame carries.
type Operation uint8

const (
	// OperationUnknown is the zero value and never valid on the wire.
	OperationUnknown Operation = 0

	// OperationAck acknowledges one frame of a multi-frame message.
	// The payload is empty and PacketNumber names the acknowledged frame.
	OperationAck Operation = 1

	// OperationHandshake carries key-exchange and resumption messages.
	OperationHandshake Operation = 2

	// OperationMessage carries application data.
	OperationMessage Operation = 3
)

// String returns a human-readable name for the operation.
func (o Operation) String() string {
	switch o {
	case OperationAck:
		return "ACK"
	case OperationHandshake:
		return "HANDSHAKE"
	case OperationMessage:
		return "MESSAGE"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is a defined value.
func (o Operation) IsValid() bool {
	return o >= OperationAck && o <= OperationMessage
}
