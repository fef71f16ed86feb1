package transport

// EventType identifies a transport event.
type EventType int

const (
	// EventUnknown is the zero value.
	EventUnknown EventType = iota
	// EventConnected is emitted when a central connects.
	EventConnected
	// EventDisconnected is emitted when a central disconnects.
	EventDisconnected
	// EventDataWritten is emitted when a central writes a packet.
	EventDataWritten
	// EventMTUChanged is emitted when the MTU for a peer is negotiated.
	EventMTUChanged
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventDataWritten:
		return "DataWritten"
	case EventMTUChanged:
		return "MTUChanged"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the event type is a known valid type.
func (t EventType) IsValid() bool {
	return t >= EventConnected && t <= EventMTUChanged
}
