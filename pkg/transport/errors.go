package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned when there is no connection to the peer.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNotAdvertising is returned when a central connects to a peripheral
	// that is not advertising.
	ErrNotAdvertising = errors.New("transport: peripheral not advertising")

	// ErrAlreadyAdvertising is returned by StartAdvertising when advertising.
	ErrAlreadyAdvertising = errors.New("transport: already advertising")

	// ErrBusy is returned when the peripheral already has a connection.
	ErrBusy = errors.New("transport: peripheral busy")

	// ErrPacketTooLarge is returned when a packet exceeds the MTU.
	ErrPacketTooLarge = errors.New("transport: packet exceeds MTU")

	// ErrInvalidDescriptor is returned for an incomplete service descriptor.
	ErrInvalidDescriptor = errors.New("transport: invalid service descriptor")

	// ErrBlueZUnavailable is returned when no BlueZ GATT server can be used.
	ErrBlueZUnavailable = errors.New("transport: BlueZ unavailable")

	// ErrMalformedPacket is returned when a stream packet cannot be parsed.
	ErrMalformedPacket = errors.New("transport: malformed packet")
)
