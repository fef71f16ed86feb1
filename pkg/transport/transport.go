// Package transport abstracts the BLE link between the trust agent (GATT
// peripheral) and a companion device (central).
//
// The agent side consumes a Peripheral: it advertises a service, and every
// connection change and characteristic write arrives as an Event on a single
// channel. Outbound data is sent as notifications. Packets are bounded by the
// negotiated ATT MTU.
//
// Implementations:
//   - Pipe: in-memory link over pion/transport's test.Bridge, with loss
//     simulation, for tests and the simulator.
//   - Stream: BLE emulation over TCP with 2-byte length-prefixed packets,
//     advertised with mDNS.
//   - BlueZ (Linux): a real GATT server exported to BlueZ over D-Bus.
package transport

import (
	"context"

	"github.com/google/uuid"
)

const (
	// DefaultMTU is the minimum ATT MTU every BLE link supports.
	DefaultMTU = 23

	// PreferredMTU is the MTU requested by default.
	PreferredMTU = 185

	// MaxMTU is the largest ATT MTU.
	MaxMTU = 517

	// ATTHeaderSize is the ATT notification/write header overhead.
	ATTHeaderSize = 3
)

// MaxPacketSize returns the largest characteristic value for an MTU.
func MaxPacketSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu - ATTHeaderSize
}

// Peer identifies a connected central.
type Peer string

// ServiceDescriptor describes the GATT service to advertise.
type ServiceDescriptor struct {
	// Name is the local name included in advertisements.
	Name string

	// Service is the primary service UUID.
	Service uuid.UUID

	// Write is the characteristic the central writes to.
	Write uuid.UUID

	// Notify is the characteristic the peripheral notifies on.
	Notify uuid.UUID
}

// Validate checks that all UUIDs are set.
func (d ServiceDescriptor) Validate() error {
	if d.Service == uuid.Nil || d.Write == uuid.Nil || d.Notify == uuid.Nil {
		return ErrInvalidDescriptor
	}
	return nil
}

// Event is a transport occurrence delivered to the peripheral's owner.
type Event struct {
	Type EventType
	Peer Peer

	// Data is set for EventDataWritten.
	Data []byte

	// MTU is set for EventMTUChanged.
	MTU int
}

// Peripheral is the agent side of the link.
type Peripheral interface {
	// StartAdvertising makes the service connectable.
	StartAdvertising(desc ServiceDescriptor) error

	// StopAdvertising stops advertising. Existing connections are kept.
	StopAdvertising() error

	// Events returns the channel of transport events. The channel is never
	// closed; owners stop reading when they shut down.
	Events() <-chan Event

	// Send notifies the peer with one packet.
	Send(peer Peer, data []byte) error

	// Disconnect drops the connection to peer.
	Disconnect(peer Peer) error

	// MTU returns the negotiated MTU for peer.
	MTU(peer Peer) int

	// Close stops the peripheral and releases its resources.
	Close() error
}

// Central is the companion side of the link.
type Central interface {
	// Connect establishes the link and negotiates the MTU.
	Connect(ctx context.Context) error

	// Write sends one packet to the peripheral.
	Write(data []byte) error

	// Receive waits for the next notification.
	Receive(ctx context.Context) ([]byte, error)

	// MTU returns the negotiated MTU.
	MTU() int

	// Close disconnects.
	Close() error
}
