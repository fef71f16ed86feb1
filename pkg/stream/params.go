// Package stream carries opaque messages over a transport whose packets are
// bounded by a small negotiated frame size.
//
// A message is split into consecutively numbered frames (Split). A message
// that fits a single frame is sent as frame 1/1 and is never acknowledged.
// Larger messages are sent one frame at a time: the Sender waits for an ACK
// frame naming the outstanding packet before moving on, retransmits the same
// frame after RetransmitDelay, and gives up after MaxRetransmissions. The
// receiving side feeds frames to a Receiver, which reassembles them and
// produces the ACKs.
package stream

import "time"

const (
	// DefaultRetransmitDelay is how long the Sender waits for an ACK before
	// retransmitting the outstanding frame.
	DefaultRetransmitDelay = time.Second

	// DefaultMaxRetransmissions bounds retransmissions of one frame. With the
	// initial transmission this gives five attempts in total.
	DefaultMaxRetransmissions = 4

	// DefaultMaxMessageSize bounds a reassembled message.
	DefaultMaxMessageSize = 512 * 1024
)

// Params configures framing flow control.
type Params struct {
	// RetransmitDelay is the fixed delay before an unacknowledged frame is
	// sent again.
	RetransmitDelay time.Duration

	// MaxRetransmissions is the number of retransmissions of a single frame
	// after which the send is aborted.
	MaxRetransmissions int

	// MaxMessageSize bounds the size of an inbound reassembled message.
	MaxMessageSize int
}

// DefaultParams returns the default framing parameters.
func DefaultParams() Params {
	return Params{
		RetransmitDelay:    DefaultRetransmitDelay,
		MaxRetransmissions: DefaultMaxRetransmissions,
		MaxMessageSize:     DefaultMaxMessageSize,
	}
}

// withDefaults fills zero fields.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.RetransmitDelay <= 0 {
		p.RetransmitDelay = d.RetransmitDelay
	}
	if p.MaxRetransmissions <= 0 {
		p.MaxRetransmissions = d.MaxRetransmissions
	}
	if p.MaxMessageSize <= 0 {
		p.MaxMessageSize = d.MaxMessageSize
	}
	return p
}
