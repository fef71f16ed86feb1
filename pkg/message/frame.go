package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is one transport unit. A message larger than the negotiated frame
// size is carried by TotalPackets frames numbered 1..TotalPackets.
type Frame struct {
	Version      uint8     `cbor:"1,keyasint"`
	Operation    Operation `cbor:"2,keyasint"`
	PacketNumber uint32    `cbor:"3,keyasint"`
	TotalPackets uint32    `cbor:"4,keyasint"`
	Encrypted    bool      `cbor:"5,keyasint,omitempty"`
	Payload      []byte    `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewAck returns the acknowledgement for the given frame.
func NewAck(acked Frame) Frame {
	return Frame{
		Version:      FrameVersion,
		Operation:    OperationAck,
		PacketNumber: acked.PacketNumber,
		TotalPackets: acked.TotalPackets,
	}
}

// IsSingle reports whether the frame carries a complete message on its own.
// Single-frame messages are never acknowledged.
func (f *Frame) IsSingle() bool {
	return f.PacketNumber == 1 && f.TotalPackets == 1
}

// IsLast reports whether this frame completes its message.
func (f *Frame) IsLast() bool {
	return f.PacketNumber == f.TotalPackets
}

// Validate checks the frame invariants.
func (f *Frame) Validate() error {
	if f.Version != FrameVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, f.Version)
	}
	if !f.Operation.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidOperation, f.Operation)
	}
	if f.PacketNumber < 1 || f.PacketNumber > f.TotalPackets {
		return fmt.Errorf("%w: %d/%d", ErrInvalidPacketNumber, f.PacketNumber, f.TotalPackets)
	}
	if f.Operation == OperationAck && len(f.Payload) > 0 {
		return ErrAckWithPayload
	}
	return nil
}

// Encode returns the wire encoding of the frame.
func (f *Frame) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(f)
}

// DecodeFrame parses and validates a frame received from the transport.
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := decMode.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// byteStringHeadSize returns the size of the CBOR head announcing a byte
// string of length n.
func byteStringHeadSize(n int) int {
	switch {
	case n < 24:
		return 1
	case n <= 0xff:
		return 2
	case n <= 0xffff:
		return 3
	case uint64(n) <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// EncodedSize returns the exact wire size of a frame with the given header
// fields carrying a payload of payloadLen bytes. PacketNumber is taken as
// totalPackets, which bounds the size of every frame of the message.
func EncodedSize(op Operation, encrypted bool, totalPackets uint32, payloadLen int) int {
	tmpl := Frame{
		Version:      FrameVersion,
		Operation:    op,
		PacketNumber: totalPackets,
		TotalPackets: totalPackets,
		Encrypted:    encrypted,
	}
	if payloadLen > 0 {
		tmpl.Payload = []byte{0}
	}
	b, err := encMode.Marshal(&tmpl)
	if err != nil {
		// Only reachable for invalid template values.
		return 0
	}
	size := len(b)
	if payloadLen > 1 {
		size += payloadLen - 1 + byteStringHeadSize(payloadLen) - byteStringHeadSize(1)
	}
	return size
}

// HeaderSize returns the frame overhead for a payload of payloadLen bytes:
// version tag, packet number and total fields, operation tag, the optional
// encrypted flag and the payload's length head.
func HeaderSize(op Operation, encrypted bool, totalPackets uint32, payloadLen int) int {
	return EncodedSize(op, encrypted, totalPackets, payloadLen) - payloadLen
}

// PayloadCapacity returns the largest payload that fits a frame of at most
// maxFrameSize bytes for a message of totalPackets frames.
func PayloadCapacity(maxFrameSize int, op Operation, encrypted bool, totalPackets uint32) (int, error) {
	// base is everything except the payload head and payload bytes.
	base := EncodedSize(op, encrypted, totalPackets, 1) - 1 - byteStringHeadSize(1)
	for _, head := range []int{1, 2, 3, 5, 9} {
		n := maxFrameSize - base - head
		if n <= 0 {
			break
		}
		if byteStringHeadSize(n) <= head {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooSmall, maxFrameSize)
}
