package stream

import (
	"math"

	"github.com/backkem/trustagent/pkg/message"
)

// Split cuts payload into frames no larger than maxFrameSize once encoded.
//
// The per-frame capacity is maxFrameSize minus the exact frame overhead.
// Because the overhead grows with the number of frames, the capacity is
// recomputed until the frame count is stable.
func Split(payload []byte, op message.Operation, maxFrameSize int, encrypted bool) ([]message.Frame, error) {
	total := uint32(1)
	var capacity int
	var needed uint64
	for {
		var err error
		capacity, err = message.PayloadCapacity(maxFrameSize, op, encrypted, total)
		if err != nil {
			return nil, err
		}
		needed = (uint64(len(payload)) + uint64(capacity) - 1) / uint64(capacity)
		if needed == 0 {
			needed = 1
		}
		if needed > math.MaxUint32 {
			return nil, ErrTooManyFrames
		}
		if uint32(needed) <= total {
			break
		}
		total = uint32(needed)
	}

	count := uint32(needed)
	frames := make([]message.Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		start := int(i) * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}
		var chunk []byte
		if end > start {
			chunk = append([]byte(nil), payload[start:end]...)
		}
		frames = append(frames, message.Frame{
			Version:      message.FrameVersion,
			Operation:    op,
			PacketNumber: i + 1,
			TotalPackets: count,
			Encrypted:    encrypted,
			Payload:      chunk,
		})
	}
	return frames, nil
}
