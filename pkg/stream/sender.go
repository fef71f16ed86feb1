package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/trustagent/pkg/message"
	"github.com/pion/logging"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Params Params

	// MaxFrameSize is the largest encoded frame the transport accepts.
	MaxFrameSize int

	// Write sends one encoded frame. It is called with the sender's lock
	// held and must not call back into the Sender.
	Write func([]byte) error

	// Notify, when set, receives retransmit timer expirations. The owner must
	// call HandleTimeout(token) from its own goroutine. When nil the timer
	// goroutine calls HandleTimeout directly.
	Notify func(token uint64)

	// OnFailure is called when a retransmission fails outside of a caller's
	// control (only when Notify is nil).
	OnFailure func(error)

	LoggerFactory logging.LoggerFactory
}

type outbound struct {
	op        message.Operation
	payload   []byte
	encrypted bool

	frames []message.Frame
	next   int
}

// Sender sends messages frame by frame with ACK-based flow control.
//
// At most one frame is unacknowledged at a time. Messages are sent in the
// order they were enqueued.
//
// Thread-safe for concurrent access.
type Sender struct {
	params       Params
	maxFrameSize int
	write        func([]byte) error
	notify       func(uint64)
	onFailure    func(error)

	queue []*outbound

	outstanding *message.Frame
	encoded     []byte
	sendCount   int
	timer       *time.Timer
	token       uint64
	closed      bool

	log logging.LeveledLogger
	mu  sync.Mutex
}

// NewSender creates a sender.
func NewSender(config SenderConfig) *Sender {
	s := &Sender{
		params:       config.Params.withDefaults(),
		maxFrameSize: config.MaxFrameSize,
		write:        config.Write,
		notify:       config.Notify,
		onFailure:    config.OnFailure,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("stream")
	}
	return s
}

// Enqueue queues a message for sending. If the sender is idle the first frame
// is written before Enqueue returns.
func (s *Sender) Enqueue(op message.Operation, payload []byte, encrypted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}
	s.queue = append(s.queue, &outbound{
		op:        op,
		payload:   append([]byte(nil), payload...),
		encrypted: encrypted,
	})
	return s.pumpLocked()
}

// pumpLocked writes frames until one needs an ACK or the queue is empty.
func (s *Sender) pumpLocked() error {
	for s.outstanding == nil && len(s.queue) > 0 {
		head := s.queue[0]
		if head.frames == nil {
			frames, err := Split(head.payload, head.op, s.maxFrameSize, head.encrypted)
			if err != nil {
				s.queue = s.queue[1:]
				return err
			}
			head.frames = frames
		}

		f := head.frames[head.next]
		data, err := f.Encode()
		if err != nil {
			s.queue = s.queue[1:]
			return err
		}
		if err := s.write(data); err != nil {
			return err
		}

		if f.IsSingle() {
			s.queue = s.queue[1:]
			continue
		}

		s.outstanding = &f
		s.encoded = data
		s.sendCount = 1
		s.armLocked()
	}
	return nil
}

func (s *Sender) armLocked() {
	s.stopTimerLocked()
	s.token++
	token := s.token
	s.timer = time.AfterFunc(s.params.RetransmitDelay, func() {
		if s.notify != nil {
			s.notify(token)
			return
		}
		if err := s.HandleTimeout(token); err != nil && s.onFailure != nil {
			s.onFailure(err)
		}
	})
}

func (s *Sender) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// HandleAck processes an ACK frame. The ACK must name the outstanding frame.
// On a match the next frame, if any, is written.
func (s *Sender) HandleAck(ack *message.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding == nil ||
		ack.PacketNumber != s.outstanding.PacketNumber ||
		ack.TotalPackets != s.outstanding.TotalPackets {
		return fmt.Errorf("%w: %d/%d", ErrUnexpectedAck, ack.PacketNumber, ack.TotalPackets)
	}

	s.stopTimerLocked()
	s.outstanding = nil
	s.encoded = nil
	s.sendCount = 0

	head := s.queue[0]
	head.next++
	if head.next >= len(head.frames) {
		s.queue = s.queue[1:]
	}
	return s.pumpLocked()
}

// HandleTimeout retransmits the outstanding frame. Stale tokens from timers
// that were superseded or stopped are ignored. ErrRetriesExhausted is
// returned once the frame was retransmitted MaxRetransmissions times; the
// sender is closed at that point.
func (s *Sender) HandleTimeout(token uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.outstanding == nil || token != s.token {
		return nil
	}

	if s.sendCount > s.params.MaxRetransmissions {
		if s.log != nil {
			s.log.Warnf("frame %d/%d not acknowledged after %d attempts",
				s.outstanding.PacketNumber, s.outstanding.TotalPackets, s.sendCount)
		}
		s.closeLocked()
		return ErrRetriesExhausted
	}

	if s.log != nil {
		s.log.Debugf("retransmitting frame %d/%d (attempt %d)",
			s.outstanding.PacketNumber, s.outstanding.TotalPackets, s.sendCount+1)
	}
	if err := s.write(s.encoded); err != nil {
		s.closeLocked()
		return err
	}
	s.sendCount++
	s.armLocked()
	return nil
}

// SetMaxFrameSize changes the frame size for messages not yet started.
func (s *Sender) SetMaxFrameSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFrameSize = n
}

// Idle reports whether there is nothing queued or awaiting an ACK.
func (s *Sender) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding == nil && len(s.queue) == 0
}

// Cancel stops the retransmit timer and drops all queued messages. The
// sender cannot be used afterwards.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Sender) closeLocked() {
	s.stopTimerLocked()
	s.closed = true
	s.queue = nil
	s.outstanding = nil
	s.encoded = nil
}
