package trust

import (
	"errors"
	"fmt"

	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/stream"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/backkem/trustagent/pkg/version"
)

// flow is the protocol running on a connection.
type flow interface {
	kind() Flow
	state() fmt.Stringer

	// handleMessage consumes one complete inbound message.
	handleMessage(msg *stream.Message) error

	// complete reports whether the flow reached its terminal state.
	complete() bool

	// abort releases flow state after a failure or disconnect. It is called
	// at most once and never after complete returned true.
	abort(cause *Error)
}

// conn is the per-connection state. It lives from Connected until the
// connection is torn down and is only touched by the actor.
type conn struct {
	a        *Agent
	peer     transport.Peer
	gen      uint64
	resolved bool
	receiver *stream.Receiver
	sender   *stream.Sender
	flow     flow
}

func (a *Agent) newConn(peer transport.Peer) *conn {
	a.gen++
	gen := a.gen
	params := a.config.Params
	c := &conn{
		a:        a,
		peer:     peer,
		gen:      gen,
		receiver: stream.NewReceiver(params.MaxMessageSize),
	}
	c.sender = stream.NewSender(stream.SenderConfig{
		Params:       params,
		MaxFrameSize: transport.MaxPacketSize(a.peripheral.MTU(peer)),
		Write: func(b []byte) error {
			return a.peripheral.Send(peer, b)
		},
		Notify: func(token uint64) {
			a.post(event{kind: evRetransmit, gen: gen, token: token})
		},
		LoggerFactory: a.config.LoggerFactory,
	})
	return c
}

// send queues an outbound message on the framed channel.
func (c *conn) send(op message.Operation, payload []byte, encrypted bool) error {
	if err := c.sender.Enqueue(op, payload, encrypted); err != nil {
		if errors.Is(err, message.ErrFrameTooSmall) || errors.Is(err, stream.ErrSenderClosed) {
			return flowError(KindFraming, c.flow.kind(), c.flow.state(), err)
		}
		return flowError(KindTransport, c.flow.kind(), c.flow.state(), err)
	}
	return nil
}

func (c *conn) errorf(kind Kind, err error) *Error {
	return flowError(kind, c.flow.kind(), c.flow.state(), err)
}

// handlePacket processes one characteristic write.
func (c *conn) handlePacket(data []byte) error {
	if !c.resolved {
		return c.resolveVersion(data)
	}

	f, err := message.DecodeFrame(data)
	if err != nil {
		return c.errorf(KindFraming, err)
	}

	if f.Operation == message.OperationAck {
		if err := c.sender.HandleAck(f); err != nil {
			return c.errorf(KindFraming, err)
		}
		return nil
	}

	msg, ack, err := c.receiver.Receive(f)
	if err != nil {
		return c.errorf(KindFraming, err)
	}
	if ack != nil {
		encoded, err := ack.Encode()
		if err != nil {
			return c.errorf(KindFraming, err)
		}
		if err := c.a.peripheral.Send(c.peer, encoded); err != nil {
			return c.errorf(KindTransport, err)
		}
	}
	if msg == nil {
		return nil
	}
	if c.flow.complete() {
		return c.errorf(KindProtocol, ErrDataAfterComplete)
	}
	return c.flow.handleMessage(msg)
}

// resolveVersion handles the unframed version exchange that opens every
// connection.
func (c *conn) resolveVersion(data []byte) error {
	peer, err := version.ResolveBytes(data)
	if err != nil {
		return c.errorf(KindVersionMismatch, err)
	}
	local := version.Local()
	encoded, err := local.Encode()
	if err != nil {
		return c.errorf(KindVersionMismatch, err)
	}
	if err := c.a.peripheral.Send(c.peer, encoded); err != nil {
		return c.errorf(KindTransport, err)
	}
	c.resolved = true
	if c.a.log != nil {
		c.a.log.Debugf("%s: version resolved %s", c.peer, peer)
	}
	return nil
}

// teardown releases the connection's framing state.
func (c *conn) teardown() {
	c.sender.Cancel()
	c.receiver.Reset()
}

func (a *Agent) handleTransport(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		a.onConnected(ev.Peer)

	case transport.EventDisconnected:
		if a.conn != nil && a.conn.peer == ev.Peer {
			c := a.conn
			if c.flow.complete() {
				a.release(c)
				return
			}
			a.abort(c, c.errorf(KindTransport, ErrDisconnected))
		}

	case transport.EventMTUChanged:
		if a.conn != nil && a.conn.peer == ev.Peer {
			a.conn.sender.SetMaxFrameSize(transport.MaxPacketSize(ev.MTU))
		}

	case transport.EventDataWritten:
		if a.conn == nil || a.conn.peer != ev.Peer {
			return
		}
		c := a.conn
		if err := c.handlePacket(ev.Data); err != nil {
			a.fail(c, err)
		}
	}
}

func (a *Agent) onConnected(peer transport.Peer) {
	if a.mode == ModeIdle {
		if a.log != nil {
			a.log.Debugf("%s: refused, not advertising", peer)
		}
		a.peripheral.Disconnect(peer)
		return
	}
	if a.conn != nil {
		if a.log != nil {
			a.log.Debugf("%s: refused, busy with %s", peer, a.conn.peer)
		}
		a.peripheral.Disconnect(peer)
		return
	}

	c := a.newConn(peer)
	if a.mode == ModeEnrolling {
		c.flow = newEnrollment(c, a.enrollUser)
	} else {
		c.flow = newUnlock(c)
	}
	a.conn = c
	if a.log != nil {
		a.log.Infof("%s: connected, %s started", peer, c.flow.kind())
	}
}

func (a *Agent) onRetransmit(gen, token uint64) {
	c := a.conn
	if c == nil || c.gen != gen {
		return
	}
	if err := c.sender.HandleTimeout(token); err != nil {
		a.fail(c, c.errorf(KindFraming, err))
	}
}

func (a *Agent) onVerificationAccepted() {
	c := a.conn
	if c == nil {
		if a.log != nil {
			a.log.Debug("verification accepted with no connection")
		}
		return
	}
	e, ok := c.flow.(*enrollment)
	if !ok {
		return
	}
	if err := e.acceptVerification(); err != nil {
		a.fail(c, err)
	}
}

func (a *Agent) onTokenActivated(handle uint64, userID int) {
	c := a.conn
	if c == nil {
		return
	}
	e, ok := c.flow.(*enrollment)
	if !ok {
		return
	}
	if err := e.tokenActivated(handle, userID); err != nil {
		a.fail(c, err)
	}
}

// fail logs err, aborts the flow and disconnects the peer.
func (a *Agent) fail(c *conn, err error) {
	var te *Error
	if !errors.As(err, &te) {
		te = c.errorf(KindProtocol, err)
	}
	a.abort(c, te)
	if derr := a.peripheral.Disconnect(c.peer); derr != nil && a.log != nil {
		a.log.Debugf("%s: disconnect: %v", c.peer, derr)
	}
}

// abort rolls back the flow and notifies listeners.
func (a *Agent) abort(c *conn, cause *Error) {
	if c.flow.complete() {
		if a.log != nil {
			a.log.Warnf("%s: closing completed %s: %v", c.peer, cause.Flow, cause)
		}
		a.release(c)
		return
	}
	if a.log != nil {
		a.log.Warnf("%s: %s aborted in state %s (%s): %v", c.peer, cause.Flow, cause.State, cause.Kind, cause.Err)
	}
	c.flow.abort(cause)
	a.release(c)
}

// release drops the connection without touching the flow.
func (a *Agent) release(c *conn) {
	c.teardown()
	if a.conn == c {
		a.conn = nil
	}
}
