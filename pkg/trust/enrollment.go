package trust

import (
	"errors"
	"fmt"
	"time"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/stream"
)

// enrollment is the enrollment flow of one connection.
type enrollment struct {
	c      *conn
	st     EnrollmentState
	userID int

	deviceID []byte
	hs       kex.Handshake
	key      kex.SessionKey

	// prior is the key of an earlier enrollment of the same device, restored
	// if this attempt aborts.
	prior kex.SessionKey

	// awaitingAccept is set while the verification code is shown.
	awaitingAccept bool
	keySaved       bool

	tokenAdded  bool
	tokenActive bool
	handle      uint64
}

func newEnrollment(c *conn, userID int) *enrollment {
	return &enrollment{c: c, st: EnrollmentNone, userID: userID}
}

func (e *enrollment) kind() Flow          { return FlowEnrollment }
func (e *enrollment) state() fmt.Stringer { return e.st }
func (e *enrollment) complete() bool      { return e.st.IsTerminal() }

func (e *enrollment) errorf(kind Kind, err error) *Error {
	return flowError(kind, FlowEnrollment, e.st, err)
}

func (e *enrollment) advance(next EnrollmentState) error {
	if !e.st.CanTransitionTo(next) {
		return e.errorf(KindProtocol, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.st, next))
	}
	if log := e.c.a.log; log != nil {
		log.Debugf("%s: enrollment %s -> %s", e.c.peer, e.st, next)
	}
	e.st = next
	return nil
}

// expect checks the operation and encryption of an inbound message.
func (e *enrollment) expect(msg *stream.Message, op message.Operation, encrypted bool) error {
	if msg.Operation != op || msg.Encrypted != encrypted {
		return e.errorf(KindProtocol, fmt.Errorf("%w: got %s (encrypted=%t)", ErrUnexpectedMessage, msg.Operation, msg.Encrypted))
	}
	return nil
}

func (e *enrollment) handleMessage(msg *stream.Message) error {
	switch e.st {
	case EnrollmentNone:
		return e.handleDeviceID(msg)
	case EnrollmentIDReceived:
		return e.handleHandshake(msg)
	case EnrollmentEncryptionDone:
		return e.handleEscrowToken(msg)
	default:
		return e.errorf(KindProtocol, ErrDataAfterComplete)
	}
}

func (e *enrollment) handleDeviceID(msg *stream.Message) error {
	if err := e.expect(msg, message.OperationMessage, false); err != nil {
		return err
	}
	a := e.c.a
	if err := a.config.Validator(msg.Payload); err != nil {
		return e.errorf(KindValidation, err)
	}
	e.deviceID = append([]byte(nil), msg.Payload...)

	hs, err := a.config.Suite.NewResponder()
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	e.hs = hs

	if err := e.c.send(message.OperationMessage, a.config.LocalID, false); err != nil {
		return err
	}
	if a.log != nil {
		a.log.Infof("%s: enrolling device %s for user %d", e.c.peer, FormatDeviceID(e.deviceID), e.userID)
	}
	return e.advance(EnrollmentIDReceived)
}

func (e *enrollment) handleHandshake(msg *stream.Message) error {
	if err := e.expect(msg, message.OperationHandshake, false); err != nil {
		return err
	}
	if e.awaitingAccept {
		return e.errorf(KindProtocol, fmt.Errorf("%w: handshake data while awaiting verification", ErrUnexpectedMessage))
	}

	step, err := e.hs.Continue(msg.Payload)
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	if len(step.Next) > 0 {
		if err := e.c.send(message.OperationHandshake, step.Next, false); err != nil {
			return err
		}
	}

	switch step.State {
	case kex.StateInProgress:
		return nil
	case kex.StateVerificationNeeded:
		e.awaitingAccept = true
		deviceID := append([]byte(nil), e.deviceID...)
		e.c.a.enrollListeners.each(func(l EnrollmentListener) {
			l.OnVerificationCode(deviceID, step.VerificationCode)
		})
		return nil
	case kex.StateFinished:
		return e.finishHandshake(step.Key)
	default:
		return e.errorf(KindHandshake, fmt.Errorf("%w: state %s", ErrHandshakeIncomplete, step.State))
	}
}

// acceptVerification is the user's confirmation of the verification code.
func (e *enrollment) acceptVerification() error {
	if e.st != EnrollmentIDReceived || !e.awaitingAccept {
		if log := e.c.a.log; log != nil {
			log.Debugf("%s: %v in state %s", e.c.peer, ErrNoVerification, e.st)
		}
		return nil
	}
	e.awaitingAccept = false

	step, err := e.hs.Verify()
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	if step.State != kex.StateFinished || step.Key == nil {
		return e.errorf(KindHandshake, ErrHandshakeIncomplete)
	}
	return e.finishHandshake(step.Key)
}

// finishHandshake persists the new session key and confirms to the peer.
// A key that cannot be stored fails the enrollment.
func (e *enrollment) finishHandshake(key kex.SessionKey) error {
	a := e.c.a
	if prior, err := a.keys.LoadSessionKey(e.deviceID, a.config.Suite); err == nil {
		e.prior = prior
	}
	if err := a.keys.SaveSessionKey(e.deviceID, key); err != nil {
		return e.errorf(KindStorage, err)
	}
	e.keySaved = true
	e.key = key

	ack, err := key.Encrypt(message.AppAck())
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	if err := e.c.send(message.OperationMessage, ack, true); err != nil {
		return err
	}
	return e.advance(EnrollmentEncryptionDone)
}

func (e *enrollment) handleEscrowToken(msg *stream.Message) error {
	if err := e.expect(msg, message.OperationMessage, true); err != nil {
		return err
	}
	if e.tokenAdded {
		return e.errorf(KindProtocol, fmt.Errorf("%w: escrow token already received", ErrUnexpectedMessage))
	}

	token, err := e.key.Decrypt(msg.Payload)
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	if len(token) == 0 {
		return e.errorf(KindValidation, fmt.Errorf("%w: empty escrow token", ErrUnexpectedMessage))
	}

	handle, err := e.c.a.delegate.AddEscrowToken(token, e.userID)
	if err != nil {
		return e.errorf(KindValidation, err)
	}
	e.tokenAdded = true
	e.handle = handle
	if log := e.c.a.log; log != nil {
		log.Debugf("%s: escrow token added as handle %d, awaiting activation", e.c.peer, handle)
	}
	return nil
}

// tokenActivated is the delegate's activation report. Activations for other
// handles are ignored.
func (e *enrollment) tokenActivated(handle uint64, userID int) error {
	if !e.tokenAdded || handle != e.handle || userID != e.userID {
		return nil
	}
	e.tokenActive = true
	if e.st != EnrollmentEncryptionDone {
		return nil
	}

	a := e.c.a
	info := store.TrustedDeviceInfo{
		Address:    string(e.c.peer),
		Name:       FormatDeviceID(e.deviceID),
		EnrolledAt: time.Now().UTC(),
	}
	previous, prevErr := a.keys.HandleForDevice(e.deviceID)
	if err := a.keys.SaveEnrollment(e.deviceID, handle, userID, info); err != nil {
		a.delegate.RemoveEscrowToken(handle, userID)
		e.tokenAdded = false
		e.tokenActive = false
		return e.errorf(KindStorage, err)
	}
	if prevErr == nil && previous != handle {
		e.retireHandle(previous)
	}
	e.prior = nil

	ct, err := e.key.Encrypt(message.EncodeHandle(handle))
	if err != nil {
		return e.errorf(KindHandshake, err)
	}
	if err := e.c.send(message.OperationMessage, ct, true); err != nil {
		return err
	}
	if err := e.advance(EnrollmentHandleSent); err != nil {
		return err
	}

	if a.log != nil {
		a.log.Infof("%s: device %s enrolled, handle %d", e.c.peer, FormatDeviceID(e.deviceID), handle)
	}
	deviceID := append([]byte(nil), e.deviceID...)
	a.enrollListeners.each(func(l EnrollmentListener) {
		l.OnEnrollmentComplete(deviceID, handle, userID)
	})
	return nil
}

// retireHandle revokes the escrow token and records of a handle replaced by
// this enrollment.
func (e *enrollment) retireHandle(handle uint64) {
	a := e.c.a
	if userID, err := a.keys.UserForHandle(handle); err == nil {
		if err := a.delegate.RemoveEscrowToken(handle, userID); err != nil && !errors.Is(err, authz.ErrUnknownHandle) && a.log != nil {
			a.log.Warnf("revoke escrow token %d: %v", handle, err)
		}
	}
	if err := a.keys.RetireHandle(handle); err != nil && a.log != nil {
		a.log.Warnf("retire handle %d: %v", handle, err)
	}
	if a.log != nil {
		a.log.Infof("%s: device %s re-enrolled, handle %d retired", e.c.peer, FormatDeviceID(e.deviceID), handle)
	}
}

// abort rolls back the enrollment: the handshake is invalidated and, unless
// the escrow token already became active, the token added by this attempt is
// removed and the device's previous session key, if any, is restored.
func (e *enrollment) abort(cause *Error) {
	a := e.c.a
	if e.hs != nil {
		e.hs.Invalidate()
	}

	if e.tokenAdded && !e.tokenActive {
		handle, userID := e.handle, e.userID
		a.delegate.IsEscrowTokenActive(handle, userID, func(active bool) {
			if active {
				return
			}
			if err := a.delegate.RemoveEscrowToken(handle, userID); err != nil && a.log != nil {
				a.log.Warnf("roll back escrow token %d: %v", handle, err)
			}
		})
	}

	if e.keySaved && !e.tokenActive {
		var err error
		if e.prior != nil {
			err = a.keys.SaveSessionKey(e.deviceID, e.prior)
		} else {
			err = a.keys.DeleteSessionKey(e.deviceID)
		}
		if err != nil && a.log != nil {
			a.log.Warnf("roll back session key: %v", err)
		}
	}

	a.enrollListeners.each(func(l EnrollmentListener) {
		l.OnEnrollmentFailed(cause)
	})
}
