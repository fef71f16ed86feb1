package trust

import (
	"errors"
	"fmt"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/stream"
)

// unlock is the unlock flow of one connection.
type unlock struct {
	c  *conn
	st UnlockState

	deviceID []byte
	hs       kex.Handshake
	key      kex.SessionKey

	// previous and current are the unique bytes of the stored and the new
	// session. Both are only held during the resumption check.
	previous []byte
	current  []byte
}

func newUnlock(c *conn) *unlock {
	return &unlock{c: c, st: UnlockAwaitID}
}

func (u *unlock) kind() Flow          { return FlowUnlock }
func (u *unlock) state() fmt.Stringer { return u.st }
func (u *unlock) complete() bool      { return u.st.IsTerminal() }

func (u *unlock) errorf(kind Kind, err error) *Error {
	return flowError(kind, FlowUnlock, u.st, err)
}

func (u *unlock) advance(next UnlockState) error {
	if !u.st.CanTransitionTo(next) {
		return u.errorf(KindProtocol, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.st, next))
	}
	if log := u.c.a.log; log != nil {
		log.Debugf("%s: unlock %s -> %s", u.c.peer, u.st, next)
	}
	u.st = next
	return nil
}

func (u *unlock) expect(msg *stream.Message, op message.Operation, encrypted bool) error {
	if msg.Operation != op || msg.Encrypted != encrypted {
		return u.errorf(KindProtocol, fmt.Errorf("%w: got %s (encrypted=%t)", ErrUnexpectedMessage, msg.Operation, msg.Encrypted))
	}
	return nil
}

func (u *unlock) handleMessage(msg *stream.Message) error {
	switch u.st {
	case UnlockAwaitID:
		return u.handleDeviceID(msg)
	case UnlockKeyExchange:
		return u.handleHandshake(msg)
	case UnlockAwaitClientAuth:
		return u.handleClientAuth(msg)
	case UnlockMutualAuth:
		return u.handleCredentials(msg)
	default:
		return u.errorf(KindProtocol, ErrDataAfterComplete)
	}
}

func (u *unlock) handleDeviceID(msg *stream.Message) error {
	if err := u.expect(msg, message.OperationMessage, false); err != nil {
		return err
	}
	a := u.c.a
	if err := a.config.Validator(msg.Payload); err != nil {
		return u.errorf(KindValidation, err)
	}
	if !a.keys.HasSessionKey(msg.Payload) {
		return u.errorf(KindValidation, fmt.Errorf("%w: %s", ErrUnknownDevice, FormatDeviceID(msg.Payload)))
	}
	u.deviceID = append([]byte(nil), msg.Payload...)

	hs, err := a.config.Suite.NewResponder()
	if err != nil {
		return u.errorf(KindHandshake, err)
	}
	u.hs = hs

	if err := u.c.send(message.OperationMessage, message.AppAck(), false); err != nil {
		return err
	}
	return u.advance(UnlockKeyExchange)
}

// handleHandshake drives the key exchange. Verification is accepted without
// user interaction.
func (u *unlock) handleHandshake(msg *stream.Message) error {
	if err := u.expect(msg, message.OperationHandshake, false); err != nil {
		return err
	}

	step, err := u.hs.Continue(msg.Payload)
	if err != nil {
		return u.errorf(KindHandshake, err)
	}
	if len(step.Next) > 0 {
		if err := u.c.send(message.OperationHandshake, step.Next, false); err != nil {
			return err
		}
	}

	switch step.State {
	case kex.StateInProgress:
		return nil
	case kex.StateVerificationNeeded:
		step, err = u.hs.Verify()
		if err != nil {
			return u.errorf(KindHandshake, err)
		}
		if step.State != kex.StateFinished || step.Key == nil {
			return u.errorf(KindHandshake, ErrHandshakeIncomplete)
		}
	case kex.StateFinished:
	default:
		return u.errorf(KindHandshake, fmt.Errorf("%w: state %s", ErrHandshakeIncomplete, step.State))
	}

	return u.finishHandshake(step.Key)
}

func (u *unlock) finishHandshake(key kex.SessionKey) error {
	a := u.c.a
	u.key = key
	u.current = key.Unique()

	prior, err := a.keys.LoadSessionKey(u.deviceID, a.config.Suite)
	if err != nil {
		// Without the prior key the device can never resume; it has to
		// enroll again.
		u.forget()
		return u.errorf(KindStorage, err)
	}
	u.previous = prior.Unique()
	return u.advance(UnlockAwaitClientAuth)
}

func (u *unlock) handleClientAuth(msg *stream.Message) error {
	if err := u.expect(msg, message.OperationHandshake, false); err != nil {
		return err
	}
	if len(msg.Payload) != ResumptionMACSize {
		u.forget()
		return u.errorf(KindAuthentication, ErrInvalidMAC)
	}
	if !VerifyResumptionMAC(msg.Payload, u.previous, u.current, RoleClient) {
		u.forget()
		return u.errorf(KindAuthentication, ErrAuthentication)
	}

	mac, err := ComputeResumptionMAC(u.previous, u.current, RoleServer)
	if err != nil {
		return u.errorf(KindAuthentication, err)
	}

	// The new session is the prior session of the next unlock. It is stored
	// before the SERVER MAC lets the companion roll its key forward.
	if err := u.c.a.keys.SaveSessionKey(u.deviceID, u.key); err != nil {
		return u.errorf(KindStorage, err)
	}
	if err := u.c.send(message.OperationHandshake, mac, false); err != nil {
		return err
	}
	u.wipeContexts()
	return u.advance(UnlockMutualAuth)
}

func (u *unlock) handleCredentials(msg *stream.Message) error {
	if err := u.expect(msg, message.OperationMessage, true); err != nil {
		return err
	}
	a := u.c.a

	plain, err := u.key.Decrypt(msg.Payload)
	if err != nil {
		return u.errorf(KindHandshake, err)
	}
	creds, err := message.DecodeCredentials(plain)
	if err != nil {
		return u.errorf(KindProtocol, err)
	}
	handle, err := message.DecodeHandle(creds.Handle)
	if err != nil {
		return u.errorf(KindValidation, err)
	}

	stored, err := a.keys.HandleForDevice(u.deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return u.errorf(KindValidation, fmt.Errorf("%w: %s", ErrNotEnrolled, FormatDeviceID(u.deviceID)))
		}
		return u.errorf(KindStorage, err)
	}
	if stored != handle {
		return u.errorf(KindValidation, fmt.Errorf("%w: got %d", ErrHandleMismatch, handle))
	}
	userID, err := a.keys.UserForHandle(handle)
	if err != nil {
		return u.errorf(KindStorage, err)
	}

	if err := a.delegate.OnUnlockDataReceived(userID, creds.EscrowToken, handle); err != nil {
		return u.errorf(KindValidation, err)
	}
	if err := u.advance(UnlockCredentialsDone); err != nil {
		return err
	}

	ack, err := u.key.Encrypt(message.AppAck())
	if err != nil {
		return u.errorf(KindHandshake, err)
	}
	if err := u.c.send(message.OperationMessage, ack, true); err != nil {
		return err
	}

	if a.log != nil {
		a.log.Infof("%s: unlock for user %d via handle %d", u.c.peer, userID, handle)
	}
	deviceID := append([]byte(nil), u.deviceID...)
	a.unlockListeners.each(func(l UnlockListener) {
		l.OnUnlockComplete(deviceID, userID, handle)
	})
	return nil
}

// forget destroys everything stored for the device: its session key, its
// handle records and its escrow token. The device must enroll again.
func (u *unlock) forget() {
	a := u.c.a
	handle, err := a.keys.HandleForDevice(u.deviceID)
	var userID int
	haveUser := false
	if err == nil {
		if userID, err = a.keys.UserForHandle(handle); err == nil {
			haveUser = true
		}
	}

	if _, _, err := a.keys.RemoveDevice(u.deviceID); err != nil && a.log != nil {
		a.log.Warnf("remove records of %s: %v", FormatDeviceID(u.deviceID), err)
	}
	if haveUser {
		if err := a.delegate.RemoveEscrowToken(handle, userID); err != nil && !errors.Is(err, authz.ErrUnknownHandle) && a.log != nil {
			a.log.Warnf("remove escrow token %d: %v", handle, err)
		}
	}
	if a.log != nil {
		a.log.Warnf("forgot device %s, re-enrollment required", FormatDeviceID(u.deviceID))
	}
}

func (u *unlock) wipeContexts() {
	for i := range u.previous {
		u.previous[i] = 0
	}
	for i := range u.current {
		u.current[i] = 0
	}
	u.previous, u.current = nil, nil
}

// abort resets the flow. The next connection starts again at AwaitID.
func (u *unlock) abort(cause *Error) {
	if u.hs != nil {
		u.hs.Invalidate()
	}
	u.wipeContexts()
	u.key = nil
	u.c.a.unlockListeners.each(func(l UnlockListener) {
		l.OnUnlockFailed(cause)
	})
}
