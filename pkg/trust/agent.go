// Package trust implements the trust agent: the peripheral side of the
// trusted-device enrollment and unlock protocols.
//
// An Agent owns one transport.Peripheral. Every transport event and every
// internal event (verification accepted, escrow token activated, retransmit
// timer fired, API command) is funneled into a single channel consumed by
// one goroutine, so protocol state is never touched concurrently. Per
// connection the agent runs the version exchange, then frames messages with
// package stream and hands complete messages to the active flow.
//
// Enrollment: the companion sends its device id, both sides run the key
// exchange, the user accepts the verification code, the session key is
// persisted, the companion sends an escrow token and receives a handle once
// the authorization delegate activates the token.
//
// Unlock: the companion sends its device id, runs a fresh key exchange and
// proves knowledge of the previous session with a resumption MAC. The agent
// answers with its own MAC, rolls the stored key forward and dispatches the
// decrypted credentials to the delegate.
package trust

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/stream"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Config configures an Agent.
type Config struct {
	// Peripheral is the BLE transport. Required.
	Peripheral transport.Peripheral

	// KeyStore persists session keys and enrollment records. Required.
	KeyStore *keystore.KeyStore

	// Delegate is the authorization subsystem. Required.
	Delegate authz.Delegate

	// LocalID is this agent's 16-byte device identifier. Required.
	LocalID []byte

	// Suite is the key exchange. Default: kex.X25519Suite.
	Suite kex.Suite

	// Validator checks companion device ids. Default: ValidateUUID.
	Validator DeviceIDValidator

	// Params configures framing flow control.
	Params stream.Params

	// EnrollmentService and UnlockService are advertised in the respective
	// modes. Defaults: DefaultEnrollmentService, DefaultUnlockService.
	EnrollmentService transport.ServiceDescriptor
	UnlockService     transport.ServiceDescriptor

	LoggerFactory logging.LoggerFactory
}

// Validate checks required fields.
func (c *Config) Validate() error {
	switch {
	case c.Peripheral == nil:
		return fmt.Errorf("%w: peripheral is required", ErrInvalidConfig)
	case c.KeyStore == nil:
		return fmt.Errorf("%w: key store is required", ErrInvalidConfig)
	case c.Delegate == nil:
		return fmt.Errorf("%w: delegate is required", ErrInvalidConfig)
	case len(c.LocalID) != DeviceIDSize:
		return fmt.Errorf("%w: local id must be %d bytes", ErrInvalidConfig, DeviceIDSize)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Suite == nil {
		c.Suite = kex.X25519Suite{}
	}
	if c.Validator == nil {
		c.Validator = ValidateUUID
	}
	if c.EnrollmentService.Service == uuid.Nil {
		c.EnrollmentService = DefaultEnrollmentService
	}
	if c.UnlockService.Service == uuid.Nil {
		c.UnlockService = DefaultUnlockService
	}
}

type eventKind int

const (
	evTransport eventKind = iota
	evVerificationAccepted
	evTokenActivated
	evRetransmit
	evCommand
)

type event struct {
	kind      eventKind
	transport transport.Event

	// evTokenActivated
	handle uint64
	userID int

	// evRetransmit
	gen   uint64
	token uint64

	// evCommand
	fn   func()
	done chan struct{}
}

// Status is a snapshot of the agent for diagnostics.
type Status struct {
	Mode  Mode
	Peer  transport.Peer
	Flow  Flow
	State string
}

// Agent is the trust agent actor.
type Agent struct {
	config     Config
	peripheral transport.Peripheral
	keys       *keystore.KeyStore
	delegate   authz.Delegate
	log        logging.LeveledLogger

	enrollListeners *registry[EnrollmentListener]
	unlockListeners *registry[UnlockListener]

	inbox chan event
	done  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	mu        sync.Mutex

	// Owned by the actor goroutine.
	mode       Mode
	enrollUser int
	conn       *conn
	gen        uint64
}

// NewAgent creates an agent. Call Start to run it.
func NewAgent(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	a := &Agent{
		config:          config,
		peripheral:      config.Peripheral,
		keys:            config.KeyStore,
		delegate:        config.Delegate,
		enrollListeners: newRegistry[EnrollmentListener](),
		unlockListeners: newRegistry[UnlockListener](),
		inbox:           make(chan event, 64),
		done:            make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("trust")
	}
	return a, nil
}

// Start launches the actor goroutine.
func (a *Agent) Start() error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}

	a.startOnce.Do(func() {
		a.delegate.SetActivationListener(func(handle uint64, userID int) {
			a.post(event{kind: evTokenActivated, handle: handle, userID: userID})
		})

		a.wg.Add(2)
		go a.pump()
		go a.run()

		a.mu.Lock()
		a.started = true
		a.mu.Unlock()
	})
	return nil
}

// Close aborts any active flow, stops advertising and stops the actor. The
// peripheral is not closed.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.delegate.SetActivationListener(nil)
	})
	return nil
}

// pump forwards transport events into the inbox.
func (a *Agent) pump() {
	defer a.wg.Done()
	events := a.peripheral.Events()
	for {
		select {
		case ev := <-events:
			a.post(event{kind: evTransport, transport: ev})
		case <-a.done:
			return
		}
	}
}

// post enqueues an event unless the agent is closed.
func (a *Agent) post(ev event) {
	select {
	case a.inbox <- ev:
	case <-a.done:
	}
}

// do runs fn on the actor goroutine and waits for it.
func (a *Agent) do(fn func()) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	select {
	case a.inbox <- event{kind: evCommand, fn: fn, done: done}:
	case <-a.done:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-a.done:
		return ErrClosed
	}
}

func (a *Agent) run() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.inbox:
			a.dispatch(ev)
		case <-a.done:
			a.shutdown()
			return
		}
	}
}

func (a *Agent) dispatch(ev event) {
	switch ev.kind {
	case evTransport:
		a.handleTransport(ev.transport)
	case evVerificationAccepted:
		a.onVerificationAccepted()
	case evTokenActivated:
		a.onTokenActivated(ev.handle, ev.userID)
	case evRetransmit:
		a.onRetransmit(ev.gen, ev.token)
	case evCommand:
		ev.fn()
		close(ev.done)
	}
}

func (a *Agent) shutdown() {
	if a.conn != nil {
		a.abort(a.conn, flowError(KindTransport, a.conn.flow.kind(), a.conn.flow.state(), ErrAgentStopped))
	}
	if a.mode != ModeIdle {
		if err := a.peripheral.StopAdvertising(); err != nil && a.log != nil {
			a.log.Warnf("stop advertising: %v", err)
		}
		a.mode = ModeIdle
	}
}

// StartEnrollment advertises the enrollment service. Companions that
// connect enroll for userID.
func (a *Agent) StartEnrollment(userID int) error {
	var err error
	if derr := a.do(func() { err = a.startMode(ModeEnrolling, userID) }); derr != nil {
		return derr
	}
	return err
}

// StopEnrollment stops advertising and aborts an enrollment in progress.
func (a *Agent) StopEnrollment() error {
	var err error
	if derr := a.do(func() { err = a.stopMode(ModeEnrolling) }); derr != nil {
		return derr
	}
	return err
}

// StartUnlock advertises the unlock service.
func (a *Agent) StartUnlock() error {
	var err error
	if derr := a.do(func() { err = a.startMode(ModeUnlocking, 0) }); derr != nil {
		return derr
	}
	return err
}

// StopUnlock stops advertising and aborts an unlock in progress.
func (a *Agent) StopUnlock() error {
	var err error
	if derr := a.do(func() { err = a.stopMode(ModeUnlocking) }); derr != nil {
		return derr
	}
	return err
}

func (a *Agent) startMode(mode Mode, userID int) error {
	if a.mode == mode {
		if mode == ModeEnrolling {
			a.enrollUser = userID
		}
		return nil
	}
	if a.mode != ModeIdle {
		return fmt.Errorf("%w: %s", ErrModeActive, a.mode)
	}

	desc := a.config.UnlockService
	if mode == ModeEnrolling {
		desc = a.config.EnrollmentService
	}
	if err := a.peripheral.StartAdvertising(desc); err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("start advertising: %w", err)}
	}
	a.mode = mode
	a.enrollUser = userID
	if a.log != nil {
		a.log.Infof("%s: advertising %s", mode, desc.Service)
	}
	return nil
}

func (a *Agent) stopMode(mode Mode) error {
	if a.mode != mode {
		return nil
	}
	if a.conn != nil {
		a.abort(a.conn, flowError(KindTransport, a.conn.flow.kind(), a.conn.flow.state(), ErrAgentStopped))
	}
	a.mode = ModeIdle
	if err := a.peripheral.StopAdvertising(); err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("stop advertising: %w", err)}
	}
	if a.log != nil {
		a.log.Infof("%s: stopped", mode)
	}
	return nil
}

// AcceptVerification confirms the verification code of the enrollment in
// progress. It is safe to call from an EnrollmentListener.
func (a *Agent) AcceptVerification() {
	a.post(event{kind: evVerificationAccepted})
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() (Status, error) {
	var s Status
	err := a.do(func() {
		s.Mode = a.mode
		if a.conn != nil {
			s.Peer = a.conn.peer
			s.Flow = a.conn.flow.kind()
			s.State = a.conn.flow.state().String()
		}
	})
	return s, err
}

// RegisterEnrollmentListener adds l and returns its id.
func (a *Agent) RegisterEnrollmentListener(l EnrollmentListener) ListenerID {
	return a.enrollListeners.register(l)
}

// UnregisterEnrollmentListener removes a listener. It returns false if id
// is unknown.
func (a *Agent) UnregisterEnrollmentListener(id ListenerID) bool {
	return a.enrollListeners.unregister(id)
}

// RegisterUnlockListener adds l and returns its id.
func (a *Agent) RegisterUnlockListener(l UnlockListener) ListenerID {
	return a.unlockListeners.register(l)
}

// UnregisterUnlockListener removes a listener.
func (a *Agent) UnregisterUnlockListener(id ListenerID) bool {
	return a.unlockListeners.unregister(id)
}

// TrustedDevices lists the devices enrolled for userID.
func (a *Agent) TrustedDevices(userID int) ([]store.TrustedDeviceInfo, error) {
	devices, err := a.keys.TrustedDevices(userID)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}
	return devices, nil
}

// RemoveTrustedDevice un-enrolls the device bound to handle: its escrow
// token is removed from the delegate and its stored records are deleted. A
// handle superseded by a later enrollment of the same device only loses its
// own records.
func (a *Agent) RemoveTrustedDevice(handle uint64, userID int) error {
	if _, err := a.keys.DeviceForHandle(handle, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: handle %d", ErrNotEnrolled, handle)
		}
		return &Error{Kind: KindStorage, Err: err}
	}

	var errs []error
	if err := a.delegate.RemoveEscrowToken(handle, userID); err != nil && !errors.Is(err, authz.ErrUnknownHandle) {
		errs = append(errs, err)
	}
	deviceID, err := a.keys.RemoveEnrollment(handle, userID)
	if err != nil {
		return errors.Join(append(errs, &Error{Kind: KindStorage, Err: err})...)
	}
	if a.log != nil {
		a.log.Infof("removed trusted device %s (handle %d)", FormatDeviceID(deviceID), handle)
	}
	return errors.Join(errs...)
}
