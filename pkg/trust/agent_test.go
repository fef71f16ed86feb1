package trust_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/companion"
	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/stream"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/backkem/trustagent/pkg/trust"
	"github.com/backkem/trustagent/pkg/version"
)

const (
	testUser    = 501
	testTimeout = 5 * time.Second
)

var testParams = stream.Params{
	RetransmitDelay:    50 * time.Millisecond,
	MaxRetransmissions: 3,
}

func staticKey(b byte) keystore.StaticKeyProvider {
	return keystore.StaticKeyProvider(bytes.Repeat([]byte{b}, 32))
}

// testEnv is an agent and a companion joined by an in-memory pipe.
type testEnv struct {
	t *testing.T

	peripheral *transport.PipePeripheral
	central    *transport.PipeCentral

	store    *store.MemoryStore
	keys     *keystore.KeyStore
	delegate *authz.MemoryDelegate
	agent    *trust.Agent

	clientKeys *keystore.KeyStore
	client     *companion.Client
	deviceID   []byte

	codes          chan string
	enrolled       chan uint64
	enrollFailures chan error
	unlocked       chan uint64
	unlockFailures chan error
}

type envOption func(*envConfig)

type envConfig struct {
	pipe     transport.PipeConfig
	delegate authz.MemoryConfig
	params   stream.Params
	wrap     func(store.Store) store.Store
}

func withMTU(mtu int) envOption {
	return func(c *envConfig) { c.pipe.MTU = mtu }
}

func withManualActivation() envOption {
	return func(c *envConfig) { c.delegate.ManualActivation = true }
}

func withStore(wrap func(store.Store) store.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{
		pipe:   transport.DefaultPipeConfig(),
		params: testParams,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	peripheral, central := transport.NewPipeLink(cfg.pipe)

	st := store.NewMemoryStore()
	var backing store.Store = st
	if cfg.wrap != nil {
		backing = cfg.wrap(st)
	}
	keys, err := keystore.New(keystore.Config{Store: backing, Provider: staticKey(0x42)})
	if err != nil {
		t.Fatal(err)
	}
	delegate := authz.NewMemoryDelegate(cfg.delegate)

	agent, err := trust.NewAgent(trust.Config{
		Peripheral: peripheral,
		KeyStore:   keys,
		Delegate:   delegate,
		LocalID:    trust.NewDeviceID(),
		Params:     cfg.params,
	})
	if err != nil {
		t.Fatal(err)
	}

	clientKeys, err := keystore.New(keystore.Config{Store: store.NewMemoryStore(), Provider: staticKey(0x17)})
	if err != nil {
		t.Fatal(err)
	}
	deviceID := trust.NewDeviceID()
	client, err := companion.NewClient(companion.Config{
		Central:  central,
		DeviceID: deviceID,
		KeyStore: clientKeys,
		Params:   cfg.params,
	})
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		t:              t,
		peripheral:     peripheral,
		central:        central,
		store:          st,
		keys:           keys,
		delegate:       delegate,
		agent:          agent,
		clientKeys:     clientKeys,
		client:         client,
		deviceID:       deviceID,
		codes:          make(chan string, 8),
		enrolled:       make(chan uint64, 8),
		enrollFailures: make(chan error, 8),
		unlocked:       make(chan uint64, 8),
		unlockFailures: make(chan error, 8),
	}

	agent.RegisterEnrollmentListener(trust.EnrollmentListenerFuncs{
		VerificationCode: func(_ []byte, code string) {
			env.codes <- code
			agent.AcceptVerification()
		},
		Complete: func(_ []byte, handle uint64, _ int) { env.enrolled <- handle },
		Failed:   func(err error) { env.enrollFailures <- err },
	})
	agent.RegisterUnlockListener(trust.UnlockListenerFuncs{
		Complete: func(_ []byte, _ int, handle uint64) { env.unlocked <- handle },
		Failed:   func(err error) { env.unlockFailures <- err },
	})

	if err := agent.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		agent.Close()
		peripheral.Close()
	})
	return env
}

func (e *testEnv) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	e.t.Cleanup(cancel)
	return ctx
}

// enroll runs a complete enrollment and switches the agent to unlock mode.
func (e *testEnv) enroll(token []byte) *companion.Enrollment {
	e.t.Helper()
	if err := e.agent.StartEnrollment(testUser); err != nil {
		e.t.Fatal(err)
	}
	enr, err := e.client.Enroll(e.ctx(), token, func(string) bool { return true })
	if err != nil {
		e.t.Fatalf("Enroll() error = %v", err)
	}
	if got := waitFor(e.t, e.enrolled); got != enr.Handle {
		e.t.Fatalf("agent enrolled handle %d, companion got %d", got, enr.Handle)
	}
	if err := e.agent.StopEnrollment(); err != nil {
		e.t.Fatal(err)
	}
	if err := e.agent.StartUnlock(); err != nil {
		e.t.Fatal(err)
	}
	return enr
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func requireKind(t *testing.T, err error, kind trust.Kind, target error) {
	t.Helper()
	if got := trust.KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
	if target != nil && !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}

func TestEnrollmentThenUnlock(t *testing.T) {
	env := newTestEnv(t)
	token := []byte("escrow-token-0123456789abcdef")

	enr := env.enroll(token)
	if len(waitFor(t, env.codes)) != kex.VerificationCodeDigits {
		t.Error("verification code has wrong length")
	}
	if !env.keys.HasSessionKey(env.deviceID) {
		t.Fatal("agent has no session key after enrollment")
	}
	if !env.delegate.IsActive(enr.Handle, testUser) {
		t.Fatal("escrow token not active")
	}
	devices, err := env.agent.TrustedDevices(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Handle != enr.Handle || !bytes.Equal(devices[0].DeviceID, env.deviceID) {
		t.Fatalf("TrustedDevices() = %+v", devices)
	}

	// Each unlock rolls the stored key forward, so the next one must resume
	// from the session it just finished.
	for i := 0; i < 3; i++ {
		if err := env.client.Unlock(env.ctx(), enr); err != nil {
			t.Fatalf("Unlock() #%d error = %v", i+1, err)
		}
		if got := waitFor(t, env.unlocked); got != enr.Handle {
			t.Fatalf("unlock handle = %d, want %d", got, enr.Handle)
		}
	}

	unlocks := env.delegate.Unlocks()
	if len(unlocks) != 3 {
		t.Fatalf("delegate saw %d unlocks, want 3", len(unlocks))
	}
	for _, u := range unlocks {
		if u.UserID != testUser || u.Handle != enr.Handle || !bytes.Equal(u.Token, token) {
			t.Errorf("unlock record = %+v", u)
		}
	}
	select {
	case err := <-env.unlockFailures:
		t.Fatalf("unexpected unlock failure: %v", err)
	default:
	}
}

func TestEnrollmentSmallMTU(t *testing.T) {
	env := newTestEnv(t, withMTU(transport.DefaultMTU))
	token := bytes.Repeat([]byte{0xee}, 300)

	enr := env.enroll(token)
	if err := env.client.Unlock(env.ctx(), enr); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	waitFor(t, env.unlocked)
	if n := len(env.delegate.Unlocks()); n != 1 {
		t.Fatalf("delegate saw %d unlocks, want 1", n)
	}
}

func TestEnrollmentRejectedCode(t *testing.T) {
	env := newTestEnv(t)
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}

	_, err := env.client.Enroll(env.ctx(), []byte("token"), func(string) bool { return false })
	if !errors.Is(err, companion.ErrRejected) {
		t.Fatalf("Enroll() error = %v, want ErrRejected", err)
	}
	// The agent sees either the disconnect or a failed send of its
	// confirmation, depending on which comes first.
	requireKind(t, waitFor(t, env.enrollFailures), trust.KindTransport, nil)

	eventually(t, "session key rollback", func() bool { return !env.keys.HasSessionKey(env.deviceID) })
	if env.delegate.TokenCount() != 0 {
		t.Error("escrow token registered for rejected enrollment")
	}
}

func TestEnrollmentAbortRollsBackToken(t *testing.T) {
	env := newTestEnv(t, withManualActivation())
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(env.ctx())
	done := make(chan error, 1)
	go func() {
		_, err := env.client.Enroll(ctx, []byte("token"), nil)
		done <- err
	}()

	eventually(t, "escrow token", func() bool { return env.delegate.TokenCount() == 1 })
	cancel()
	if err := waitFor(t, done); err == nil {
		t.Fatal("Enroll() succeeded without activation")
	}
	requireKind(t, waitFor(t, env.enrollFailures), trust.KindTransport, trust.ErrDisconnected)

	eventually(t, "token rollback", func() bool { return env.delegate.TokenCount() == 0 })
	if env.keys.HasSessionKey(env.deviceID) {
		t.Error("session key kept after aborted enrollment")
	}
	devices, _ := env.agent.TrustedDevices(testUser)
	if len(devices) != 0 {
		t.Errorf("TrustedDevices() = %+v, want none", devices)
	}
}

func TestEnrollmentAfterActivationKeepsToken(t *testing.T) {
	env := newTestEnv(t, withManualActivation())
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}

	done := make(chan *companion.Enrollment, 1)
	go func() {
		enr, err := env.client.Enroll(env.ctx(), []byte("token"), nil)
		if err != nil {
			t.Errorf("Enroll() error = %v", err)
		}
		done <- enr
	}()

	eventually(t, "escrow token", func() bool { return env.delegate.TokenCount() == 1 })
	if !env.delegate.Activate(1) {
		t.Fatal("Activate(1) = false")
	}
	enr := waitFor(t, done)
	if enr == nil || enr.Handle != 1 {
		t.Fatalf("enrollment = %+v", enr)
	}
	waitFor(t, env.enrolled)
	if env.delegate.TokenCount() != 1 {
		t.Error("token removed after completed enrollment")
	}
}

func TestUnlockMACMismatchForgetsDevice(t *testing.T) {
	tests := []struct {
		name   string
		target error
		run    func(t *testing.T, env *testEnv, enr *companion.Enrollment)
	}{
		{
			name:   "wrong previous session",
			target: trust.ErrAuthentication,
			run: func(t *testing.T, env *testEnv, enr *companion.Enrollment) {
				// Replace the companion's previous session with an unrelated one.
				if err := env.clientKeys.SaveSessionKey(enr.AgentID, unrelatedKey(t)); err != nil {
					t.Fatal(err)
				}
				if err := env.client.Unlock(env.ctx(), enr); err == nil {
					t.Fatal("Unlock() succeeded with wrong previous session")
				}
			},
		},
		{
			name:   "short MAC",
			target: trust.ErrInvalidMAC,
			run: func(t *testing.T, env *testEnv, enr *companion.Enrollment) {
				raw := env.rawUnlockHandshake()
				raw.send(message.OperationHandshake, make([]byte, trust.ResumptionMACSize-1), false)
			},
		},
		{
			name:   "long MAC",
			target: trust.ErrInvalidMAC,
			run: func(t *testing.T, env *testEnv, enr *companion.Enrollment) {
				raw := env.rawUnlockHandshake()
				raw.send(message.OperationHandshake, make([]byte, trust.ResumptionMACSize+1), false)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			enr := env.enroll([]byte("token"))

			tt.run(t, env, enr)
			requireKind(t, waitFor(t, env.unlockFailures), trust.KindAuthentication, tt.target)

			if env.keys.HasSessionKey(env.deviceID) {
				t.Error("session key kept after MAC mismatch")
			}
			if env.delegate.HasToken(enr.Handle) {
				t.Error("escrow token kept after MAC mismatch")
			}
			if devices, _ := env.agent.TrustedDevices(testUser); len(devices) != 0 {
				t.Errorf("TrustedDevices() = %+v, want none", devices)
			}
			if n := len(env.delegate.Unlocks()); n != 0 {
				t.Errorf("delegate saw %d unlocks", n)
			}
		})
	}
}

// failingKeyWrites rejects session key writes while fail is set.
type failingKeyWrites struct {
	store.Store
	fail atomic.Bool
}

func (f *failingKeyWrites) PutSessionKey(deviceID []byte, rec store.KeyRecord) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.PutSessionKey(deviceID, rec)
}

func TestUnlockStorageFailureKeepsKeysInStep(t *testing.T) {
	writes := &failingKeyWrites{}
	env := newTestEnv(t, withStore(func(st store.Store) store.Store {
		writes.Store = st
		return writes
	}))
	enr := env.enroll([]byte("token"))

	writes.fail.Store(true)
	if err := env.client.Unlock(env.ctx(), enr); err == nil {
		t.Fatal("Unlock() succeeded without persisting the session")
	}
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindStorage, nil)
	if n := len(env.delegate.Unlocks()); n != 0 {
		t.Fatalf("delegate saw %d unlocks, want 0", n)
	}

	// Neither side rolled forward, so the next unlock resumes the enrollment
	// session.
	writes.fail.Store(false)
	if err := env.client.Unlock(env.ctx(), enr); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	waitFor(t, env.unlocked)
}

func TestUnlockUndecryptableKeyForgetsDevice(t *testing.T) {
	env := newTestEnv(t)
	enr := env.enroll([]byte("token"))

	if err := env.store.PutSessionKey(env.deviceID, store.KeyRecord{
		Ciphertext: bytes.Repeat([]byte{1}, 48),
		Nonce:      bytes.Repeat([]byte{2}, 12),
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.client.Unlock(env.ctx(), enr); err == nil {
		t.Fatal("Unlock() succeeded without a usable agent key")
	}
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindStorage, keystore.ErrNoUsableKey)

	if env.keys.HasSessionKey(env.deviceID) {
		t.Error("corrupt session key kept")
	}
	if env.delegate.HasToken(enr.Handle) {
		t.Error("escrow token kept")
	}
}

func TestUnlockUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	if err := env.agent.StartUnlock(); err != nil {
		t.Fatal(err)
	}

	agentID := trust.NewDeviceID()
	if err := env.clientKeys.SaveSessionKey(agentID, unrelatedKey(t)); err != nil {
		t.Fatal(err)
	}
	err := env.client.Unlock(env.ctx(), &companion.Enrollment{AgentID: agentID, Handle: 1, Token: []byte("t")})
	if err == nil {
		t.Fatal("Unlock() succeeded for unknown device")
	}
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindValidation, trust.ErrUnknownDevice)
}

func TestUnlockWrongHandle(t *testing.T) {
	env := newTestEnv(t)
	enr := env.enroll([]byte("token"))

	bad := *enr
	bad.Handle = enr.Handle + 100
	if err := env.client.Unlock(env.ctx(), &bad); err == nil {
		t.Fatal("Unlock() succeeded with wrong handle")
	}
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindValidation, trust.ErrHandleMismatch)
	if n := len(env.delegate.Unlocks()); n != 0 {
		t.Errorf("delegate saw %d unlocks", n)
	}
}

func TestUnlockResetsAfterDisconnect(t *testing.T) {
	env := newTestEnv(t)
	enr := env.enroll([]byte("token"))

	raw := dialRaw(t, env.central, version.Local())
	raw.exchangeVersion()
	raw.send(message.OperationMessage, env.deviceID, false)
	msg := raw.recv()
	if msg.Operation != message.OperationMessage || !message.IsAppAck(msg.Payload) {
		t.Fatalf("got %s %q, want AppAck", msg.Operation, msg.Payload)
	}
	raw.close()
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindTransport, trust.ErrDisconnected)

	if err := env.client.Unlock(env.ctx(), enr); err != nil {
		t.Fatalf("Unlock() after reset error = %v", err)
	}
	waitFor(t, env.unlocked)
}

func TestVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}

	other := version.Local()
	other.MaxMessagingVersion++
	raw := dialRaw(t, env.central, other)
	if _, err := env.central.Receive(raw.ctx); err == nil {
		t.Fatal("agent answered a mismatched version")
	}
	requireKind(t, waitFor(t, env.enrollFailures), trust.KindVersionMismatch, version.ErrVersionMismatch)
}

func TestRetransmissionCeiling(t *testing.T) {
	env := newTestEnv(t, withMTU(transport.DefaultMTU))
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}

	raw := dialRaw(t, env.central, version.Local())
	raw.exchangeVersion()
	raw.send(message.OperationMessage, env.deviceID, false)

	// Never acknowledge the agent's multi-frame reply.
	firstFrames := 0
	for {
		data, err := env.central.Receive(raw.ctx)
		if err != nil {
			break
		}
		f, err := message.DecodeFrame(data)
		if err != nil {
			t.Fatal(err)
		}
		if f.Operation == message.OperationAck {
			raw.sender.HandleAck(f)
			continue
		}
		if f.PacketNumber == 1 && f.TotalPackets > 1 {
			firstFrames++
		}
	}

	if want := 1 + testParams.MaxRetransmissions; firstFrames != want {
		t.Errorf("first frame sent %d times, want %d", firstFrames, want)
	}
	requireKind(t, waitFor(t, env.enrollFailures), trust.KindFraming, stream.ErrRetriesExhausted)
}

func TestModesAreExclusive(t *testing.T) {
	env := newTestEnv(t)

	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}
	if err := env.agent.StartUnlock(); !errors.Is(err, trust.ErrModeActive) {
		t.Fatalf("StartUnlock() error = %v, want ErrModeActive", err)
	}
	status, err := env.agent.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Mode != trust.ModeEnrolling {
		t.Errorf("Status().Mode = %s", status.Mode)
	}
	desc, ok := env.peripheral.Advertising()
	if !ok || desc.Service != trust.DefaultEnrollmentService.Service {
		t.Errorf("advertising %v (%v), want enrollment service", desc.Service, ok)
	}

	if err := env.agent.StopEnrollment(); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.peripheral.Advertising(); ok {
		t.Error("still advertising after StopEnrollment")
	}
	if err := env.agent.StartUnlock(); err != nil {
		t.Fatal(err)
	}
	desc, _ = env.peripheral.Advertising()
	if desc.Service != trust.DefaultUnlockService.Service {
		t.Errorf("advertising %v, want unlock service", desc.Service)
	}
}

func TestAgentNotStarted(t *testing.T) {
	peripheral, _ := transport.NewPipeLink(transport.DefaultPipeConfig())
	defer peripheral.Close()
	keys, _ := keystore.New(keystore.Config{Store: store.NewMemoryStore(), Provider: staticKey(1)})

	agent, err := trust.NewAgent(trust.Config{
		Peripheral: peripheral,
		KeyStore:   keys,
		Delegate:   authz.NewMemoryDelegate(authz.MemoryConfig{}),
		LocalID:    trust.NewDeviceID(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := agent.StartEnrollment(1); !errors.Is(err, trust.ErrNotStarted) {
		t.Errorf("StartEnrollment() error = %v, want ErrNotStarted", err)
	}
	agent.Start()
	agent.Close()
	if err := agent.StartUnlock(); !errors.Is(err, trust.ErrClosed) {
		t.Errorf("StartUnlock() after Close error = %v, want ErrClosed", err)
	}
}

func TestNewAgentValidation(t *testing.T) {
	peripheral, _ := transport.NewPipeLink(transport.DefaultPipeConfig())
	defer peripheral.Close()
	keys, _ := keystore.New(keystore.Config{Store: store.NewMemoryStore(), Provider: staticKey(1)})
	delegate := authz.NewMemoryDelegate(authz.MemoryConfig{})

	tests := []struct {
		name   string
		config trust.Config
	}{
		{"no peripheral", trust.Config{KeyStore: keys, Delegate: delegate, LocalID: trust.NewDeviceID()}},
		{"no keystore", trust.Config{Peripheral: peripheral, Delegate: delegate, LocalID: trust.NewDeviceID()}},
		{"no delegate", trust.Config{Peripheral: peripheral, KeyStore: keys, LocalID: trust.NewDeviceID()}},
		{"short id", trust.Config{Peripheral: peripheral, KeyStore: keys, Delegate: delegate, LocalID: []byte{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := trust.NewAgent(tt.config); !errors.Is(err, trust.ErrInvalidConfig) {
				t.Errorf("NewAgent() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRemoveTrustedDevice(t *testing.T) {
	env := newTestEnv(t)
	enr := env.enroll([]byte("token"))

	if err := env.agent.RemoveTrustedDevice(enr.Handle, testUser); err != nil {
		t.Fatal(err)
	}
	if env.keys.HasSessionKey(env.deviceID) {
		t.Error("session key kept")
	}
	if env.delegate.HasToken(enr.Handle) {
		t.Error("escrow token kept")
	}
	if err := env.agent.RemoveTrustedDevice(enr.Handle, testUser); !errors.Is(err, trust.ErrNotEnrolled) {
		t.Errorf("second RemoveTrustedDevice() error = %v, want ErrNotEnrolled", err)
	}

	if err := env.client.Unlock(env.ctx(), enr); err == nil {
		t.Fatal("Unlock() succeeded for removed device")
	}
	requireKind(t, waitFor(t, env.unlockFailures), trust.KindValidation, trust.ErrUnknownDevice)
}

func TestReEnrollmentRetiresPreviousHandle(t *testing.T) {
	env := newTestEnv(t)
	first := env.enroll([]byte("first"))
	if err := env.agent.StopUnlock(); err != nil {
		t.Fatal(err)
	}
	second := env.enroll([]byte("second"))
	if first.Handle == second.Handle {
		t.Fatalf("re-enrollment reused handle %d", first.Handle)
	}

	devices, err := env.agent.TrustedDevices(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Handle != second.Handle {
		t.Fatalf("TrustedDevices() = %+v, want handle %d only", devices, second.Handle)
	}
	if env.delegate.HasToken(first.Handle) {
		t.Error("escrow token of the replaced enrollment kept")
	}
	if err := env.agent.RemoveTrustedDevice(first.Handle, testUser); !errors.Is(err, trust.ErrNotEnrolled) {
		t.Errorf("RemoveTrustedDevice(%d) error = %v, want ErrNotEnrolled", first.Handle, err)
	}
	if !env.keys.HasSessionKey(env.deviceID) {
		t.Fatal("session key of the current enrollment removed")
	}

	if err := env.client.Unlock(env.ctx(), second); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if got := waitFor(t, env.unlocked); got != second.Handle {
		t.Fatalf("unlock handle = %d, want %d", got, second.Handle)
	}
}

func TestRemoveSupersededHandleKeepsDevice(t *testing.T) {
	env := newTestEnv(t)
	first := env.enroll([]byte("first"))
	if err := env.agent.StopUnlock(); err != nil {
		t.Fatal(err)
	}
	second := env.enroll([]byte("second"))

	// Resurrect the replaced handle's records as an older agent would have
	// left them behind.
	info := store.TrustedDeviceInfo{DeviceID: env.deviceID, Handle: first.Handle, UserID: testUser}
	if err := env.store.PutHandleUser(first.Handle, testUser); err != nil {
		t.Fatal(err)
	}
	if err := env.store.PutTrustedDevice(info); err != nil {
		t.Fatal(err)
	}

	if err := env.agent.RemoveTrustedDevice(first.Handle, testUser); err != nil {
		t.Fatalf("RemoveTrustedDevice(%d) error = %v", first.Handle, err)
	}
	devices, err := env.agent.TrustedDevices(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Handle != second.Handle {
		t.Fatalf("TrustedDevices() = %+v, want handle %d only", devices, second.Handle)
	}
	if !env.keys.HasSessionKey(env.deviceID) {
		t.Fatal("session key of the current enrollment removed")
	}
	if err := env.client.Unlock(env.ctx(), second); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	waitFor(t, env.unlocked)
}

func TestAbortedReEnrollmentKeepsPriorKey(t *testing.T) {
	env := newTestEnv(t, withManualActivation())
	if err := env.agent.StartEnrollment(testUser); err != nil {
		t.Fatal(err)
	}
	done := make(chan *companion.Enrollment, 1)
	go func() {
		enr, err := env.client.Enroll(env.ctx(), []byte("first"), nil)
		if err != nil {
			t.Errorf("Enroll() error = %v", err)
		}
		done <- enr
	}()
	eventually(t, "escrow token", func() bool { return env.delegate.TokenCount() == 1 })
	env.delegate.Activate(1)
	first := waitFor(t, done)
	if first == nil {
		t.FailNow()
	}
	waitFor(t, env.enrolled)

	// The second attempt is abandoned before its token activates.
	ctx, cancel := context.WithCancel(env.ctx())
	errc := make(chan error, 1)
	go func() {
		_, err := env.client.Enroll(ctx, []byte("second"), nil)
		errc <- err
	}()
	eventually(t, "second escrow token", func() bool { return env.delegate.TokenCount() == 2 })
	cancel()
	if err := waitFor(t, errc); err == nil {
		t.Fatal("Enroll() succeeded without activation")
	}
	waitFor(t, env.enrollFailures)
	eventually(t, "token rollback", func() bool { return env.delegate.TokenCount() == 1 })

	if err := env.agent.StopEnrollment(); err != nil {
		t.Fatal(err)
	}
	if err := env.agent.StartUnlock(); err != nil {
		t.Fatal(err)
	}
	if err := env.client.Unlock(env.ctx(), first); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if got := waitFor(t, env.unlocked); got != first.Handle {
		t.Fatalf("unlock handle = %d, want %d", got, first.Handle)
	}
}

func TestListenerUnregister(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	calls := 0
	id := env.agent.RegisterUnlockListener(trust.UnlockListenerFuncs{
		Complete: func([]byte, int, uint64) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	enr := env.enroll([]byte("token"))

	if err := env.client.Unlock(env.ctx(), enr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, env.unlocked)
	if !env.agent.UnregisterUnlockListener(id) {
		t.Fatal("UnregisterUnlockListener() = false")
	}
	if err := env.client.Unlock(env.ctx(), enr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, env.unlocked)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("unregistered listener called %d times, want 1", calls)
	}
}

func unrelatedKey(t *testing.T) kex.SessionKey {
	t.Helper()
	suite := kex.X25519Suite{}
	i, _ := suite.NewInitiator()
	r, _ := suite.NewResponder()
	s1, err := i.Start()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := r.Continue(s1.Next)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := i.Continue(s2.Next); err != nil {
		t.Fatal(err)
	}
	v, err := i.Verify()
	if err != nil {
		t.Fatal(err)
	}
	return v.Key
}

// rawPeer drives the central side frame by frame.
type rawPeer struct {
	t        *testing.T
	ctx      context.Context
	central  *transport.PipeCentral
	sender   *stream.Sender
	receiver *stream.Receiver
}

// dialRaw connects and sends ve as the version exchange.
func dialRaw(t *testing.T, central *transport.PipeCentral, ve message.VersionExchange) *rawPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	if err := central.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	encoded, err := ve.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := central.Write(encoded); err != nil {
		t.Fatal(err)
	}

	r := &rawPeer{
		t:        t,
		ctx:      ctx,
		central:  central,
		receiver: stream.NewReceiver(0),
	}
	r.sender = stream.NewSender(stream.SenderConfig{
		Params:       testParams,
		MaxFrameSize: transport.MaxPacketSize(central.MTU()),
		Write:        central.Write,
	})
	t.Cleanup(r.close)
	return r
}

func (r *rawPeer) exchangeVersion() {
	r.t.Helper()
	reply, err := r.central.Receive(r.ctx)
	if err != nil {
		r.t.Fatal(err)
	}
	if _, err := version.ResolveBytes(reply); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rawPeer) send(op message.Operation, payload []byte, encrypted bool) {
	r.t.Helper()
	if err := r.sender.Enqueue(op, payload, encrypted); err != nil {
		r.t.Fatal(err)
	}
}

// recv returns the next message, acknowledging frames on the way.
func (r *rawPeer) recv() *stream.Message {
	r.t.Helper()
	for {
		data, err := r.central.Receive(r.ctx)
		if err != nil {
			r.t.Fatal(err)
		}
		f, err := message.DecodeFrame(data)
		if err != nil {
			r.t.Fatal(err)
		}
		if f.Operation == message.OperationAck {
			r.sender.HandleAck(f)
			continue
		}
		msg, ack, err := r.receiver.Receive(f)
		if err != nil {
			r.t.Fatal(err)
		}
		if ack != nil {
			encoded, _ := ack.Encode()
			r.central.Write(encoded)
		}
		if msg != nil {
			return msg
		}
	}
}

// handshake runs the initiator side of the key exchange.
func (r *rawPeer) handshake() kex.SessionKey {
	r.t.Helper()
	hs, err := kex.X25519Suite{}.NewInitiator()
	if err != nil {
		r.t.Fatal(err)
	}
	step, err := hs.Start()
	if err != nil {
		r.t.Fatal(err)
	}
	for {
		if len(step.Next) > 0 {
			r.send(message.OperationHandshake, step.Next, false)
		}
		switch step.State {
		case kex.StateFinished:
			return step.Key
		case kex.StateVerificationNeeded:
			if step, err = hs.Verify(); err != nil {
				r.t.Fatal(err)
			}
			continue
		}
		msg := r.recv()
		if step, err = hs.Continue(msg.Payload); err != nil {
			r.t.Fatal(err)
		}
	}
}

// rawUnlockHandshake connects as the enrolled device and runs the unlock up
// to the point where the agent waits for the CLIENT MAC.
func (e *testEnv) rawUnlockHandshake() *rawPeer {
	e.t.Helper()
	raw := dialRaw(e.t, e.central, version.Local())
	raw.exchangeVersion()
	raw.send(message.OperationMessage, e.deviceID, false)
	if msg := raw.recv(); !message.IsAppAck(msg.Payload) {
		e.t.Fatalf("got %s %q, want AppAck", msg.Operation, msg.Payload)
	}
	raw.handshake()
	return raw
}

func (r *rawPeer) close() {
	r.sender.Cancel()
	r.central.Close()
}
