// Package companion implements the central side of the trust protocols:
// the phone that enrolls with a trust agent and later unlocks it.
//
// A Client is synchronous. Enroll and Unlock each open one connection, run
// the whole flow and disconnect.
package companion

import (
	"context"
	"errors"
	"fmt"

	"github.com/backkem/trustagent/pkg/kex"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/stream"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/backkem/trustagent/pkg/trust"
	"github.com/backkem/trustagent/pkg/version"
	"github.com/pion/logging"
)

// Config configures a Client.
type Config struct {
	// Central is the link to the agent. Required.
	Central transport.Central

	// DeviceID is this companion's 16-byte identifier. Required.
	DeviceID []byte

	// KeyStore keeps the session key of the last session with each agent,
	// keyed by the agent id. Required.
	KeyStore *keystore.KeyStore

	// Suite must match the agent's key exchange. Default: kex.X25519Suite.
	Suite kex.Suite

	Params stream.Params

	LoggerFactory logging.LoggerFactory
}

// Validate checks required fields.
func (c *Config) Validate() error {
	switch {
	case c.Central == nil:
		return fmt.Errorf("%w: central is required", ErrInvalidConfig)
	case len(c.DeviceID) != trust.DeviceIDSize:
		return fmt.Errorf("%w: device id must be %d bytes", ErrInvalidConfig, trust.DeviceIDSize)
	case c.KeyStore == nil:
		return fmt.Errorf("%w: key store is required", ErrInvalidConfig)
	}
	return nil
}

// Enrollment is what the companion keeps after enrolling with an agent.
type Enrollment struct {
	AgentID []byte `json:"agent_id" yaml:"agent_id"`
	Handle  uint64 `json:"handle" yaml:"handle"`
	Token   []byte `json:"token" yaml:"token"`
}

// ConfirmFunc shows the verification code to the user and reports whether
// it matches the code displayed by the agent.
type ConfirmFunc func(code string) bool

// Client drives the companion side of enrollment and unlock.
//
// Not safe for concurrent use.
type Client struct {
	config Config
	log    logging.LeveledLogger
}

// NewClient creates a client.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Suite == nil {
		config.Suite = kex.X25519Suite{}
	}
	c := &Client{config: config}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("companion")
	}
	return c, nil
}

// Enroll registers token with the agent and returns the enrollment. The
// session key is stored for the first unlock.
func (c *Client) Enroll(ctx context.Context, token []byte, confirm ConfirmFunc) (*Enrollment, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("%w: empty escrow token", ErrInvalidConfig)
	}
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if err := s.send(message.OperationMessage, c.config.DeviceID, false); err != nil {
		return nil, err
	}
	msg, err := s.expect(message.OperationMessage, false)
	if err != nil {
		return nil, err
	}
	if err := trust.ValidateUUID(msg.Payload); err != nil {
		return nil, err
	}
	agentID := append([]byte(nil), msg.Payload...)

	key, code, err := s.handshake()
	if err != nil {
		return nil, err
	}
	if confirm != nil && !confirm(code) {
		return nil, ErrRejected
	}
	if err := s.expectAppAck(key); err != nil {
		return nil, err
	}

	ct, err := key.Encrypt(token)
	if err != nil {
		return nil, err
	}
	if err := s.send(message.OperationMessage, ct, true); err != nil {
		return nil, err
	}
	msg, err = s.expect(message.OperationMessage, true)
	if err != nil {
		return nil, err
	}
	plain, err := key.Decrypt(msg.Payload)
	if err != nil {
		return nil, err
	}
	handle, err := message.DecodeHandle(plain)
	if err != nil {
		return nil, err
	}

	if err := c.config.KeyStore.SaveSessionKey(agentID, key); err != nil {
		return nil, err
	}
	if c.log != nil {
		c.log.Infof("enrolled with agent %s, handle %d", trust.FormatDeviceID(agentID), handle)
	}
	return &Enrollment{
		AgentID: agentID,
		Handle:  handle,
		Token:   append([]byte(nil), token...),
	}, nil
}

// Unlock proves possession of the previous session to the agent and sends
// the unlock credentials. The stored session key is rolled forward once the
// agent has authenticated itself.
func (c *Client) Unlock(ctx context.Context, enr *Enrollment) error {
	if enr == nil || len(enr.AgentID) == 0 {
		return ErrNotEnrolled
	}
	prior, err := c.config.KeyStore.LoadSessionKey(enr.AgentID, c.config.Suite)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotEnrolled, err)
	}
	previous := prior.Unique()

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.send(message.OperationMessage, c.config.DeviceID, false); err != nil {
		return err
	}
	msg, err := s.expect(message.OperationMessage, false)
	if err != nil {
		return err
	}
	if !message.IsAppAck(msg.Payload) {
		return ErrNoAppAck
	}

	key, _, err := s.handshake()
	if err != nil {
		return err
	}
	current := key.Unique()

	mac, err := trust.ComputeResumptionMAC(previous, current, trust.RoleClient)
	if err != nil {
		return err
	}
	if err := s.send(message.OperationHandshake, mac, false); err != nil {
		return err
	}
	msg, err = s.expect(message.OperationHandshake, false)
	if err != nil {
		return err
	}
	if !trust.VerifyResumptionMAC(msg.Payload, previous, current, trust.RoleServer) {
		return ErrServerAuthentication
	}
	if err := c.config.KeyStore.SaveSessionKey(enr.AgentID, key); err != nil {
		return err
	}

	creds := &message.Credentials{
		Handle:      message.EncodeHandle(enr.Handle),
		EscrowToken: enr.Token,
	}
	plain, err := creds.Encode()
	if err != nil {
		return err
	}
	ct, err := key.Encrypt(plain)
	if err != nil {
		return err
	}
	if err := s.send(message.OperationMessage, ct, true); err != nil {
		return err
	}
	if err := s.expectAppAck(key); err != nil {
		return err
	}
	if c.log != nil {
		c.log.Infof("unlocked agent %s", trust.FormatDeviceID(enr.AgentID))
	}
	return nil
}

// session is one connection to the agent.
type session struct {
	c        *Client
	ctx      context.Context
	cancel   context.CancelCauseFunc
	central  transport.Central
	sender   *stream.Sender
	receiver *stream.Receiver
	hs       kex.Handshake
}

// open connects and runs the version exchange.
func (c *Client) open(parent context.Context) (*session, error) {
	central := c.config.Central
	if err := central.Connect(parent); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctx, cancel := context.WithCancelCause(parent)
	s := &session{
		c:        c,
		ctx:      ctx,
		cancel:   cancel,
		central:  central,
		receiver: stream.NewReceiver(c.config.Params.MaxMessageSize),
	}

	local := version.Local()
	encoded, err := local.Encode()
	if err != nil {
		s.close()
		return nil, err
	}
	if err := central.Write(encoded); err != nil {
		s.close()
		return nil, err
	}
	reply, err := central.Receive(ctx)
	if err != nil {
		s.close()
		return nil, s.cause(err)
	}
	if _, err := version.ResolveBytes(reply); err != nil {
		s.close()
		return nil, err
	}

	s.sender = stream.NewSender(stream.SenderConfig{
		Params:       c.config.Params,
		MaxFrameSize: transport.MaxPacketSize(central.MTU()),
		Write:        central.Write,
		OnFailure: func(err error) {
			cancel(err)
		},
		LoggerFactory: c.config.LoggerFactory,
	})
	return s, nil
}

func (s *session) close() {
	if s.hs != nil {
		s.hs.Invalidate()
	}
	if s.sender != nil {
		s.sender.Cancel()
	}
	s.cancel(nil)
	if err := s.central.Close(); err != nil && s.c.log != nil {
		s.c.log.Debugf("close: %v", err)
	}
}

// cause prefers the reason the session context was cancelled.
func (s *session) cause(err error) error {
	if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (s *session) send(op message.Operation, payload []byte, encrypted bool) error {
	return s.sender.Enqueue(op, payload, encrypted)
}

// recv returns the next complete message. ACKs and multi-frame
// acknowledgements are handled on the way.
func (s *session) recv() (*stream.Message, error) {
	for {
		data, err := s.central.Receive(s.ctx)
		if err != nil {
			return nil, s.cause(err)
		}
		f, err := message.DecodeFrame(data)
		if err != nil {
			return nil, err
		}
		if f.Operation == message.OperationAck {
			if err := s.sender.HandleAck(f); err != nil {
				return nil, err
			}
			continue
		}

		msg, ack, err := s.receiver.Receive(f)
		if err != nil {
			return nil, err
		}
		if ack != nil {
			encoded, err := ack.Encode()
			if err != nil {
				return nil, err
			}
			if err := s.central.Write(encoded); err != nil {
				return nil, err
			}
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (s *session) expect(op message.Operation, encrypted bool) (*stream.Message, error) {
	msg, err := s.recv()
	if err != nil {
		return nil, err
	}
	if msg.Operation != op || msg.Encrypted != encrypted {
		return nil, fmt.Errorf("%w: got %s (encrypted=%t), want %s (encrypted=%t)",
			ErrUnexpectedMessage, msg.Operation, msg.Encrypted, op, encrypted)
	}
	return msg, nil
}

func (s *session) expectAppAck(key kex.SessionKey) error {
	msg, err := s.expect(message.OperationMessage, true)
	if err != nil {
		return err
	}
	plain, err := key.Decrypt(msg.Payload)
	if err != nil {
		return err
	}
	if !message.IsAppAck(plain) {
		return ErrNoAppAck
	}
	return nil
}

// handshake runs the initiator side of the key exchange and returns the
// session key with the verification code.
func (s *session) handshake() (kex.SessionKey, string, error) {
	hs, err := s.c.config.Suite.NewInitiator()
	if err != nil {
		return nil, "", err
	}
	s.hs = hs

	step, err := hs.Start()
	if err != nil {
		return nil, "", err
	}
	var code string
	for {
		if len(step.Next) > 0 {
			if err := s.send(message.OperationHandshake, step.Next, false); err != nil {
				return nil, "", err
			}
		}
		switch step.State {
		case kex.StateFinished:
			return step.Key, code, nil
		case kex.StateVerificationNeeded:
			code = step.VerificationCode
			if step, err = hs.Verify(); err != nil {
				return nil, "", err
			}
			continue
		case kex.StateInProgress:
		default:
			return nil, "", fmt.Errorf("companion: handshake ended in state %s", step.State)
		}

		msg, err := s.expect(message.OperationHandshake, false)
		if err != nil {
			return nil, "", err
		}
		if step, err = hs.Continue(msg.Payload); err != nil {
			return nil, "", err
		}
	}
}
