package trust

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/message"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/transport"
)

func newIdleAgent(t *testing.T) *Agent {
	t.Helper()
	peripheral, _ := transport.NewPipeLink(transport.DefaultPipeConfig())
	t.Cleanup(func() { peripheral.Close() })
	keys, err := keystore.New(keystore.Config{
		Store:    store.NewMemoryStore(),
		Provider: keystore.StaticKeyProvider(bytes.Repeat([]byte{7}, 32)),
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAgent(Config{
		Peripheral: peripheral,
		KeyStore:   keys,
		Delegate:   authz.NewMemoryDelegate(authz.MemoryConfig{}),
		LocalID:    NewDeviceID(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func singleFrame(t *testing.T, op message.Operation, payload []byte) []byte {
	t.Helper()
	f := message.Frame{
		Version:      message.FrameVersion,
		Operation:    op,
		PacketNumber: 1,
		TotalPackets: 1,
		Payload:      payload,
	}
	b, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestConnDataAfterComplete(t *testing.T) {
	a := newIdleAgent(t)

	tests := []struct {
		name string
		flow func(c *conn) flow
	}{
		{"unlock", func(c *conn) flow { return &unlock{c: c, st: UnlockCredentialsDone} }},
		{"enrollment", func(c *conn) flow { return &enrollment{c: c, st: EnrollmentHandleSent} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := a.newConn("peer")
			c.resolved = true
			c.flow = tt.flow(c)

			err := c.handlePacket(singleFrame(t, message.OperationMessage, []byte("late")))
			if !errors.Is(err, ErrDataAfterComplete) {
				t.Fatalf("handlePacket() error = %v, want ErrDataAfterComplete", err)
			}
			if KindOf(err) != KindProtocol {
				t.Errorf("kind = %s, want protocol", KindOf(err))
			}
		})
	}
}

func TestConnUnexpectedOperation(t *testing.T) {
	a := newIdleAgent(t)
	c := a.newConn("peer")
	c.resolved = true
	c.flow = newUnlock(c)

	err := c.handlePacket(singleFrame(t, message.OperationHandshake, []byte("hello")))
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("handlePacket() error = %v, want ErrUnexpectedMessage", err)
	}
	if c.flow.state() != UnlockAwaitID {
		t.Errorf("state = %s, want AwaitID", c.flow.state())
	}
}

func TestConnMalformedFrame(t *testing.T) {
	a := newIdleAgent(t)
	c := a.newConn("peer")
	c.resolved = true
	c.flow = newEnrollment(c, 1)

	err := c.handlePacket([]byte{0xff, 0x00, 0x01})
	if KindOf(err) != KindFraming {
		t.Fatalf("handlePacket() kind = %s, want framing (err: %v)", KindOf(err), err)
	}
}

func TestEnrollmentRejectsInvalidDeviceID(t *testing.T) {
	a := newIdleAgent(t)
	c := a.newConn("peer")
	c.resolved = true
	c.flow = newEnrollment(c, 1)

	err := c.handlePacket(singleFrame(t, message.OperationMessage, make([]byte, DeviceIDSize)))
	if !errors.Is(err, ErrInvalidDeviceID) || KindOf(err) != KindValidation {
		t.Fatalf("handlePacket() error = %v, want validation ErrInvalidDeviceID", err)
	}
}
