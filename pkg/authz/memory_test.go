package authz

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryDelegateActivation(t *testing.T) {
	d := NewMemoryDelegate(MemoryConfig{ActivationDelay: time.Millisecond})

	activated := make(chan uint64, 1)
	d.SetActivationListener(func(handle uint64, userID int) {
		if userID != 10 {
			t.Errorf("userID = %d, want 10", userID)
		}
		activated <- handle
	})

	handle, err := d.AddEscrowToken([]byte("token"), 10)
	if err != nil {
		t.Fatalf("AddEscrowToken: %v", err)
	}

	select {
	case h := <-activated:
		if h != handle {
			t.Errorf("activated handle = %d, want %d", h, handle)
		}
	case <-time.After(time.Second):
		t.Fatal("token never activated")
	}

	result := make(chan bool, 1)
	d.IsEscrowTokenActive(handle, 10, func(active bool) { result <- active })
	if !<-result {
		t.Error("token should be active")
	}
	d.IsEscrowTokenActive(handle, 11, func(active bool) { result <- active })
	if <-result {
		t.Error("token must not be active for another user")
	}
}

func TestMemoryDelegateManualActivation(t *testing.T) {
	d := NewMemoryDelegate(MemoryConfig{ManualActivation: true})
	handle, _ := d.AddEscrowToken([]byte("token"), 10)

	if d.IsActive(handle, 10) {
		t.Fatal("token active before activation")
	}
	if err := d.OnUnlockDataReceived(10, []byte("token"), handle); !errors.Is(err, ErrTokenInactive) {
		t.Errorf("err = %v, want ErrTokenInactive", err)
	}
	if !d.Activate(handle) {
		t.Fatal("Activate returned false")
	}
	if d.Activate(handle) {
		t.Error("second Activate should be a no-op")
	}
}

func TestMemoryDelegateUnlock(t *testing.T) {
	d := NewMemoryDelegate(MemoryConfig{ManualActivation: true})
	handle, _ := d.AddEscrowToken([]byte("token"), 10)
	d.Activate(handle)

	tests := []struct {
		name    string
		userID  int
		token   string
		handle  uint64
		wantErr error
	}{
		{"unknown handle", 10, "token", handle + 1, ErrUnknownHandle},
		{"wrong user", 11, "token", handle, ErrWrongUser},
		{"wrong token", 10, "other", handle, ErrTokenMismatch},
		{"ok", 10, "token", handle, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.OnUnlockDataReceived(tt.userID, []byte(tt.token), tt.handle)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	unlocks := d.Unlocks()
	if len(unlocks) != 1 {
		t.Fatalf("unlocks = %d, want 1", len(unlocks))
	}
	if unlocks[0].UserID != 10 || string(unlocks[0].Token) != "token" || unlocks[0].Handle != handle {
		t.Errorf("unexpected unlock record %+v", unlocks[0])
	}
}

func TestMemoryDelegateRemove(t *testing.T) {
	d := NewMemoryDelegate(MemoryConfig{ManualActivation: true})
	handle, _ := d.AddEscrowToken([]byte("token"), 10)

	if err := d.RemoveEscrowToken(handle, 11); !errors.Is(err, ErrWrongUser) {
		t.Errorf("err = %v, want ErrWrongUser", err)
	}
	if err := d.RemoveEscrowToken(handle, 10); err != nil {
		t.Fatalf("RemoveEscrowToken: %v", err)
	}
	if d.HasToken(handle) || d.TokenCount() != 0 {
		t.Error("token still present")
	}
	if err := d.RemoveEscrowToken(handle, 10); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("err = %v, want ErrUnknownHandle", err)
	}
}
