package trust

import "testing"

func TestMode_String(t *testing.T) {
	tests := []struct {
		m    Mode
		want string
	}{
		{ModeIdle, "Idle"},
		{ModeEnrolling, "Enrolling"},
		{ModeUnlocking, "Unlocking"},
		{Mode(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.m, got, tt.want)
		}
	}
	if Mode(99).IsValid() || !ModeUnlocking.IsValid() {
		t.Error("Mode.IsValid() wrong")
	}
}

func TestEnrollmentState_Transitions(t *testing.T) {
	tests := []struct {
		from, to EnrollmentState
		want     bool
	}{
		{EnrollmentNone, EnrollmentIDReceived, true},
		{EnrollmentIDReceived, EnrollmentEncryptionDone, true},
		{EnrollmentEncryptionDone, EnrollmentHandleSent, true},
		{EnrollmentNone, EnrollmentEncryptionDone, false},
		{EnrollmentNone, EnrollmentHandleSent, false},
		{EnrollmentIDReceived, EnrollmentHandleSent, false},
		{EnrollmentHandleSent, EnrollmentNone, false},
		{EnrollmentEncryptionDone, EnrollmentIDReceived, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEnrollmentState_String(t *testing.T) {
	tests := []struct {
		s    EnrollmentState
		want string
	}{
		{EnrollmentNone, "None"},
		{EnrollmentIDReceived, "IDReceived"},
		{EnrollmentEncryptionDone, "EncryptionDone"},
		{EnrollmentHandleSent, "HandleSent"},
		{EnrollmentState(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("EnrollmentState(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
	if !EnrollmentHandleSent.IsTerminal() || EnrollmentEncryptionDone.IsTerminal() {
		t.Error("only HandleSent is terminal")
	}
}

func TestUnlockState_Transitions(t *testing.T) {
	order := []UnlockState{
		UnlockAwaitID,
		UnlockKeyExchange,
		UnlockAwaitClientAuth,
		UnlockMutualAuth,
		UnlockCredentialsDone,
	}
	for i, from := range order {
		for j, to := range order {
			want := j == i+1
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
		if !from.IsValid() {
			t.Errorf("%s.IsValid() = false", from)
		}
	}
	if UnlockState(-1).IsValid() {
		t.Error("UnlockState(-1) is valid")
	}
	if !UnlockCredentialsDone.IsTerminal() || UnlockMutualAuth.IsTerminal() {
		t.Error("only CredentialsDone is terminal")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindFraming, "framing"},
		{KindVersionMismatch, "version mismatch"},
		{KindHandshake, "handshake"},
		{KindAuthentication, "authentication"},
		{KindValidation, "validation"},
		{KindStorage, "storage"},
		{KindTransport, "transport"},
		{KindProtocol, "protocol"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}
