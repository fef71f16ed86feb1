package trust

// Mode is what the agent is currently advertising for.
type Mode int

const (
	// ModeIdle means nothing is advertised and connections are refused.
	ModeIdle Mode = iota
	// ModeEnrolling accepts companions that want to enroll.
	ModeEnrolling
	// ModeUnlocking accepts enrolled companions that want to unlock.
	ModeUnlocking
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModeEnrolling:
		return "Enrolling"
	case ModeUnlocking:
		return "Unlocking"
	default:
		return "Unknown"
	}
}

// IsValid returns true if this is a known mode.
func (m Mode) IsValid() bool {
	return m >= ModeIdle && m <= ModeUnlocking
}

// Flow identifies the protocol running on a connection.
type Flow int

const (
	FlowNone Flow = iota
	FlowEnrollment
	FlowUnlock
)

// String returns the string representation of the flow.
func (f Flow) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowEnrollment:
		return "enrollment"
	case FlowUnlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// EnrollmentState is the state of the enrollment flow on one connection.
// The flow is linear; a new connection always starts at EnrollmentNone.
type EnrollmentState int

const (
	// EnrollmentNone waits for the companion's device identifier.
	EnrollmentNone EnrollmentState = iota

	// EnrollmentIDReceived runs the key exchange and waits for the user to
	// accept the verification code.
	EnrollmentIDReceived

	// EnrollmentEncryptionDone waits for the escrow token and its activation.
	EnrollmentEncryptionDone

	// EnrollmentHandleSent is terminal: the handle was delivered.
	EnrollmentHandleSent
)

// String returns the string representation of the enrollment state.
func (s EnrollmentState) String() string {
	switch s {
	case EnrollmentNone:
		return "None"
	case EnrollmentIDReceived:
		return "IDReceived"
	case EnrollmentEncryptionDone:
		return "EncryptionDone"
	case EnrollmentHandleSent:
		return "HandleSent"
	default:
		return "Unknown"
	}
}

// IsValid returns true if this is a known state.
func (s EnrollmentState) IsValid() bool {
	return s >= EnrollmentNone && s <= EnrollmentHandleSent
}

// IsTerminal returns true for HandleSent.
func (s EnrollmentState) IsTerminal() bool {
	return s == EnrollmentHandleSent
}

var enrollmentTransitions = map[EnrollmentState][]EnrollmentState{
	EnrollmentNone:           {EnrollmentIDReceived},
	EnrollmentIDReceived:     {EnrollmentEncryptionDone},
	EnrollmentEncryptionDone: {EnrollmentHandleSent},
	EnrollmentHandleSent:     nil,
}

// CanTransitionTo reports whether next directly follows s.
func (s EnrollmentState) CanTransitionTo(next EnrollmentState) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UnlockState is the state of the unlock flow on one connection.
type UnlockState int

const (
	// UnlockAwaitID waits for the companion's device identifier.
	UnlockAwaitID UnlockState = iota

	// UnlockKeyExchange runs the key exchange with automatic verification.
	UnlockKeyExchange

	// UnlockAwaitClientAuth waits for the companion's resumption MAC.
	UnlockAwaitClientAuth

	// UnlockMutualAuth waits for the encrypted credentials.
	UnlockMutualAuth

	// UnlockCredentialsDone is terminal: the credentials were dispatched.
	UnlockCredentialsDone
)

// String returns the string representation of the unlock state.
func (s UnlockState) String() string {
	switch s {
	case UnlockAwaitID:
		return "AwaitID"
	case UnlockKeyExchange:
		return "KeyExchange"
	case UnlockAwaitClientAuth:
		return "AwaitClientAuth"
	case UnlockMutualAuth:
		return "MutualAuth"
	case UnlockCredentialsDone:
		return "CredentialsDone"
	default:
		return "Unknown"
	}
}

// IsValid returns true if this is a known state.
func (s UnlockState) IsValid() bool {
	return s >= UnlockAwaitID && s <= UnlockCredentialsDone
}

// IsTerminal returns true for CredentialsDone.
func (s UnlockState) IsTerminal() bool {
	return s == UnlockCredentialsDone
}

var unlockTransitions = map[UnlockState][]UnlockState{
	UnlockAwaitID:         {UnlockKeyExchange},
	UnlockKeyExchange:     {UnlockAwaitClientAuth},
	UnlockAwaitClientAuth: {UnlockMutualAuth},
	UnlockMutualAuth:      {UnlockCredentialsDone},
	UnlockCredentialsDone: nil,
}

// CanTransitionTo reports whether next directly follows s.
func (s UnlockState) CanTransitionTo(next UnlockState) bool {
	for _, allowed := range unlockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Kind classifies protocol failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindFraming is a malformed frame, reassembly overflow or exhausted
	// retransmissions.
	KindFraming
	// KindVersionMismatch is a rejected version exchange.
	KindVersionMismatch
	// KindHandshake is a key exchange failure.
	KindHandshake
	// KindAuthentication is a resumption MAC mismatch.
	KindAuthentication
	// KindValidation is a rejected device identifier, handle or token.
	KindValidation
	// KindStorage is a key store or persistence failure.
	KindStorage
	// KindTransport is a disconnect or advertising failure.
	KindTransport
	// KindProtocol is an unexpected message for the current state.
	KindProtocol
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindVersionMismatch:
		return "version mismatch"
	case KindHandshake:
		return "handshake"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}
