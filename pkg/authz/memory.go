package authz

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/pion/logging"
)

// MemoryConfig configures a MemoryDelegate.
type MemoryConfig struct {
	// ActivationDelay is how long after AddEscrowToken the token activates.
	ActivationDelay time.Duration

	// ManualActivation disables automatic activation; call Activate instead.
	ManualActivation bool

	LoggerFactory logging.LoggerFactory
}

// UnlockRecord is one dispatched unlock.
type UnlockRecord struct {
	UserID int
	Token  []byte
	Handle uint64
}

type escrowToken struct {
	token  []byte
	userID int
	active bool
}

// MemoryDelegate is an in-process Delegate. Tokens activate asynchronously
// and unlock dispatches are recorded.
//
// All methods are safe for concurrent use.
type MemoryDelegate struct {
	config MemoryConfig

	mu         sync.Mutex
	tokens     map[uint64]*escrowToken
	nextHandle uint64
	unlocks    []UnlockRecord
	listener   ActivationFunc

	log logging.LeveledLogger
}

// NewMemoryDelegate creates a delegate.
func NewMemoryDelegate(config MemoryConfig) *MemoryDelegate {
	d := &MemoryDelegate{
		config:     config,
		tokens:     make(map[uint64]*escrowToken),
		nextHandle: 1,
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("authz")
	}
	return d
}

// SetActivationListener implements Delegate.
func (d *MemoryDelegate) SetActivationListener(fn ActivationFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = fn
}

// AddEscrowToken implements Delegate.
func (d *MemoryDelegate) AddEscrowToken(token []byte, userID int) (uint64, error) {
	d.mu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	d.tokens[handle] = &escrowToken{
		token:  append([]byte(nil), token...),
		userID: userID,
	}
	d.mu.Unlock()

	if d.log != nil {
		d.log.Debugf("added escrow token handle=%d user=%d", handle, userID)
	}
	if !d.config.ManualActivation {
		time.AfterFunc(d.config.ActivationDelay, func() { d.Activate(handle) })
	}
	return handle, nil
}

// Activate marks a token active and notifies the listener.
func (d *MemoryDelegate) Activate(handle uint64) bool {
	d.mu.Lock()
	t, ok := d.tokens[handle]
	if !ok || t.active {
		d.mu.Unlock()
		return false
	}
	t.active = true
	userID := t.userID
	listener := d.listener
	d.mu.Unlock()

	if d.log != nil {
		d.log.Debugf("escrow token handle=%d activated", handle)
	}
	if listener != nil {
		listener(handle, userID)
	}
	return true
}

// RemoveEscrowToken implements Delegate.
func (d *MemoryDelegate) RemoveEscrowToken(handle uint64, userID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tokens[handle]
	if !ok {
		return ErrUnknownHandle
	}
	if t.userID != userID {
		return ErrWrongUser
	}
	delete(d.tokens, handle)
	return nil
}

// IsEscrowTokenActive implements Delegate.
func (d *MemoryDelegate) IsEscrowTokenActive(handle uint64, userID int, result func(active bool)) {
	d.mu.Lock()
	t, ok := d.tokens[handle]
	active := ok && t.userID == userID && t.active
	d.mu.Unlock()

	go result(active)
}

// IsActive is the synchronous form of IsEscrowTokenActive.
func (d *MemoryDelegate) IsActive(handle uint64, userID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tokens[handle]
	return ok && t.userID == userID && t.active
}

// HasToken reports whether a token exists for handle.
func (d *MemoryDelegate) HasToken(handle uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tokens[handle]
	return ok
}

// TokenCount returns the number of registered tokens.
func (d *MemoryDelegate) TokenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// OnUnlockDataReceived implements Delegate. The token must match the active
// token registered for handle and userID.
func (d *MemoryDelegate) OnUnlockDataReceived(userID int, token []byte, handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tokens[handle]
	switch {
	case !ok:
		return ErrUnknownHandle
	case t.userID != userID:
		return ErrWrongUser
	case !t.active:
		return ErrTokenInactive
	case subtle.ConstantTimeCompare(t.token, token) != 1:
		return ErrTokenMismatch
	}

	d.unlocks = append(d.unlocks, UnlockRecord{
		UserID: userID,
		Token:  append([]byte(nil), token...),
		Handle: handle,
	})
	if d.log != nil {
		d.log.Infof("unlock dispatched for user=%d handle=%d", userID, handle)
	}
	return nil
}

// Unlocks returns the recorded unlock dispatches.
func (d *MemoryDelegate) Unlocks() []UnlockRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]UnlockRecord(nil), d.unlocks...)
}

var _ Delegate = (*MemoryDelegate)(nil)
