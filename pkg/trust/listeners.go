package trust

import (
	"sort"
	"sync"
)

// ListenerID identifies a registered listener.
type ListenerID uint64

// EnrollmentListener observes enrollment progress. Callbacks run on the
// agent's goroutine and must not block.
type EnrollmentListener interface {
	// OnVerificationCode asks the user to compare code with the one shown on
	// the companion. Call Agent.AcceptVerification to continue.
	OnVerificationCode(deviceID []byte, code string)

	// OnEnrollmentComplete reports a device enrolled under handle.
	OnEnrollmentComplete(deviceID []byte, handle uint64, userID int)

	// OnEnrollmentFailed reports an aborted enrollment.
	OnEnrollmentFailed(err error)
}

// UnlockListener observes unlock attempts. Callbacks run on the agent's
// goroutine and must not block.
type UnlockListener interface {
	// OnUnlockComplete reports credentials dispatched for userID.
	OnUnlockComplete(deviceID []byte, userID int, handle uint64)

	// OnUnlockFailed reports an aborted unlock.
	OnUnlockFailed(err error)
}

// EnrollmentListenerFuncs adapts functions to EnrollmentListener. Nil
// fields are skipped.
type EnrollmentListenerFuncs struct {
	VerificationCode func(deviceID []byte, code string)
	Complete         func(deviceID []byte, handle uint64, userID int)
	Failed           func(err error)
}

func (f EnrollmentListenerFuncs) OnVerificationCode(deviceID []byte, code string) {
	if f.VerificationCode != nil {
		f.VerificationCode(deviceID, code)
	}
}

func (f EnrollmentListenerFuncs) OnEnrollmentComplete(deviceID []byte, handle uint64, userID int) {
	if f.Complete != nil {
		f.Complete(deviceID, handle, userID)
	}
}

func (f EnrollmentListenerFuncs) OnEnrollmentFailed(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

// UnlockListenerFuncs adapts functions to UnlockListener.
type UnlockListenerFuncs struct {
	Complete func(deviceID []byte, userID int, handle uint64)
	Failed   func(err error)
}

func (f UnlockListenerFuncs) OnUnlockComplete(deviceID []byte, userID int, handle uint64) {
	if f.Complete != nil {
		f.Complete(deviceID, userID, handle)
	}
}

func (f UnlockListenerFuncs) OnUnlockFailed(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

// registry holds listeners in registration order.
type registry[T any] struct {
	mu        sync.Mutex
	next      ListenerID
	listeners map[ListenerID]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{listeners: make(map[ListenerID]T)}
}

func (r *registry[T]) register(l T) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.listeners[r.next] = l
	return r.next
}

func (r *registry[T]) unregister(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[id]
	delete(r.listeners, id)
	return ok
}

// snapshot returns the listeners ordered by registration.
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]ListenerID, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = r.listeners[id]
	}
	return out
}

func (r *registry[T]) each(fn func(T)) {
	for _, l := range r.snapshot() {
		fn(l)
	}
}
