package vm

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// ThreadState: per-thread VM state
// ---------------------------------------------------------------------------

// pendingBreak records a non-local break in flight: the value being
// returned and the scope of the activation that should consume it.
type pendingBreak struct {
	value Value
	dest  *StackVariables
}

// ThreadState is the per-thread container the interpreter and the collector
// share: the live frame chain, the pending transfer slots, and the lock
// acquisition list. At most one pending transfer is observable between two
// dispatch steps.
type ThreadState struct {
	id      uuid.UUID
	machine *Machine

	// current is the innermost live frame. Written by the owning thread,
	// read by the collector under the safepoint guarantee.
	mu      sync.Mutex
	current *CallFrame

	pendingBreak     *pendingBreak
	pendingException Value // Nil when no exception is pending

	// lockedObjects lists heap objects this thread holds locks on, for
	// clean_locked_objects after the mark phase.
	lockedObjects []Value

	// executing is true while this thread is inside the dispatch loop.
	// Threads outside the loop count as parked for the safepoint barrier.
	executing atomic.Bool

	// join delivers the top-level result exactly once.
	join chan threadResult
}

type threadResult struct {
	value Value
	err   error
}

func newThreadState(m *Machine) *ThreadState {
	return &ThreadState{
		id:               uuid.New(),
		machine:          m,
		pendingException: Nil,
		join:             make(chan threadResult, 1),
	}
}

// ID returns the thread's identity.
func (st *ThreadState) ID() uuid.UUID { return st.id }

// Machine returns the owning machine.
func (st *ThreadState) Machine() *Machine { return st.machine }

// Current returns the innermost live frame, or nil.
func (st *ThreadState) Current() *CallFrame {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

func (st *ThreadState) setCurrent(cf *CallFrame) {
	st.mu.Lock()
	st.current = cf
	st.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Pending transfer slots
// ---------------------------------------------------------------------------

// RaiseBreak records a pending non-local break. Return paths observe it and
// keep unwinding until the activation owning dest is reached.
func (st *ThreadState) RaiseBreak(value Value, dest *StackVariables) {
	st.pendingBreak = &pendingBreak{value: value, dest: dest}
}

// HasPendingBreak reports whether a break is in flight.
func (st *ThreadState) HasPendingBreak() bool { return st.pendingBreak != nil }

// BreakDestination returns the target scope of the pending break, or nil.
func (st *ThreadState) BreakDestination() *StackVariables {
	if st.pendingBreak == nil {
		return nil
	}
	return st.pendingBreak.dest
}

// takeBreak consumes the pending break and returns its value.
func (st *ThreadState) takeBreak() Value {
	v := st.pendingBreak.value
	st.pendingBreak = nil
	return v
}

// RaiseException records a pending exception. The dispatcher routes the
// current frame's ip to its exception_ip; an unhandled exception unwinds
// frame by frame until the thread terminates.
func (st *ThreadState) RaiseException(exc Value) {
	st.pendingException = exc
}

// PendingException returns the pending exception reference, or Nil.
func (st *ThreadState) PendingException() Value { return st.pendingException }

// clearException consumes the pending exception.
func (st *ThreadState) clearException() Value {
	exc := st.pendingException
	st.pendingException = Nil
	return exc
}

// ScopeValid reports whether the activation that created scope is still on
// this thread's live stack. A scope still live on another thread's stack is
// not a valid break target here.
func (st *ThreadState) ScopeValid(scope *StackVariables) bool {
	if scope == nil || scope.Exited() {
		return false
	}
	if owner := scope.Owner(); owner != nil && owner != st {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Locked objects
// ---------------------------------------------------------------------------

// RecordLock appends obj to the thread's lock acquisition list.
func (st *ThreadState) RecordLock(obj Value) {
	st.lockedObjects = append(st.lockedObjects, obj)
}

// LockedObjects returns the lock acquisition list.
func (st *ThreadState) LockedObjects() []Value { return st.lockedObjects }

// dropLock removes the lock list entry at index, preserving order.
func (st *ThreadState) dropLock(index int) {
	st.lockedObjects = append(st.lockedObjects[:index], st.lockedObjects[index+1:]...)
}

// setLockedObject rewrites a lock list entry, used when the collector
// adopts a forwarded pointer.
func (st *ThreadState) setLockedObject(index int, obj Value) {
	st.lockedObjects[index] = obj
}

// Join blocks until the thread's top-level activation finishes and returns
// its result. An uncaught exception surfaces here as *UncaughtException.
func (st *ThreadState) Join() (Value, error) {
	res := <-st.join
	return res.value, res.err
}
