package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// StackVariables: per-activation local variable record
// ---------------------------------------------------------------------------

// StackVariables is the dynamic scope of one method activation: its
// arguments-and-locals store plus the back-pointer blocks use to reach the
// enclosing activation. Block closures capture a *StackVariables, so a scope
// can outlive the frame that created it.
//
// A scope is valid while its activation has not returned. Validity is
// observed through ThreadState.ScopeValid; a non-local break targeting an
// exited scope raises a JumpError.
type StackVariables struct {
	// Parent is the scope of the lexically enclosing method activation,
	// or nil for a top-level method.
	Parent *StackVariables

	// Self is the receiver of the activation.
	Self Value

	locals []Value

	// owner is the thread whose stack carries the creating activation, set
	// when the activation starts executing. A break can only target a scope
	// on the current thread's own stack.
	owner atomic.Pointer[ThreadState]

	// exited flips exactly once, when the creating activation returns.
	// Read by ScopeValid from the owning thread and by the collector under
	// the safepoint guarantee.
	exited atomic.Bool
}

// NewStackVariables creates a scope with the given parent, receiver, and
// local count. Locals start nil.
func NewStackVariables(parent *StackVariables, self Value, numLocals int) *StackVariables {
	sv := &StackVariables{
		Parent: parent,
		Self:   self,
		locals: make([]Value, numLocals),
	}
	for i := range sv.locals {
		sv.locals[i] = Nil
	}
	return sv
}

// Local returns the local at index.
func (sv *StackVariables) Local(index int) Value {
	return sv.locals[index]
}

// SetLocal stores v into the local at index.
func (sv *StackVariables) SetLocal(index int, v Value) {
	sv.locals[index] = v
}

// NumLocals returns the number of locals in this scope.
func (sv *StackVariables) NumLocals() int {
	return len(sv.locals)
}

// setOwner records the thread executing the creating activation.
func (sv *StackVariables) setOwner(st *ThreadState) {
	sv.owner.Store(st)
}

// Owner returns the thread whose stack carries the creating activation, or
// nil if the scope has never been activated.
func (sv *StackVariables) Owner() *ThreadState {
	return sv.owner.Load()
}

// Exit marks the scope invalid. Called exactly once, when the creating
// activation returns.
func (sv *StackVariables) Exit() {
	sv.exited.Store(true)
}

// Exited reports whether the creating activation has returned.
func (sv *StackVariables) Exited() bool {
	return sv.exited.Load()
}
