package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Machine: the VM aggregate
// ---------------------------------------------------------------------------

// Machine owns the heap, the root tables, and the thread nexus. All global
// mutable state hangs off it; nothing in this package is process-wide.
type Machine struct {
	heap    *Heap
	nexus   *ThreadNexus
	roots   *Roots
	handles *Handles
	cache   *GlobalCache
	gcData  *GCData

	// Globals maps names to rooted values, the embedder's way of handing
	// modules and constants to bytecode via literals.
	globals map[string]*Root
}

// NewMachine creates an empty machine with an empty heap and root set.
func NewMachine() *Machine {
	m := &Machine{
		heap:    NewHeap(),
		nexus:   NewThreadNexus(),
		roots:   NewRoots(),
		handles: NewHandles(),
		cache:   NewGlobalCache(),
		globals: make(map[string]*Root),
	}
	m.gcData = NewGCData(m.roots, m.handles, m.cache, m.nexus)
	return m
}

// Heap returns the machine's object space.
func (m *Machine) Heap() *Heap { return m.heap }

// Nexus returns the thread nexus.
func (m *Machine) Nexus() *ThreadNexus { return m.nexus }

// GCData returns the root-set aggregate collections commence from.
func (m *Machine) GCData() *GCData { return m.gcData }

// GlobalCache returns the global inline cache.
func (m *Machine) GlobalCache() *GlobalCache { return m.cache }

// DefineGlobal roots v under name and returns its slot.
func (m *Machine) DefineGlobal(name string, v Value) *Root {
	root := m.roots.Add(v)
	m.globals[name] = root
	return root
}

// Global returns the value rooted under name, or Nil.
func (m *Machine) Global(name string) Value {
	if root, ok := m.globals[name]; ok {
		return root.Get()
	}
	return Nil
}

// ---------------------------------------------------------------------------
// Threads and execution
// ---------------------------------------------------------------------------

// NewThread creates and registers a managed thread.
func (m *Machine) NewThread() *ThreadState {
	st := newThreadState(m)
	m.nexus.Register(st)
	return st
}

// RunCode executes a code unit on the given thread with the given receiver
// and arguments, blocking until the top-level activation returns. An
// exception that propagates off the frame chain terminates the activation
// and is returned as *UncaughtException.
func (m *Machine) RunCode(st *ThreadState, code *CompiledCode, self Value, args []Value) (Value, error) {
	m.nexus.beginExecution(st)
	defer m.nexus.endExecution(st)

	scope := NewStackVariables(nil, self, code.NumLocals)
	for i, arg := range args {
		if i < scope.NumLocals() {
			scope.SetLocal(i, arg)
		}
	}
	cf := NewCallFrame(code, scope, nil, 0)

	result := m.runFrame(st, cf)
	return m.settle(st, result)
}

// CallBlock invokes a block object from outside bytecode, e.g. from the
// embedder after the creating method has returned.
func (m *Machine) CallBlock(st *ThreadState, block Value, args []Value) (Value, error) {
	blk, ok := m.asBlock(block)
	if !ok {
		return Nil, fmt.Errorf("CallBlock: not a block: %s", m.kindName(block))
	}

	m.nexus.beginExecution(st)
	defer m.nexus.endExecution(st)

	result := m.runBlock(st, nil, blk.Blk, args)
	return m.settle(st, result)
}

// Spawn runs code on a fresh managed thread. The result arrives on the
// thread's join channel.
func (m *Machine) Spawn(code *CompiledCode, self Value, args []Value) *ThreadState {
	st := m.NewThread()
	go func() {
		defer m.nexus.Unregister(st)
		v, err := m.RunCode(st, code, self, args)
		st.join <- threadResult{value: v, err: err}
	}()
	return st
}

// settle converts a pending condition left after the top-level frame into
// the Go-facing result.
func (m *Machine) settle(st *ThreadState, result Value) (Value, error) {
	if exc := st.PendingException(); !exc.IsNil() {
		st.clearException()
		payload := m.heap.Get(exc).Exc
		return Nil, &UncaughtException{
			Kind:      payload.Kind,
			Message:   payload.Message,
			Locations: payload.Locations,
		}
	}
	if st.HasPendingBreak() {
		// The destination validity check makes this unreachable from
		// well-formed bytecode; surface it rather than swallow it.
		st.takeBreak()
		return Nil, &UncaughtException{
			Kind:    JumpError,
			Message: "break escaped its destination activation",
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Kind helpers
// ---------------------------------------------------------------------------

// asModule returns the module object referenced by v.
func (m *Machine) asModule(v Value) (*Object, bool) {
	if !v.IsReference() {
		return nil, false
	}
	obj := m.heap.Lookup(v.Address())
	if obj == nil || obj.Kind != KindModule {
		return nil, false
	}
	return obj, true
}

// asBlock returns the block object referenced by v.
func (m *Machine) asBlock(v Value) (*Object, bool) {
	if !v.IsReference() {
		return nil, false
	}
	obj := m.heap.Lookup(v.Address())
	if obj == nil || obj.Kind != KindBlock {
		return nil, false
	}
	return obj, true
}

// kindName names v's runtime kind for error messages.
func (m *Machine) kindName(v Value) string {
	switch {
	case v == Nil:
		return "NilClass"
	case v == True:
		return "TrueClass"
	case v == False:
		return "FalseClass"
	case v.IsSmallInt():
		return "Fixnum"
	case v.IsReference():
		if obj := m.heap.Lookup(v.Address()); obj != nil {
			return obj.Kind.String()
		}
		return "Object"
	case v.IsFloat():
		return "Float"
	}
	return "Object"
}

// selectorName reads an instruction's selector literal for diagnostics.
func (m *Machine) selectorName(cf *CallFrame, arg int) string {
	lit := cf.Literal(cf.Argument(arg))
	if lit.IsReference() {
		if obj := m.heap.Lookup(lit.Address()); obj != nil && obj.Kind == KindString {
			return obj.Str
		}
	}
	return "to_s"
}

// Inspect renders v for diagnostics, falling back to the kind name for
// values with no string coercion.
func (m *Machine) Inspect(v Value) string {
	if s, ok := m.toString(v); ok {
		return s
	}
	return fmt.Sprintf("#<%s>", m.kindName(v))
}

// toString is the object_to_s runtime helper. Plain objects have no string
// coercion without a class library, so they fail the cast.
func (m *Machine) toString(v Value) (string, bool) {
	switch {
	case v == Nil:
		return "nil", true
	case v == True:
		return "true", true
	case v == False:
		return "false", true
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10), true
	case v.IsReference():
		obj := m.heap.Lookup(v.Address())
		if obj == nil {
			return "", false
		}
		switch obj.Kind {
		case KindString:
			return obj.Str, true
		case KindModule:
			return obj.Str, true
		case KindLexicalScope:
			return "#<LexicalScope>", true
		case KindBlock:
			return "#<Block>", true
		case KindException:
			return fmt.Sprintf("#<%s: %s>", obj.Exc.Kind, obj.Exc.Message), true
		}
		return "", false
	case v.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64), true
	}
	return "", false
}
