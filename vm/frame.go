package vm

// ---------------------------------------------------------------------------
// CallFrame: execution state for one activation
// ---------------------------------------------------------------------------

// Frame flags.
const (
	// FrameIsBlock marks frames executing a block body.
	FrameIsBlock uint32 = 1 << 0

	// FrameIsLambda marks lambda frames, whose break degrades to a plain
	// return instead of a non-local transfer.
	FrameIsLambda uint32 = 1 << 1
)

// CallFrame is the per-invocation record: instruction pointer, operand
// stack, dynamic scope, lexical scope, and the caller link the walker and
// the unwinder follow.
//
// Every reference-valued field of a live frame is reachable by the root
// walker: LexicalScope, the operand stack up to sp, the scope chain, and
// the literal frame of the code unit.
type CallFrame struct {
	Code *CompiledCode

	// IP always points at an opcode boundary within Code.Words.
	IP int

	// ExceptionIP is where the trampoline routes ip when a handler fails.
	ExceptionIP int

	// Scope is the activation's dynamic variable record. For block frames
	// its Parent is the captured scope of the home method.
	Scope *StackVariables

	// LexicalScope is a reference to the current LexicalScope object, or
	// Nil for a frame that has neither executed add_scope nor inherited one.
	LexicalScope Value

	Flags uint32

	// Previous is the caller frame, for walking and unwind.
	Previous *CallFrame

	stack []Value
	sp    int
}

// NewCallFrame creates a frame ready to execute code with the given scope.
// The lexical scope is inherited from the caller when there is one.
func NewCallFrame(code *CompiledCode, scope *StackVariables, previous *CallFrame, flags uint32) *CallFrame {
	lexical := Nil
	if previous != nil {
		lexical = previous.LexicalScope
	}
	return &CallFrame{
		Code:         code,
		ExceptionIP:  code.ExceptionIP,
		Scope:        scope,
		LexicalScope: lexical,
		Flags:        flags,
		Previous:     previous,
		stack:        make([]Value, 0, 8),
	}
}

// IsBlock reports whether this frame executes a block body.
func (cf *CallFrame) IsBlock() bool { return cf.Flags&FrameIsBlock != 0 }

// IsLambda reports whether this frame has lambda break semantics.
func (cf *CallFrame) IsLambda() bool { return cf.Flags&FrameIsLambda != 0 }

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// Push pushes v onto the operand stack.
func (cf *CallFrame) Push(v Value) {
	if cf.sp < len(cf.stack) {
		cf.stack[cf.sp] = v
	} else {
		cf.stack = append(cf.stack, v)
	}
	cf.sp++
}

// Pop removes and returns the top of stack.
// Panics on underflow; the compiler never emits unbalanced code.
func (cf *CallFrame) Pop() Value {
	if cf.sp <= 0 {
		panic("CallFrame.Pop: stack underflow")
	}
	cf.sp--
	return cf.stack[cf.sp]
}

// Top returns the top of stack without removing it.
func (cf *CallFrame) Top() Value {
	if cf.sp <= 0 {
		panic("CallFrame.Top: stack underflow")
	}
	return cf.stack[cf.sp-1]
}

// SetTop replaces the top of stack.
func (cf *CallFrame) SetTop(v Value) {
	if cf.sp <= 0 {
		panic("CallFrame.SetTop: stack underflow")
	}
	cf.stack[cf.sp-1] = v
}

// Depth returns the live operand stack depth.
func (cf *CallFrame) Depth() int { return cf.sp }

// StackAt returns the stack slot at index, 0 being the bottom.
func (cf *CallFrame) StackAt(index int) Value { return cf.stack[index] }

// SetStackAt rewrites the stack slot at index. The collector uses this to
// adopt forwarded pointers.
func (cf *CallFrame) SetStackAt(index int, v Value) { cf.stack[index] = v }

// ---------------------------------------------------------------------------
// Instruction stream access
// ---------------------------------------------------------------------------

// Argument reads inline argument i of the current instruction.
func (cf *CallFrame) Argument(i int) int64 {
	return cf.Code.Words[cf.IP+1+i]
}

// Literal returns literal at the given index.
func (cf *CallFrame) Literal(index int64) Value {
	return cf.Code.Literals[index]
}

// NextIP advances ip past the current instruction. Side effects of the
// handler are committed before this runs.
func (cf *CallFrame) NextIP(width int) {
	cf.IP += width
}

// JumpExceptionIP routes ip to the frame's unwind target.
func (cf *CallFrame) JumpExceptionIP() {
	cf.IP = cf.ExceptionIP
}
