package vm

import "fmt"

// ---------------------------------------------------------------------------
// Instruction handlers
// ---------------------------------------------------------------------------
//
// Each handler performs one instruction's semantic effect and reports how
// dispatch should continue. Handlers never panic across the trampoline and
// never raise Go errors: failure is recorded on thread state and signaled
// with instFail, which routes ip to the frame's exception_ip. Side effects
// commit before the trampoline advances ip.

type resKind uint8

const (
	// instOK: success; advance ip by the instruction width.
	instOK resKind = iota

	// instFail: handler failed; route ip to exception_ip. The pending
	// condition is already on thread state.
	instFail

	// instReturn: the frame is done; value is its result.
	instReturn

	// instUnwind: terminate the frame and let the return path consume the
	// pending transfer on thread state.
	instUnwind
)

type instResult struct {
	kind  resKind
	value Value
}

var (
	resOK     = instResult{kind: instOK}
	resFail   = instResult{kind: instFail}
	resUnwind = instResult{kind: instUnwind}
)

func resReturn(v Value) instResult { return instResult{kind: instReturn, value: v} }

type handlerFn func(m *Machine, st *ThreadState, cf *CallFrame) instResult

// opcodeHandlers is the dispatch table: the opcode word indexes it directly.
var opcodeHandlers [0x80]handlerFn

func init() {
	opcodeHandlers[OpNoop] = instNoop
	opcodeHandlers[OpPop] = instPop
	opcodeHandlers[OpDup] = instDup
	opcodeHandlers[OpPushNil] = instPushNil
	opcodeHandlers[OpPushTrue] = instPushTrue
	opcodeHandlers[OpPushFalse] = instPushFalse
	opcodeHandlers[OpPushSelf] = instPushSelf
	opcodeHandlers[OpPushInt] = instPushInt
	opcodeHandlers[OpPushLiteral] = instPushLiteral
	opcodeHandlers[OpPushLocal] = instPushLocal
	opcodeHandlers[OpSetLocal] = instSetLocal
	opcodeHandlers[OpGoto] = instGoto
	opcodeHandlers[OpGotoIfFalse] = instGotoIfFalse
	opcodeHandlers[OpRet] = instRet
	opcodeHandlers[OpAddScope] = instAddScope
	opcodeHandlers[OpPushScope] = instPushScope
	opcodeHandlers[OpRaiseBreak] = instRaiseBreak
	opcodeHandlers[OpObjectToS] = instObjectToS
	opcodeHandlers[OpCreateBlock] = instCreateBlock
	opcodeHandlers[OpInvokeBlock] = instInvokeBlock
	opcodeHandlers[OpCreateLambda] = instCreateLambda
}

// ---------------------------------------------------------------------------
// Stack and constants
// ---------------------------------------------------------------------------

func instNoop(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	return resOK
}

func instPop(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Pop()
	return resOK
}

func instDup(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(cf.Top())
	return resOK
}

func instPushNil(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(Nil)
	return resOK
}

func instPushTrue(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(True)
	return resOK
}

func instPushFalse(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(False)
	return resOK
}

func instPushSelf(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(cf.Scope.Self)
	return resOK
}

func instPushInt(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(FromSmallInt(cf.Argument(0)))
	return resOK
}

func instPushLiteral(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(cf.Literal(cf.Argument(0)))
	return resOK
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

func instPushLocal(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(cf.Scope.Local(int(cf.Argument(0))))
	return resOK
}

func instSetLocal(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Scope.SetLocal(int(cf.Argument(0)), cf.Top())
	return resOK
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func instGoto(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	target := int(cf.Argument(0))
	backEdge := target <= cf.IP
	cf.IP = target
	if backEdge {
		// Back-edges are safepoints; the jump is committed first so the
		// collector sees a coherent ip.
		m.nexus.Checkpoint(st)
	}
	return instResult{kind: instOK}
}

func instGotoIfFalse(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	target := int(cf.Argument(0))
	cond := cf.Pop()
	if cond.IsTruthy() {
		cf.NextIP(OpGotoIfFalse.Width())
		return instResult{kind: instOK}
	}
	backEdge := target <= cf.IP
	cf.IP = target
	if backEdge {
		m.nexus.Checkpoint(st)
	}
	return instResult{kind: instOK}
}

func instRet(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	return resReturn(cf.Pop())
}

// ---------------------------------------------------------------------------
// Lexical scope
// ---------------------------------------------------------------------------

// instAddScope pops a module and extends the frame's lexical chain by one
// link. On a non-module top-of-stack the chain is left untouched and a
// TypeCastError is raised.
func instAddScope(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	v := cf.Pop()
	mod, ok := m.asModule(v)
	if !ok {
		exc := m.heap.NewException(TypeCastError,
			fmt.Sprintf("expected Module, got %s", m.kindName(v)),
			locationsFromCallStack(st))
		st.RaiseException(exc.ToValue())
		return resFail
	}
	scope := m.heap.NewLexicalScope(mod.ToValue(), cf.LexicalScope)
	cf.LexicalScope = scope.ToValue()
	return resOK
}

func instPushScope(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	cf.Push(cf.LexicalScope)
	return resOK
}

// ---------------------------------------------------------------------------
// Non-local break
// ---------------------------------------------------------------------------

// instRaiseBreak decides among three outcomes with the break value on top
// of the operand stack:
//
//  1. Lambda frame: break degrades to a plain return of the value.
//  2. Block whose target scope is still valid: record a pending break on
//     thread state and unwind; return handlers carry it to the activation
//     owning the parent scope.
//  3. Block whose target scope has exited: raise a JumpError through the
//     exception channel.
//
// The lambda check precedes the validity check, and validity is judged on
// the parent scope, the break's target, not on the frame's own scope.
func instRaiseBreak(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	if cf.IsLambda() {
		return resReturn(cf.Top())
	}
	if st.ScopeValid(cf.Scope.Parent) {
		st.RaiseBreak(cf.Top(), cf.Scope.Parent)
		return resUnwind
	}
	exc := m.heap.NewException(JumpError,
		"attempted to break to exited method",
		locationsFromCallStack(st))
	st.RaiseException(exc.ToValue())
	return resFail
}

// ---------------------------------------------------------------------------
// Runtime helpers
// ---------------------------------------------------------------------------

// instObjectToS converts the top of stack to a String object. The inline
// argument names the coercion selector, used only for the error message.
func instObjectToS(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	v := cf.Pop()
	s, ok := m.toString(v)
	if !ok {
		exc := m.heap.NewException(TypeCastError,
			fmt.Sprintf("%s does not respond to %s", m.kindName(v), m.selectorName(cf, 0)),
			locationsFromCallStack(st))
		st.RaiseException(exc.ToValue())
		return resFail
	}
	cf.Push(m.heap.NewString(s).ToValue())
	return resOK
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func instCreateBlock(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	return createBlock(m, st, cf, false)
}

func instCreateLambda(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	return createBlock(m, st, cf, true)
}

func createBlock(m *Machine, st *ThreadState, cf *CallFrame, lambda bool) instResult {
	idx := int(cf.Argument(0))
	if idx < 0 || idx >= len(cf.Code.Children) {
		exc := m.heap.NewException(RuntimeError,
			fmt.Sprintf("no block body at index %d", idx),
			locationsFromCallStack(st))
		st.RaiseException(exc.ToValue())
		return resFail
	}
	blk := m.heap.NewBlock(cf.Code.Children[idx], cf.Scope, cf.LexicalScope, lambda)
	cf.Push(blk.ToValue())
	return resOK
}

func instInvokeBlock(m *Machine, st *ThreadState, cf *CallFrame) instResult {
	argc := int(cf.Argument(0))
	args := make([]Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = cf.Pop()
	}
	v := cf.Pop()
	blk, ok := m.asBlock(v)
	if !ok {
		exc := m.heap.NewException(TypeCastError,
			fmt.Sprintf("expected Block, got %s", m.kindName(v)),
			locationsFromCallStack(st))
		st.RaiseException(exc.ToValue())
		return resFail
	}

	// Call cadence is covered by the frame-entry checkpoint in runFrame.
	result := m.runBlock(st, cf, blk.Blk, args)

	if !st.PendingException().IsNil() {
		return resFail
	}
	if st.HasPendingBreak() {
		if st.BreakDestination() == cf.Scope {
			// This activation is the break target: the value becomes our
			// return value and the pending break is cleared.
			return resReturn(st.takeBreak())
		}
		// Not ours: keep unwinding.
		return resUnwind
	}
	cf.Push(result)
	return resOK
}
