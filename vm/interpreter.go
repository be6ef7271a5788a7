package vm

import "fmt"

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------
//
// Dispatch is two-level, following the handler/trampoline split: handlers
// perform semantic effects and report success, failure, or control
// transfer; the trampoline advances ip by the instruction width on success
// and routes it to exception_ip on failure. Go has no guaranteed tail
// calls, so the trampolines share one loop that indexes the handler table
// with the opcode word instead of tail-chaining through it.
//
// A thread may be stopped only between two iterations of this loop, at a
// Checkpoint: frame entry, back-edges, and calls. Handlers never observe a
// mark or relocation performed during their own execution.

// runFrame executes cf until it returns, making it the thread's current
// frame for the duration. The frame's scope is invalidated on exit.
func (m *Machine) runFrame(st *ThreadState, cf *CallFrame) Value {
	prev := st.Current()
	st.setCurrent(cf)
	cf.Scope.setOwner(st)
	defer func() {
		cf.Scope.Exit()
		st.setCurrent(prev)
	}()

	// Frame entry is a safepoint.
	m.nexus.Checkpoint(st)

	words := cf.Code.Words
	for {
		if cf.IP >= len(words) {
			// Fell off the end: the unwind stub for frames without a
			// handler region. A pending condition stays on thread state
			// for the return path.
			return Nil
		}

		op := Opcode(words[cf.IP])
		if op < 0 || int(op) >= len(opcodeHandlers) || opcodeHandlers[op] == nil {
			panic(fmt.Sprintf("runFrame: unknown opcode %#x at %s:%d", int64(op), cf.Code.Name, cf.IP))
		}

		res := opcodeHandlers[op](m, st, cf)
		switch res.kind {
		case instOK:
			switch op {
			case OpGoto, OpGotoIfFalse:
				// Jumps commit ip themselves.
			default:
				cf.NextIP(op.Width())
			}
		case instFail:
			cf.JumpExceptionIP()
		case instReturn:
			return res.value
		case instUnwind:
			return Nil
		}
	}
}

// runBlock pushes a frame for a block body and executes it. The block's
// activation gets a fresh scope whose parent is the captured scope, so a
// break from inside it targets the activation the block closed over.
func (m *Machine) runBlock(st *ThreadState, caller *CallFrame, blk *BlockPayload, args []Value) Value {
	scope := NewStackVariables(blk.Scope, blk.Scope.Self, blk.Code.NumLocals)
	for i, arg := range args {
		if i < scope.NumLocals() {
			scope.SetLocal(i, arg)
		}
	}

	flags := FrameIsBlock
	if blk.Lambda {
		flags |= FrameIsLambda
	}
	cf := NewCallFrame(blk.Code, scope, caller, flags)
	cf.LexicalScope = blk.LexicalScope
	return m.runFrame(st, cf)
}
