package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var memoryLog = commonlog.GetLogger("rubinius.memory")

// ---------------------------------------------------------------------------
// Collector capability
// ---------------------------------------------------------------------------

// Collector is the capability a concrete collector implements. The walker
// is generic over it: nursery, mature, and verification collectors differ
// only in these three hooks.
type Collector interface {
	// SawObject is the subclass-specific response to discovering a live
	// reference. It returns the forwarded reference when the collector
	// relocated the object, or Nil when the reference stands.
	SawObject(v Value) Value

	// ScannedObject is notified after an object's outgoing references
	// have been traced.
	ScannedObject(v Value)

	// MatureGCInProgress reports whether a mature collection overlaps
	// this cycle, which gates promotion decisions.
	MatureGCInProgress() bool
}

// ---------------------------------------------------------------------------
// AddressDisplacement
// ---------------------------------------------------------------------------

// AddressDisplacement describes a relocated address range. Pointers whose
// raw address lies in [Lower, Upper) are rewritten by adding Offset;
// pointers outside the range pass through unchanged. This is how a copying
// collector rewrites stack-interior references after moving a region.
type AddressDisplacement struct {
	Offset int64
	Lower  uint64
	Upper  uint64
}

// Displace applies the displacement to a raw address.
func (d *AddressDisplacement) Displace(addr uint64) uint64 {
	if addr < d.Lower {
		return addr
	}
	if addr >= d.Upper {
		return addr
	}
	return uint64(int64(addr) + d.Offset)
}

// DisplaceValue applies the displacement to a reference value; immediates
// pass through.
func (d *AddressDisplacement) DisplaceValue(v Value) Value {
	if d == nil || !v.IsReference() {
		return v
	}
	return FromAddress(d.Displace(v.Address()))
}

// ---------------------------------------------------------------------------
// GarbageCollector: the root walker
// ---------------------------------------------------------------------------

// GarbageCollector provides the shared machinery every collector variant
// uses: marking, object scanning, frame and scope walking, weak-reference
// cleanup, and verification. The algorithm-specific response to a live
// object lives behind the Collector capability.
type GarbageCollector struct {
	heap *Heap
	col  Collector

	// weakRefs is this cycle's weak-reference array. Entries are not
	// marked by the normal trace; clean_weakrefs nulls the dead ones
	// after marking. The collector owns the array for one cycle.
	weakRefs []Value
}

// NewGarbageCollector creates a walker bound to a heap and a capability.
func NewGarbageCollector(heap *Heap, col Collector) *GarbageCollector {
	return &GarbageCollector{heap: heap, col: col}
}

// Heap returns the object space being collected.
func (gc *GarbageCollector) Heap() *Heap { return gc.heap }

// MarkObject marks v as live. Nil and immediates are ignored; otherwise
// the capability's SawObject runs and its forwarded pointer, if any, is
// adopted.
func (gc *GarbageCollector) MarkObject(v Value) Value {
	if v.IsNil() || !v.IsReference() {
		return v
	}
	if fwd := gc.col.SawObject(v); !fwd.IsNil() {
		return fwd
	}
	return v
}

// ScanObject traces an object's outgoing references, invoking MarkObject
// on each slot and adopting forwarded pointers in place.
func (gc *GarbageCollector) ScanObject(v Value) {
	if !v.IsReference() {
		return
	}
	obj := gc.heap.Lookup(v.Address())
	if obj == nil {
		return
	}
	for i, slot := range obj.Slots {
		obj.Slots[i] = gc.MarkObject(slot)
	}
	if obj.Blk != nil {
		obj.Blk.LexicalScope = gc.MarkObject(obj.Blk.LexicalScope)
		gc.SawVariableScope(obj.Blk.Scope, nil)
		gc.markLiterals(obj.Blk.Code, nil)
	}
	gc.col.ScannedObject(v)
}

// WalkCallFrame walks a call-frame chain, marking every reference the
// frames keep live: the lexical scope, the operand stack up to the live
// stack pointer, the dynamic scope chain, and reference-valued literals.
// A non-nil displacement is applied to each pointer before marking.
func (gc *GarbageCollector) WalkCallFrame(cf *CallFrame, disp *AddressDisplacement) {
	for ; cf != nil; cf = cf.Previous {
		cf.LexicalScope = gc.MarkObject(disp.DisplaceValue(cf.LexicalScope))

		for i := 0; i < cf.Depth(); i++ {
			cf.SetStackAt(i, gc.MarkObject(disp.DisplaceValue(cf.StackAt(i))))
		}

		gc.SawVariableScope(cf.Scope, disp)

		gc.markLiterals(cf.Code, disp)
	}
}

// SawVariableScope traverses a dynamic scope chain, marking the receiver
// and every local of each scope. A non-nil displacement is applied to each
// pointer before marking.
func (gc *GarbageCollector) SawVariableScope(scope *StackVariables, disp *AddressDisplacement) {
	for sv := scope; sv != nil; sv = sv.Parent {
		sv.Self = gc.MarkObject(disp.DisplaceValue(sv.Self))
		for i := 0; i < sv.NumLocals(); i++ {
			sv.SetLocal(i, gc.MarkObject(disp.DisplaceValue(sv.Local(i))))
		}
	}
}

// markLiterals marks reference-valued literals of a code unit, the moral
// equivalent of marking inline arguments in the opcode stream.
func (gc *GarbageCollector) markLiterals(code *CompiledCode, disp *AddressDisplacement) {
	for i, lit := range code.Literals {
		code.Literals[i] = gc.MarkObject(disp.DisplaceValue(lit))
	}
}

// ---------------------------------------------------------------------------
// Thread and root scanning
// ---------------------------------------------------------------------------

// ScanThread scans one thread's roots: its frame chain and its pending
// transfer slots. The lock acquisition list is not a root: a lock alone
// must not keep its object alive, so CleanLockedObjects settles the list
// after the mark phase.
func (gc *GarbageCollector) ScanThread(st *ThreadState) {
	gc.WalkCallFrame(st.Current(), nil)

	if !st.pendingException.IsNil() {
		st.pendingException = gc.MarkObject(st.pendingException)
	}
	if st.pendingBreak != nil {
		st.pendingBreak.value = gc.MarkObject(st.pendingBreak.value)
	}
}

// ScanRoots enumerates every root source in GCData, in the canonical
// order: threads, the global roots table, the handle tables, then the
// global cache.
func (gc *GarbageCollector) ScanRoots(data *GCData) {
	for _, st := range data.ThreadNexus().Threads() {
		gc.ScanThread(st)
	}

	data.Roots().Each(func(r *Root) {
		r.Set(gc.MarkObject(r.Get()))
	})

	data.Handles().Each(func(h *Handle) {
		h.SetObject(gc.MarkObject(h.Object()))
	})
	for _, h := range data.CachedHandles() {
		h.SetObject(gc.MarkObject(h.Object()))
	}
	for _, gh := range data.GlobalHandleLocations() {
		*gh.Location = gc.MarkObject(*gh.Location)
	}

	data.GlobalCache().Each(func(e *CacheEntry) {
		e.Module = gc.MarkObject(e.Module)
		e.Value = gc.MarkObject(e.Value)
	})
}

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

// AddWeakRef appends obj to the cycle's weak-reference array. Weak entries
// do not keep their referent alive.
func (gc *GarbageCollector) AddWeakRef(obj Value) {
	gc.weakRefs = append(gc.weakRefs, obj)
}

// WeakRefs returns the weak-reference array.
func (gc *GarbageCollector) WeakRefs() []Value {
	return gc.weakRefs
}

// CleanWeakrefs runs after the mark phase: entries whose referent was not
// marked are nulled. With checkForwards set, surviving entries are
// rewritten through forwarding pointers first.
func (gc *GarbageCollector) CleanWeakrefs(checkForwards bool) int {
	cleared := 0
	for i, v := range gc.weakRefs {
		if !v.IsReference() {
			continue
		}
		obj := gc.heap.Lookup(v.Address())
		if obj == nil {
			gc.weakRefs[i] = Nil
			cleared++
			continue
		}
		if checkForwards && obj.Forwarded() != 0 {
			obj = gc.heap.Lookup(obj.Forwarded())
			if obj == nil {
				gc.weakRefs[i] = Nil
				cleared++
				continue
			}
			gc.weakRefs[i] = obj.ToValue()
		}
		if !gc.heap.IsMarked(obj) {
			gc.weakRefs[i] = Nil
			cleared++
		}
	}
	if cleared > 0 {
		memoryLog.Debugf("cleared %d weak references", cleared)
	}
	return cleared
}

// CleanLockedObjects settles a thread's lock acquisition list after the
// mark phase: forwarded entries are rewritten to the new address, then
// locks on unmarked objects are dropped. With youngOnly set the pass is
// scoped to nursery objects.
func (gc *GarbageCollector) CleanLockedObjects(st *ThreadState, youngOnly bool) {
	locked := st.LockedObjects()
	for i := len(locked) - 1; i >= 0; i-- {
		v := locked[i]
		if !v.IsReference() || !gc.inGeneration(v, youngOnly) {
			continue
		}
		obj := gc.heap.Lookup(v.Address())
		if obj == nil {
			st.dropLock(i)
			continue
		}
		// A promoted object's mark lives on the moved copy, so forwarding
		// is adopted before the mark is consulted.
		if fwd := obj.Forwarded(); fwd != 0 {
			obj = gc.heap.Lookup(fwd)
			if obj == nil {
				st.dropLock(i)
				continue
			}
			st.setLockedObject(i, FromAddress(fwd))
		}
		if !gc.heap.IsMarked(obj) {
			st.dropLock(i)
		}
	}
}

func (gc *GarbageCollector) inGeneration(v Value, youngOnly bool) bool {
	if !youngOnly {
		return true
	}
	if !v.IsReference() {
		return false
	}
	obj := gc.heap.Lookup(v.Address())
	return obj != nil && obj.Generation == GenYoung
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// VerifyCallFrame walks a frame chain asserting every pointer names a
// valid object header, without touching mark state. Debug builds run it
// against the full root set before and after cycles.
func (gc *GarbageCollector) VerifyCallFrame(cf *CallFrame, disp *AddressDisplacement) error {
	for ; cf != nil; cf = cf.Previous {
		if err := gc.verifyValue(disp.DisplaceValue(cf.LexicalScope)); err != nil {
			return fmt.Errorf("%s: lexical scope: %w", cf.Code.Name, err)
		}
		for i := 0; i < cf.Depth(); i++ {
			if err := gc.verifyValue(disp.DisplaceValue(cf.StackAt(i))); err != nil {
				return fmt.Errorf("%s: stack slot %d: %w", cf.Code.Name, i, err)
			}
		}
		if err := gc.VerifyVariableScope(cf.Scope); err != nil {
			return fmt.Errorf("%s: %w", cf.Code.Name, err)
		}
		for i, lit := range cf.Code.Literals {
			if err := gc.verifyValue(disp.DisplaceValue(lit)); err != nil {
				return fmt.Errorf("%s: literal %d: %w", cf.Code.Name, i, err)
			}
		}
	}
	return nil
}

// VerifyVariableScope checks every pointer of a dynamic scope chain.
func (gc *GarbageCollector) VerifyVariableScope(scope *StackVariables) error {
	for sv := scope; sv != nil; sv = sv.Parent {
		if err := gc.verifyValue(sv.Self); err != nil {
			return fmt.Errorf("scope receiver: %w", err)
		}
		for i := 0; i < sv.NumLocals(); i++ {
			if err := gc.verifyValue(sv.Local(i)); err != nil {
				return fmt.Errorf("scope local %d: %w", i, err)
			}
		}
	}
	return nil
}

// Verify checks the whole root set.
func (gc *GarbageCollector) Verify(data *GCData) error {
	for _, st := range data.ThreadNexus().Threads() {
		if err := gc.VerifyCallFrame(st.Current(), nil); err != nil {
			return err
		}
	}
	var verr error
	data.Roots().Each(func(r *Root) {
		if verr == nil {
			verr = gc.verifyValue(r.Get())
		}
	})
	if verr != nil {
		return fmt.Errorf("root table: %w", verr)
	}
	data.Handles().Each(func(h *Handle) {
		if verr == nil {
			verr = gc.verifyValue(h.Object())
		}
	})
	if verr != nil {
		return fmt.Errorf("handle table: %w", verr)
	}
	return nil
}

func (gc *GarbageCollector) verifyValue(v Value) error {
	if !v.IsReference() {
		return nil
	}
	if !gc.heap.Valid(v.Address()) {
		return fmt.Errorf("invalid object header at %#x", v.Address())
	}
	return nil
}
