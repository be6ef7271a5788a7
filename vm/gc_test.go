package vm

import "testing"

// ---------------------------------------------------------------------------
// AddressDisplacement
// ---------------------------------------------------------------------------

func TestAddressDisplacement(t *testing.T) {
	disp := &AddressDisplacement{Offset: 0x100, Lower: 0x1000, Upper: 0x2000}

	cases := []struct {
		addr, want uint64
	}{
		{0x0fff, 0x0fff}, // below the range
		{0x1000, 0x1100}, // lower bound is inclusive
		{0x1abc, 0x1bbc},
		{0x1fff, 0x20ff},
		{0x2000, 0x2000}, // upper bound is exclusive
		{0x3000, 0x3000},
	}
	for _, tc := range cases {
		if got := disp.Displace(tc.addr); got != tc.want {
			t.Errorf("Displace(%#x): want %#x, got %#x", tc.addr, tc.want, got)
		}
	}
}

func TestDisplaceValue(t *testing.T) {
	disp := &AddressDisplacement{Offset: 0x10, Lower: 0x100, Upper: 0x200}

	if got := disp.DisplaceValue(FromAddress(0x100)); got.Address() != 0x110 {
		t.Errorf("reference in range should shift: got %#x", got.Address())
	}
	if got := disp.DisplaceValue(FromSmallInt(0x100)); got != FromSmallInt(0x100) {
		t.Error("immediates must pass through a displacement")
	}
	if got := disp.DisplaceValue(Nil); got != Nil {
		t.Error("nil must pass through a displacement")
	}

	var none *AddressDisplacement
	if got := none.DisplaceValue(FromAddress(0x100)); got.Address() != 0x100 {
		t.Error("a nil displacement is the identity")
	}
}

func TestNegativeDisplacement(t *testing.T) {
	disp := &AddressDisplacement{Offset: -0x40, Lower: 0x100, Upper: 0x180}
	if got := disp.Displace(0x140); got != 0x100 {
		t.Errorf("want %#x, got %#x", 0x100, got)
	}
}

// ---------------------------------------------------------------------------
// Walking
// ---------------------------------------------------------------------------

func TestWalkCallFrameRewritesStackThroughDisplacement(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	obj := h.NewString("moved")
	oldAddr := obj.Address()

	// Simulate a region move: relocate the object and displace the
	// single-object range it vacated.
	newAddr := h.Relocate(obj, GenMature)
	disp := &AddressDisplacement{
		Offset: int64(newAddr) - int64(oldAddr),
		Lower:  oldAddr,
		Upper:  oldAddr + heapAlign,
	}

	code := NewAssembler("walked").Build()
	scope := NewStackVariables(nil, FromAddress(oldAddr), 1)
	scope.SetLocal(0, FromAddress(oldAddr))
	cf := NewCallFrame(code, scope, nil, 0)
	cf.Push(FromAddress(oldAddr))

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	gc.WalkCallFrame(cf, disp)

	if cf.StackAt(0).Address() != newAddr {
		t.Errorf("stack slot not rewritten: %#x", cf.StackAt(0).Address())
	}
	if scope.Self.Address() != newAddr {
		t.Errorf("scope receiver not rewritten: %#x", scope.Self.Address())
	}
	if scope.Local(0).Address() != newAddr {
		t.Errorf("scope local not rewritten: %#x", scope.Local(0).Address())
	}
}

func TestWalkCallFrameCoversWholeChain(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	outerObj := h.NewString("outer")
	innerObj := h.NewString("inner")

	outerCode := NewAssembler("outer").Build()
	innerCode := NewAssembler("inner").Build()

	outerScope := NewStackVariables(nil, Nil, 0)
	outer := NewCallFrame(outerCode, outerScope, nil, 0)
	outer.Push(outerObj.ToValue())

	innerScope := NewStackVariables(outerScope, Nil, 0)
	inner := NewCallFrame(innerCode, innerScope, outer, 0)
	inner.Push(innerObj.ToValue())

	ms := NewMarkSweepCollector(h)
	h.BeginCycle()
	ms.WalkCallFrame(inner, nil)

	if !h.IsMarked(outerObj) || !h.IsMarked(innerObj) {
		t.Error("walking the innermost frame must reach every frame in the chain")
	}
}

func TestSawVariableScopeAppliesDisplacement(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	obj := h.NewString("moved")
	oldAddr := obj.Address()
	newAddr := h.Relocate(obj, GenMature)
	disp := &AddressDisplacement{
		Offset: int64(newAddr) - int64(oldAddr),
		Lower:  oldAddr,
		Upper:  oldAddr + heapAlign,
	}

	parent := NewStackVariables(nil, FromAddress(oldAddr), 0)
	child := NewStackVariables(parent, Nil, 1)
	child.SetLocal(0, FromAddress(oldAddr))

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	gc.SawVariableScope(child, disp)

	if child.Local(0).Address() != newAddr {
		t.Errorf("local not displaced: %#x", child.Local(0).Address())
	}
	if parent.Self.Address() != newAddr {
		t.Errorf("parent receiver not displaced: %#x", parent.Self.Address())
	}
}

func TestScanObjectTracesBlockPayload(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	captured := h.NewString("captured")
	scope := NewStackVariables(nil, Nil, 1)
	scope.SetLocal(0, captured.ToValue())

	lit := h.NewString("lit")
	code := NewCompiledCode("body", nil, []Value{lit.ToValue()}, 0)

	mod := h.NewModule("M")
	lexical := h.NewLexicalScope(mod.ToValue(), Nil)

	blk := h.NewBlock(code, scope, lexical.ToValue(), false)

	ms := NewMarkSweepCollector(h)
	h.BeginCycle()
	ms.SawObject(blk.ToValue())
	ms.ScanObject(blk.ToValue())

	if !h.IsMarked(captured) {
		t.Error("scanning a block should reach its captured scope")
	}
	if !h.IsMarked(lit) {
		t.Error("scanning a block should reach its code literals")
	}
	if !h.IsMarked(lexical) {
		t.Error("scanning a block should reach its lexical scope")
	}
}

// ---------------------------------------------------------------------------
// Root set
// ---------------------------------------------------------------------------

func TestScanRootsCoversEverySource(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	fromGlobal := h.NewString("global")
	m.DefineGlobal("g", fromGlobal.ToValue())

	fromHandle := h.NewString("handle")
	data := m.GCData()
	data.Handles().Allocate(fromHandle.ToValue())

	fromCached := h.NewString("cached")
	data.AddCachedHandle(&Handle{object: fromCached.ToValue()})

	fromLocation := h.NewString("location")
	loc := fromLocation.ToValue()
	data.AddGlobalHandleLocation(&GlobalHandle{Location: &loc})

	mod := h.NewModule("M")
	fromCache := h.NewString("cache_value")
	m.GlobalCache().Store(mod.ToValue(), "CONST", fromCache.ToValue())

	lockedOnly := h.NewString("locked")
	st := m.NewThread()
	defer m.Nexus().Unregister(st)
	st.RecordLock(lockedOnly.ToValue())

	ms := NewMarkSweepCollector(h)
	h.BeginCycle()
	ms.ScanRoots(data)

	for name, obj := range map[string]*Object{
		"roots table":            fromGlobal,
		"handle table":           fromHandle,
		"cached handles":         fromCached,
		"global handle location": fromLocation,
		"global cache value":     fromCache,
		"global cache module":    mod,
	} {
		if !h.IsMarked(obj) {
			t.Errorf("%s was not scanned", name)
		}
	}

	// A lock is not a root: the list is settled after marking so a lock
	// alone cannot keep its object alive.
	if h.IsMarked(lockedOnly) {
		t.Error("the lock acquisition list must not mark its entries")
	}
}

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

func TestCleanWeakrefs(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	survivors := []*Object{h.NewString("a"), h.NewString("b")}
	doomed := []*Object{h.NewString("c"), h.NewString("d"), h.NewString("e")}

	ms := NewMarkSweepCollector(h)
	for _, o := range survivors {
		ms.AddWeakRef(o.ToValue())
	}
	for _, o := range doomed {
		ms.AddWeakRef(o.ToValue())
	}

	h.BeginCycle()
	for _, o := range survivors {
		h.Mark(o)
	}

	if cleared := ms.CleanWeakrefs(false); cleared != 3 {
		t.Fatalf("want exactly 3 cleared, got %d", cleared)
	}

	refs := ms.WeakRefs()
	for i := range survivors {
		if refs[i] != survivors[i].ToValue() {
			t.Errorf("surviving weak ref %d was disturbed", i)
		}
	}
	for i := len(survivors); i < len(refs); i++ {
		if !refs[i].IsNil() {
			t.Errorf("dead weak ref %d should be nulled", i)
		}
	}
}

func TestCleanWeakrefsRewritesForwarding(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	obj := h.NewString("moving")
	ms := NewMarkSweepCollector(h)
	ms.AddWeakRef(obj.ToValue())

	newAddr := h.Relocate(obj, GenMature)
	h.BeginCycle()
	h.Mark(h.Lookup(newAddr))

	if cleared := ms.CleanWeakrefs(true); cleared != 0 {
		t.Fatalf("a forwarded, marked referent should survive, cleared %d", cleared)
	}
	if ms.WeakRefs()[0].Address() != newAddr {
		t.Errorf("weak ref should follow forwarding: %#x", ms.WeakRefs()[0].Address())
	}
}

func TestWeakRefsDoNotKeepReferentAlive(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	weakOnly := h.NewString("weak_only")
	ms := NewMarkSweepCollector(h)
	ms.AddWeakRef(weakOnly.ToValue())

	ms.Collect(m.GCData())

	if h.Valid(weakOnly.Address()) {
		t.Error("a weak reference alone must not keep its referent alive")
	}
	if !ms.WeakRefs()[0].IsNil() {
		t.Error("the weak entry should be nulled after the cycle")
	}
}

// ---------------------------------------------------------------------------
// Locked objects
// ---------------------------------------------------------------------------

func TestCleanLockedObjectsDropsDeadEntries(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	live := h.NewString("live")
	dead := h.NewString("dead")
	st.RecordLock(live.ToValue())
	st.RecordLock(dead.ToValue())

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	h.BeginCycle()
	h.Mark(live)
	gc.CleanLockedObjects(st, false)

	locked := st.LockedObjects()
	if len(locked) != 1 || locked[0] != live.ToValue() {
		t.Errorf("dead lock entry should be dropped: %v", locked)
	}
}

func TestCleanLockedObjectsAdoptsForwardingBeforeMarkCheck(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	obj := h.NewString("promoted")
	st.RecordLock(obj.ToValue())

	// A promoted object carries its mark on the moved copy; the stale
	// header at the old address is never marked.
	newAddr := h.Relocate(obj, GenMature)
	h.BeginCycle()
	h.Mark(h.Lookup(newAddr))

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	gc.CleanLockedObjects(st, false)

	locked := st.LockedObjects()
	if len(locked) != 1 {
		t.Fatalf("a lock on a live promoted object must survive: %v", locked)
	}
	if locked[0].Address() != newAddr {
		t.Errorf("lock entry should follow forwarding: %#x", locked[0].Address())
	}
}

func TestLockedOnlyObjectIsSweptWithLockDropped(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	lockedOnly := h.NewString("orphan")
	addr := lockedOnly.Address()
	st.RecordLock(lockedOnly.ToValue())

	ms := NewMarkSweepCollector(h)
	ms.Collect(m.GCData())

	if h.Valid(addr) {
		t.Error("an object reachable only through a lock must be swept")
	}
	if len(st.LockedObjects()) != 0 {
		t.Errorf("the lock on an unreachable object must be dropped: %d entries remain", len(st.LockedObjects()))
	}
}

func TestNurseryCycleRewritesLockOnSurvivor(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	kept := h.NewString("kept")
	oldAddr := kept.Address()
	m.DefineGlobal("kept", kept.ToValue())
	st.RecordLock(kept.ToValue())

	doomed := h.NewString("doomed")
	st.RecordLock(doomed.ToValue())

	nc := NewNurseryCollector(h)
	nc.Collect(m.GCData())

	locked := st.LockedObjects()
	if len(locked) != 1 {
		t.Fatalf("want the dead lock dropped and the live one kept: %v", locked)
	}
	if locked[0].Address() == oldAddr {
		t.Error("the surviving lock entry should be rewritten to the promoted address")
	}
	if obj := h.Lookup(locked[0].Address()); obj == nil || obj.Generation != GenMature {
		t.Error("the surviving lock entry should name the promoted object")
	}
}

func TestCleanLockedObjectsYoungOnlySkipsMature(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	matureDead := h.NewString("mature")
	matureDead.Generation = GenMature
	st.RecordLock(matureDead.ToValue())

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	h.BeginCycle()
	gc.CleanLockedObjects(st, true)

	if len(st.LockedObjects()) != 1 {
		t.Error("a young-only pass must leave mature entries alone")
	}
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func TestVerifyCallFrameDetectsDanglingPointer(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	code := NewAssembler("suspect").Build()
	scope := NewStackVariables(nil, Nil, 0)
	cf := NewCallFrame(code, scope, nil, 0)
	cf.Push(FromAddress(0x424240))

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	if err := gc.VerifyCallFrame(cf, nil); err == nil {
		t.Error("a dangling stack slot should fail verification")
	}
}

func TestVerifyAcceptsHealthyRoots(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	m.DefineGlobal("g", h.NewString("ok").ToValue())
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	gc := NewGarbageCollector(h, NewVerificationCollector(h))
	if err := gc.Verify(m.GCData()); err != nil {
		t.Errorf("healthy root set should verify: %v", err)
	}
}

func TestVerificationCollectorRecordsInvalid(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	vc := NewVerificationCollector(h)

	vc.MarkObject(FromAddress(0x999990))
	if len(vc.Invalid()) != 1 {
		t.Errorf("want 1 invalid reference recorded, got %d", len(vc.Invalid()))
	}

	vc2 := NewVerificationCollector(h)
	ok := h.NewString("fine")
	vc2.MarkObject(ok.ToValue())
	if len(vc2.Invalid()) != 0 {
		t.Error("valid references must not be recorded")
	}
}
