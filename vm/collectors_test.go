package vm

import "testing"

// ---------------------------------------------------------------------------
// Mark-sweep
// ---------------------------------------------------------------------------

func TestMarkSweepReclaimsUnreachable(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	rooted := h.NewObject(1)
	reachable := h.NewString("kept")
	rooted.Slots[0] = reachable.ToValue()
	m.DefineGlobal("keeper", rooted.ToValue())

	garbage := h.NewString("garbage")

	ms := NewMarkSweepCollector(h)
	swept := ms.Collect(m.GCData())

	if swept == 0 {
		t.Error("the unreachable object should have been swept")
	}
	if !h.Valid(rooted.Address()) || !h.Valid(reachable.Address()) {
		t.Error("rooted objects and their referents must survive")
	}
	if h.Valid(garbage.Address()) {
		t.Error("unreachable object survived the sweep")
	}
}

func TestMarkSweepTracesDeepChains(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	// head -> a -> b -> c, rooted at head only.
	head := h.NewObject(1)
	objs := []*Object{head}
	for i := 0; i < 3; i++ {
		next := h.NewObject(1)
		objs[len(objs)-1].Slots[0] = next.ToValue()
		objs = append(objs, next)
	}
	m.DefineGlobal("head", head.ToValue())

	ms := NewMarkSweepCollector(h)
	ms.Collect(m.GCData())

	for i, o := range objs {
		if !h.Valid(o.Address()) {
			t.Errorf("chain element %d was swept", i)
		}
	}
}

func TestMarkSweepSurvivesRepeatedCycles(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	kept := h.NewString("kept")
	m.DefineGlobal("kept", kept.ToValue())

	ms := NewMarkSweepCollector(h)
	for i := 0; i < 3; i++ {
		h.NewString("transient")
		ms.Collect(m.GCData())
	}
	if !h.Valid(kept.Address()) {
		t.Error("rooted object should survive every cycle")
	}
	if h.Live() != 1 {
		t.Errorf("want only the rooted object alive, got %d", h.Live())
	}
}

func TestMarkSweepHonorsLiveFrames(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	onStack := h.NewString("on_stack")
	code := NewAssembler("paused").Build()
	scope := NewStackVariables(nil, Nil, 0)
	cf := NewCallFrame(code, scope, nil, 0)
	cf.Push(onStack.ToValue())
	st.setCurrent(cf)
	defer st.setCurrent(nil)

	ms := NewMarkSweepCollector(h)
	ms.Collect(m.GCData())

	if !h.Valid(onStack.Address()) {
		t.Error("values on a live operand stack must survive")
	}
}

// ---------------------------------------------------------------------------
// Nursery
// ---------------------------------------------------------------------------

func TestNurseryPromotesAndRewritesRoots(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	obj := h.NewString("young")
	oldAddr := obj.Address()
	root := m.DefineGlobal("g", obj.ToValue())

	nc := NewNurseryCollector(h)
	nc.Collect(m.GCData())

	newRef := root.Get()
	if newRef.Address() == oldAddr {
		t.Fatal("the root should have been rewritten to the promoted copy")
	}
	moved := h.Lookup(newRef.Address())
	if moved == nil || moved.Str != "young" {
		t.Fatal("promoted copy lost its payload")
	}
	if moved.Generation != GenMature {
		t.Error("survivor should be promoted to the mature generation")
	}
	if h.Valid(oldAddr) {
		t.Error("the vacated young address should be discarded")
	}
}

func TestNurseryRewritesFrameStackSlots(t *testing.T) {
	m := NewMachine()
	h := m.Heap()
	st := m.NewThread()
	defer m.Nexus().Unregister(st)

	obj := h.NewString("on_stack")
	oldAddr := obj.Address()

	code := NewAssembler("paused").Build()
	scope := NewStackVariables(nil, Nil, 1)
	scope.SetLocal(0, obj.ToValue())
	cf := NewCallFrame(code, scope, nil, 0)
	cf.Push(obj.ToValue())
	st.setCurrent(cf)
	defer st.setCurrent(nil)

	nc := NewNurseryCollector(h)
	nc.Collect(m.GCData())

	if cf.StackAt(0).Address() == oldAddr {
		t.Error("operand stack slot still names the vacated address")
	}
	if scope.Local(0).Address() == oldAddr {
		t.Error("scope local still names the vacated address")
	}
	if cf.StackAt(0) != scope.Local(0) {
		t.Error("both slots should adopt the same forwarding")
	}
	if h.Valid(oldAddr) {
		t.Error("the vacated address should be discarded")
	}
}

func TestNurserySweepsDeadYoungOnly(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	deadYoung := h.NewString("dead_young")
	deadMature := h.NewString("dead_mature")
	deadMature.Generation = GenMature

	nc := NewNurseryCollector(h)
	nc.Collect(m.GCData())

	if h.Valid(deadYoung.Address()) {
		t.Error("dead young object should be reclaimed by a nursery cycle")
	}
	if !h.Valid(deadMature.Address()) {
		t.Error("a nursery cycle must not touch the mature generation")
	}
}

func TestNurserySharedReferenceForwardsOnce(t *testing.T) {
	m := NewMachine()
	h := m.Heap()

	shared := h.NewString("shared")
	a := h.NewObject(1)
	b := h.NewObject(1)
	a.Slots[0] = shared.ToValue()
	b.Slots[0] = shared.ToValue()
	m.DefineGlobal("a", a.ToValue())
	m.DefineGlobal("b", b.ToValue())

	nc := NewNurseryCollector(h)
	nc.Collect(m.GCData())

	movedA := h.Get(m.Global("a"))
	movedB := h.Get(m.Global("b"))
	if movedA.Slots[0] != movedB.Slots[0] {
		t.Error("a shared referent must forward to a single copy")
	}
	if h.Get(movedA.Slots[0]).Str != "shared" {
		t.Error("shared referent lost its payload")
	}
}

func TestNurseryMatureGCInProgressFlag(t *testing.T) {
	nc := NewNurseryCollector(NewHeap())
	if nc.MatureGCInProgress() {
		t.Error("flag should start clear")
	}
	nc.SetMatureGCInProgress(true)
	if !nc.MatureGCInProgress() {
		t.Error("flag should be observable once set")
	}
}
