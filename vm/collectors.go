package vm

import (
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// MarkSweepCollector: non-moving full collection
// ---------------------------------------------------------------------------

// MarkSweepCollector is the mature-generation collector: a stop-the-world,
// non-moving mark and sweep over the whole heap.
type MarkSweepCollector struct {
	*GarbageCollector
	worklist   []Value
	marked     int
	inProgress bool
}

// NewMarkSweepCollector creates a mark-sweep collector for the heap.
func NewMarkSweepCollector(heap *Heap) *MarkSweepCollector {
	ms := &MarkSweepCollector{}
	ms.GarbageCollector = NewGarbageCollector(heap, ms)
	return ms
}

// SawObject marks the object on first sight and queues it for scanning.
// Nothing moves, so no forwarded pointer is ever returned.
func (ms *MarkSweepCollector) SawObject(v Value) Value {
	obj := ms.Heap().Lookup(v.Address())
	if obj == nil || ms.Heap().IsMarked(obj) {
		return Nil
	}
	ms.Heap().Mark(obj)
	ms.marked++
	ms.worklist = append(ms.worklist, v)
	return Nil
}

// ScannedObject is a no-op for mark-sweep.
func (ms *MarkSweepCollector) ScannedObject(v Value) {}

// MatureGCInProgress is true for the duration of Collect.
func (ms *MarkSweepCollector) MatureGCInProgress() bool { return ms.inProgress }

// Collect runs one full cycle against the given root set: stop the world,
// mark from roots, clean weak references and locked objects, sweep.
// Returns the number of objects reclaimed.
func (ms *MarkSweepCollector) Collect(data *GCData) int {
	start := time.Now()
	nexus := data.ThreadNexus()
	nexus.StopThreads()
	defer nexus.ReleaseThreads()

	ms.inProgress = true
	defer func() { ms.inProgress = false }()

	ms.Heap().BeginCycle()
	ms.marked = 0

	ms.ScanRoots(data)
	for len(ms.worklist) > 0 {
		v := ms.worklist[len(ms.worklist)-1]
		ms.worklist = ms.worklist[:len(ms.worklist)-1]
		ms.ScanObject(v)
	}

	ms.CleanWeakrefs(false)
	for _, st := range nexus.Threads() {
		ms.CleanLockedObjects(st, false)
	}

	swept := 0
	for _, addr := range ms.Heap().Addresses() {
		obj := ms.Heap().Lookup(addr)
		if obj != nil && !ms.Heap().IsMarked(obj) {
			ms.Heap().Discard(addr)
			swept++
		}
	}

	memoryLog.Infof("mark-sweep cycle: %d marked, %d swept in %s",
		ms.marked, swept, time.Since(start))
	return swept
}

// ---------------------------------------------------------------------------
// NurseryCollector: copying collection of the young generation
// ---------------------------------------------------------------------------

// NurseryCollector evacuates live young objects into the mature region,
// leaving forwarding pointers the walker adopts into every root slot. Dead
// young objects are discarded with the vacated addresses at end-of-cycle.
type NurseryCollector struct {
	*GarbageCollector
	worklist  []Value
	evacuated []uint64 // vacated young addresses, discarded at end-of-cycle
	promoted  int

	// checkForwards controls whether surviving weak references are
	// rewritten through forwarding pointers after the mark phase.
	checkForwards bool

	matureInProgress atomic.Bool
}

// NewNurseryCollector creates a nursery collector for the heap.
func NewNurseryCollector(heap *Heap) *NurseryCollector {
	nc := &NurseryCollector{checkForwards: true}
	nc.GarbageCollector = NewGarbageCollector(heap, nc)
	return nc
}

// SetCheckForwards controls forwarding rewrites of surviving weak
// references. Disabling it is only safe when no weak reference can name a
// relocated object.
func (nc *NurseryCollector) SetCheckForwards(b bool) {
	nc.checkForwards = b
}

// SawObject promotes a live young object on first sight and returns the
// forwarded reference; mature objects are marked in place. Repeat sightings
// return the established forwarding.
func (nc *NurseryCollector) SawObject(v Value) Value {
	heap := nc.Heap()
	obj := heap.Lookup(v.Address())
	if obj == nil {
		return Nil
	}
	if fwd := obj.Forwarded(); fwd != 0 {
		return FromAddress(fwd)
	}
	if obj.Generation != GenYoung {
		if !heap.IsMarked(obj) {
			heap.Mark(obj)
			nc.worklist = append(nc.worklist, v)
		}
		return Nil
	}

	oldAddr := obj.Address()
	newAddr := heap.Relocate(obj, GenMature)
	moved := heap.Lookup(newAddr)
	heap.Mark(moved)
	nc.evacuated = append(nc.evacuated, oldAddr)
	nc.promoted++

	fwd := FromAddress(newAddr)
	nc.worklist = append(nc.worklist, fwd)
	return fwd
}

// ScannedObject is a no-op for the nursery collector.
func (nc *NurseryCollector) ScannedObject(v Value) {}

// MatureGCInProgress reports whether a mature cycle overlaps; promotion is
// still safe here because the mature region is non-moving.
func (nc *NurseryCollector) MatureGCInProgress() bool {
	return nc.matureInProgress.Load()
}

// SetMatureGCInProgress flags an overlapping mature collection.
func (nc *NurseryCollector) SetMatureGCInProgress(b bool) {
	nc.matureInProgress.Store(b)
}

// Collect runs one nursery cycle: stop the world, evacuate live young
// objects, rewrite every root through forwarding, clean weak references
// (with forward checking) and locked objects, then drop the vacated
// addresses. All relocations are visible before any mutator resumes, so no
// instruction ever observes a stale stack slot.
func (nc *NurseryCollector) Collect(data *GCData) int {
	start := time.Now()
	nexus := data.ThreadNexus()
	nexus.StopThreads()
	defer nexus.ReleaseThreads()

	heap := nc.Heap()
	heap.BeginCycle()
	nc.promoted = 0
	nc.evacuated = nc.evacuated[:0]

	nc.ScanRoots(data)
	for len(nc.worklist) > 0 {
		v := nc.worklist[len(nc.worklist)-1]
		nc.worklist = nc.worklist[:len(nc.worklist)-1]
		nc.ScanObject(v)
	}

	nc.CleanWeakrefs(nc.checkForwards)
	for _, st := range nexus.Threads() {
		nc.CleanLockedObjects(st, true)
	}

	// Anything still young was unreachable; reclaim it with the vacated
	// addresses of promoted objects.
	swept := 0
	for _, addr := range heap.Addresses() {
		obj := heap.Lookup(addr)
		if obj == nil {
			continue
		}
		if obj.Forwarded() != 0 {
			heap.Discard(addr)
			continue
		}
		if obj.Generation == GenYoung && !heap.IsMarked(obj) {
			heap.Discard(addr)
			swept++
		}
	}

	memoryLog.Infof("nursery cycle: %d promoted, %d swept in %s",
		nc.promoted, swept, time.Since(start))
	return swept
}

// ---------------------------------------------------------------------------
// VerificationCollector: non-mutating assertion walk
// ---------------------------------------------------------------------------

// VerificationCollector checks that every reachable pointer names a valid
// object header without mutating mark state. Debug builds run it around
// real cycles.
type VerificationCollector struct {
	*GarbageCollector
	invalid []Value
}

// NewVerificationCollector creates a verification walker for the heap.
func NewVerificationCollector(heap *Heap) *VerificationCollector {
	vc := &VerificationCollector{}
	vc.GarbageCollector = NewGarbageCollector(heap, vc)
	return vc
}

// SawObject records invalid references and forwards nothing.
func (vc *VerificationCollector) SawObject(v Value) Value {
	if !vc.Heap().Valid(v.Address()) {
		vc.invalid = append(vc.invalid, v)
	}
	return Nil
}

// ScannedObject is a no-op.
func (vc *VerificationCollector) ScannedObject(v Value) {}

// MatureGCInProgress is always false for verification.
func (vc *VerificationCollector) MatureGCInProgress() bool { return false }

// Invalid returns the invalid references seen since the last reset.
func (vc *VerificationCollector) Invalid() []Value { return vc.invalid }
