package vm

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tliron/commonlog"
)

var machineLog = commonlog.GetLogger("rubinius.machine")

// ---------------------------------------------------------------------------
// ThreadNexus: managed-thread registry and safepoint barrier
// ---------------------------------------------------------------------------

// ThreadNexus tracks every managed thread and coordinates safepoints. The
// collector may only observe or rewrite mutator state while all mutators
// are stopped between instruction trampolines; StopThreads establishes that
// and ReleaseThreads ends it.
type ThreadNexus struct {
	mu   sync.Mutex
	cond *sync.Cond

	threads map[uuid.UUID]*ThreadState

	// stop mirrors stopRequested for the mutators' fast-path poll.
	stop          atomic.Bool
	stopRequested bool
	parked        int
}

// NewThreadNexus creates an empty nexus.
func NewThreadNexus() *ThreadNexus {
	n := &ThreadNexus{threads: make(map[uuid.UUID]*ThreadState)}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Register adds a thread to the nexus.
func (n *ThreadNexus) Register(st *ThreadState) {
	n.mu.Lock()
	n.threads[st.id] = st
	n.mu.Unlock()
}

// Unregister removes a thread from the nexus.
func (n *ThreadNexus) Unregister(st *ThreadState) {
	n.mu.Lock()
	delete(n.threads, st.id)
	n.cond.Broadcast()
	n.mu.Unlock()
}

// Threads returns a snapshot of all managed threads.
func (n *ThreadNexus) Threads() []*ThreadState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*ThreadState, 0, len(n.threads))
	for _, st := range n.threads {
		out = append(out, st)
	}
	return out
}

// ---------------------------------------------------------------------------
// Mutator side
// ---------------------------------------------------------------------------

// beginExecution marks st as running bytecode. It blocks while a stop is in
// progress so a new mutator cannot slip past the barrier.
func (n *ThreadNexus) beginExecution(st *ThreadState) {
	n.mu.Lock()
	for n.stopRequested {
		n.cond.Wait()
	}
	st.executing.Store(true)
	n.mu.Unlock()
}

// endExecution marks st as no longer running bytecode. Threads outside the
// dispatch loop count as stopped for the barrier.
func (n *ThreadNexus) endExecution(st *ThreadState) {
	n.mu.Lock()
	st.executing.Store(false)
	n.cond.Broadcast()
	n.mu.Unlock()
}

// Checkpoint is the mutator's safepoint poll. Dispatch calls it at frame
// entry, at every back-edge, and at every call; never mid-handler. The fast
// path is one atomic load.
func (n *ThreadNexus) Checkpoint(st *ThreadState) {
	if !n.stop.Load() {
		return
	}
	n.mu.Lock()
	n.parked++
	n.cond.Broadcast()
	for n.stopRequested {
		n.cond.Wait()
	}
	n.parked--
	n.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Collector side
// ---------------------------------------------------------------------------

// StopThreads brings every executing mutator to a safepoint and returns
// once the world is stopped. The caller must pair it with ReleaseThreads.
func (n *ThreadNexus) StopThreads() {
	n.mu.Lock()
	n.stopRequested = true
	n.stop.Store(true)
	for n.parked < n.executingLocked() {
		n.cond.Wait()
	}
	n.mu.Unlock()
	machineLog.Debug("threads stopped at safepoint")
}

// ReleaseThreads resumes all mutators parked at the barrier.
func (n *ThreadNexus) ReleaseThreads() {
	n.mu.Lock()
	n.stopRequested = false
	n.stop.Store(false)
	n.cond.Broadcast()
	n.mu.Unlock()
	machineLog.Debug("threads released")
}

// executingLocked counts threads currently inside the dispatch loop.
// Caller holds n.mu.
func (n *ThreadNexus) executingLocked() int {
	count := 0
	for _, st := range n.threads {
		if st.executing.Load() {
			count++
		}
	}
	return count
}
