package vm

import (
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// MemoryController: collection scheduling
// ---------------------------------------------------------------------------

// MemoryController decides when the collectors run: a nursery cycle when
// young allocation exceeds its budget, a full mark-sweep cycle on a fixed
// period. Both collectors stop the world through the nexus, so the
// controller can run from any goroutine.
type MemoryController struct {
	machine *Machine
	nursery *NurseryCollector
	full    *MarkSweepCollector

	// nurseryBudget is the young allocation budget in address-space
	// bytes before a nursery cycle triggers.
	nurseryBudget int64

	interval time.Duration

	mu            sync.Mutex
	lastAllocated uint64 // heap allocation count at the last nursery cycle

	stop chan struct{}
	done chan struct{}
}

// NewMemoryController creates a controller for the machine's heap.
// A zero interval disables periodic full cycles; a zero budget disables
// allocation-triggered nursery cycles.
func NewMemoryController(m *Machine, nurseryBudget int64, checkForwards bool, interval time.Duration) *MemoryController {
	nursery := NewNurseryCollector(m.Heap())
	nursery.SetCheckForwards(checkForwards)
	return &MemoryController{
		machine:       m,
		nursery:       nursery,
		full:          NewMarkSweepCollector(m.Heap()),
		nurseryBudget: nurseryBudget,
		interval:      interval,
	}
}

// Nursery returns the controller's nursery collector.
func (mc *MemoryController) Nursery() *NurseryCollector { return mc.nursery }

// Full returns the controller's mark-sweep collector.
func (mc *MemoryController) Full() *MarkSweepCollector { return mc.full }

// CollectNursery runs one nursery cycle now. Returns the number of young
// objects reclaimed.
func (mc *MemoryController) CollectNursery() int {
	mc.mu.Lock()
	allocated, _ := mc.machine.Heap().Stats()
	mc.lastAllocated = allocated
	mc.mu.Unlock()
	return mc.nursery.Collect(mc.machine.GCData())
}

// CollectFull runs one full mark-sweep cycle now, flagging the overlap so
// a concurrent nursery cycle sees it. Returns the number of objects
// reclaimed.
func (mc *MemoryController) CollectFull() int {
	mc.nursery.SetMatureGCInProgress(true)
	defer mc.nursery.SetMatureGCInProgress(false)
	return mc.full.Collect(mc.machine.GCData())
}

// OverBudget reports whether young allocation since the last nursery
// cycle exceeds the budget.
func (mc *MemoryController) OverBudget() bool {
	if mc.nurseryBudget <= 0 {
		return false
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	allocated, _ := mc.machine.Heap().Stats()
	return int64(allocated-mc.lastAllocated)*heapAlign >= mc.nurseryBudget
}

// Start launches the background scheduler. Each tick runs a nursery cycle
// if the budget is exceeded; each interval runs a full cycle.
func (mc *MemoryController) Start() {
	if mc.stop != nil {
		return
	}
	mc.stop = make(chan struct{})
	mc.done = make(chan struct{})

	poll := mc.interval / 10
	if poll <= 0 {
		poll = time.Second
	}
	go func() {
		defer close(mc.done)
		pollTick := time.NewTicker(poll)
		defer pollTick.Stop()

		var fullTick <-chan time.Time
		if mc.interval > 0 {
			t := time.NewTicker(mc.interval)
			defer t.Stop()
			fullTick = t.C
		}
		for {
			select {
			case <-mc.stop:
				return
			case <-pollTick.C:
				if mc.OverBudget() {
					mc.CollectNursery()
				}
			case <-fullTick:
				mc.CollectFull()
			}
		}
	}()
	memoryLog.Infof("memory controller started: budget %d bytes, full cycle every %s",
		mc.nurseryBudget, mc.interval)
}

// Stop halts the background scheduler and waits for it to exit.
func (mc *MemoryController) Stop() {
	if mc.stop == nil {
		return
	}
	close(mc.stop)
	<-mc.done
	mc.stop = nil
}
