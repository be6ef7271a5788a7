package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap: managed object space with a synthetic 48-bit address space
// ---------------------------------------------------------------------------

// ObjectKind identifies the layout of a heap object's payload.
type ObjectKind uint8

const (
	KindPlain ObjectKind = iota // generic slotted object
	KindModule
	KindLexicalScope
	KindString
	KindException
	KindBlock
)

func (k ObjectKind) String() string {
	switch k {
	case KindPlain:
		return "Object"
	case KindModule:
		return "Module"
	case KindLexicalScope:
		return "LexicalScope"
	case KindString:
		return "String"
	case KindException:
		return "Exception"
	case KindBlock:
		return "Block"
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}

// Generation identifies which heap region an object currently lives in.
type Generation uint8

const (
	GenYoung Generation = iota
	GenMature
)

// LexicalScope slot layout. Mutated only at construction; the chain is
// append-only from the frame's point of view.
const (
	ScopeSlotModule = 0
	ScopeSlotParent = 1
)

// Object is a heap object header plus payload. Objects are addressed by
// 48-bit synthetic addresses rather than Go pointers so a relocating
// collector can forward and displace them with plain address arithmetic.
type Object struct {
	Kind       ObjectKind
	Generation Generation

	// Slots holds the object's reference-valued and immediate fields.
	// For KindLexicalScope, slot 0 is the module and slot 1 the parent.
	Slots []Value

	// Str carries the payload for KindString and the name for KindModule.
	Str string

	// Exc carries the payload for KindException.
	Exc *ExceptionPayload

	// Blk carries the payload for KindBlock.
	Blk *BlockPayload

	addr    uint64 // current address; maintained by the heap
	forward uint64 // non-zero after relocation, the new address
	marked  uint64 // cycle number of the last mark; see Heap.BeginCycle
}

// Address returns the object's current heap address.
func (o *Object) Address() uint64 { return o.addr }

// Forwarded returns the forwarding address, or zero if the object has not
// been relocated during the current cycle.
func (o *Object) Forwarded() uint64 { return o.forward }

// ToValue returns a reference Value for this object.
func (o *Object) ToValue() Value { return FromAddress(o.addr) }

// heapAlign keeps synthetic addresses looking like object boundaries.
const heapAlign = 16

// Heap owns every managed object. Addresses are dense and strictly
// increasing within a region, which gives collectors contiguous
// [lower, upper) ranges to displace.
type Heap struct {
	mu      sync.RWMutex
	objects map[uint64]*Object
	next    uint64

	allocated uint64 // lifetime allocation count
	reclaimed uint64 // lifetime sweep count
	cycle     uint64 // current collection cycle, for mark-state versioning
}

// NewHeap creates an empty heap. Address zero is never issued so a zero
// address can serve as "no forwarding".
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[uint64]*Object),
		next:    heapAlign,
	}
}

// allocate installs an object at the next free address in the young region.
func (h *Heap) allocate(obj *Object) *Object {
	h.mu.Lock()
	obj.addr = h.next
	obj.Generation = GenYoung
	h.next += heapAlign
	h.objects[obj.addr] = obj
	h.allocated++
	h.mu.Unlock()
	return obj
}

// NewObject allocates a plain slotted object with all slots nil.
func (h *Heap) NewObject(numSlots int) *Object {
	slots := make([]Value, numSlots)
	for i := range slots {
		slots[i] = Nil
	}
	return h.allocate(&Object{Kind: KindPlain, Slots: slots})
}

// NewModule allocates a module object. Modules are plain namespace anchors
// here: identifiable and markable, nothing more.
func (h *Heap) NewModule(name string) *Object {
	return h.allocate(&Object{Kind: KindModule, Str: name})
}

// NewLexicalScope allocates a lexical scope linking module and parent.
func (h *Heap) NewLexicalScope(module, parent Value) *Object {
	return h.allocate(&Object{
		Kind:  KindLexicalScope,
		Slots: []Value{module, parent},
	})
}

// BlockPayload is the body of a KindBlock heap object: the block's code
// plus everything it closes over. The captured scope keeps the creating
// activation's variables reachable after the frame itself is gone.
type BlockPayload struct {
	Code         *CompiledCode
	Scope        *StackVariables // scope of the creating activation
	LexicalScope Value           // lexical scope at creation time
	Lambda       bool
}

// NewBlock allocates a block object closing over the given scope.
func (h *Heap) NewBlock(code *CompiledCode, scope *StackVariables, lexical Value, lambda bool) *Object {
	return h.allocate(&Object{
		Kind: KindBlock,
		Blk: &BlockPayload{
			Code:         code,
			Scope:        scope,
			LexicalScope: lexical,
			Lambda:       lambda,
		},
	})
}

// NewString allocates a string object.
func (h *Heap) NewString(s string) *Object {
	return h.allocate(&Object{Kind: KindString, Str: s})
}

// Lookup returns the object at addr, or nil if addr is not a live object.
func (h *Heap) Lookup(addr uint64) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[addr]
}

// Get returns the object referenced by v.
// Panics if v is not a reference or does not name a live object.
func (h *Heap) Get(v Value) *Object {
	obj := h.Lookup(v.Address())
	if obj == nil {
		panic(fmt.Sprintf("Heap.Get: dangling reference %#x", v.Address()))
	}
	return obj
}

// Valid reports whether addr names a live object header. Verification
// walks use this without touching mark state.
func (h *Heap) Valid(addr uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.objects[addr]
	return ok
}

// Relocate moves obj to a fresh address in the given generation, leaving a
// forwarding address behind. The old address stays resolvable until the
// collector discards forwarding at end-of-cycle.
func (h *Heap) Relocate(obj *Object, gen Generation) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if obj.forward != 0 {
		return obj.forward
	}
	newAddr := h.next
	h.next += heapAlign
	obj.forward = newAddr

	moved := *obj
	moved.addr = newAddr
	moved.forward = 0
	moved.Generation = gen
	h.objects[newAddr] = &moved
	return newAddr
}

// Discard removes the object at addr from the heap.
func (h *Heap) Discard(addr uint64) {
	h.mu.Lock()
	if _, ok := h.objects[addr]; ok {
		delete(h.objects, addr)
		h.reclaimed++
	}
	h.mu.Unlock()
}

// Addresses returns a snapshot of all live addresses.
func (h *Heap) Addresses() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	addrs := make([]uint64, 0, len(h.objects))
	for a := range h.objects {
		addrs = append(addrs, a)
	}
	return addrs
}

// Live returns the number of live objects.
func (h *Heap) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// Stats returns lifetime allocation and reclamation counts.
func (h *Heap) Stats() (allocated, reclaimed uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allocated, h.reclaimed
}

// BeginCycle starts a new collection cycle. Objects marked in earlier
// cycles count as unmarked, so no mark-bit clearing pass is needed.
func (h *Heap) BeginCycle() uint64 {
	h.mu.Lock()
	h.cycle++
	c := h.cycle
	h.mu.Unlock()
	return c
}

// Mark records obj as live in the current cycle.
func (h *Heap) Mark(obj *Object) { obj.marked = h.cycle }

// IsMarked reports whether obj was marked in the current cycle.
func (h *Heap) IsMarked(obj *Object) bool { return obj.marked == h.cycle }

// Bounds returns the current [lower, upper) extent of the address space.
func (h *Heap) Bounds() (lower, upper uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return heapAlign, h.next
}
