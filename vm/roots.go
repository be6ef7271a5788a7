package vm

import "sync"

// ---------------------------------------------------------------------------
// Root tables
// ---------------------------------------------------------------------------

// Root is one addressable global root slot. Collectors rewrite roots in
// place when they adopt forwarded pointers.
type Root struct {
	v Value
}

// Get returns the rooted value.
func (r *Root) Get() Value { return r.v }

// Set replaces the rooted value.
func (r *Root) Set(v Value) { r.v = v }

// Roots is the global root table: class and module anchors, global
// variables, everything globally reachable that is not thread state.
// Mutation requires the nexus lock discipline; enumeration happens only
// with the world stopped.
type Roots struct {
	mu   sync.Mutex
	list []*Root
}

// NewRoots creates an empty root table.
func NewRoots() *Roots {
	return &Roots{}
}

// Add roots v and returns its slot.
func (r *Roots) Add(v Value) *Root {
	r.mu.Lock()
	defer r.mu.Unlock()
	root := &Root{v: v}
	r.list = append(r.list, root)
	return root
}

// Remove unroots the given slot.
func (r *Roots) Remove(root *Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, candidate := range r.list {
		if candidate == root {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return
		}
	}
}

// Each calls fn for every root slot.
func (r *Roots) Each(fn func(*Root)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, root := range r.list {
		fn(root)
	}
}

// Len returns the number of root slots.
func (r *Roots) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// ---------------------------------------------------------------------------
// Foreign-interface handles
// ---------------------------------------------------------------------------

// Handle pins an object for code outside the managed heap. The handle
// table is a root: a pinned object survives every collection and its
// handle is rewritten on relocation.
type Handle struct {
	object Value
}

// Object returns the pinned reference.
func (h *Handle) Object() Value { return h.object }

// SetObject repoints the handle.
func (h *Handle) SetObject(v Value) { h.object = v }

// Handles is the handle table.
type Handles struct {
	mu   sync.Mutex
	list []*Handle
}

// NewHandles creates an empty handle table.
func NewHandles() *Handles {
	return &Handles{}
}

// Allocate pins v and returns its handle.
func (hs *Handles) Allocate(v Value) *Handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h := &Handle{object: v}
	hs.list = append(hs.list, h)
	return h
}

// Release unpins the handle.
func (hs *Handles) Release(h *Handle) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for i, candidate := range hs.list {
		if candidate == h {
			hs.list = append(hs.list[:i], hs.list[i+1:]...)
			return
		}
	}
}

// Each calls fn for every handle.
func (hs *Handles) Each(fn func(*Handle)) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, h := range hs.list {
		fn(h)
	}
}

// GlobalHandle is an external location holding a reference, rewritten in
// place during root enumeration.
type GlobalHandle struct {
	Location *Value
}

// ---------------------------------------------------------------------------
// Global inline cache
// ---------------------------------------------------------------------------

// CacheEntry is one global-cache line: a resolved constant or method keyed
// under a module.
type CacheEntry struct {
	Module Value // reference to the module the entry was resolved under
	Name   string
	Value  Value
}

// GlobalCache is the global method/constant cache. Its entries are roots;
// entries whose module dies are dropped at enumeration time.
type GlobalCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
}

// NewGlobalCache creates an empty cache.
func NewGlobalCache() *GlobalCache {
	return &GlobalCache{entries: make(map[string]*CacheEntry)}
}

// Store caches value under module/name.
func (gc *GlobalCache) Store(module Value, name string, value Value) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.entries[name] = &CacheEntry{Module: module, Name: name, Value: value}
}

// Lookup returns the cached entry for name, or nil.
func (gc *GlobalCache) Lookup(name string) *CacheEntry {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.entries[name]
}

// Each calls fn for every cache entry.
func (gc *GlobalCache) Each(fn func(*CacheEntry)) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, e := range gc.entries {
		fn(e)
	}
}

// ---------------------------------------------------------------------------
// GCData: the root-set aggregate
// ---------------------------------------------------------------------------

// GCData bundles every root source a collection commences from: the global
// roots, the handle tables, the global cache, and the thread nexus, which
// enumerates per-thread roots including the call-frame chains.
type GCData struct {
	roots                 *Roots
	handles               *Handles
	cachedHandles         []*Handle
	globalCache           *GlobalCache
	threadNexus           *ThreadNexus
	globalHandleLocations []*GlobalHandle
}

// NewGCData assembles the root set for a machine.
func NewGCData(roots *Roots, handles *Handles, cache *GlobalCache, nexus *ThreadNexus) *GCData {
	return &GCData{
		roots:       roots,
		handles:     handles,
		globalCache: cache,
		threadNexus: nexus,
	}
}

// Roots returns the global root table.
func (d *GCData) Roots() *Roots { return d.roots }

// Handles returns the handle table.
func (d *GCData) Handles() *Handles { return d.handles }

// CachedHandles returns the cached handle list.
func (d *GCData) CachedHandles() []*Handle { return d.cachedHandles }

// AddCachedHandle appends to the cached handle list.
func (d *GCData) AddCachedHandle(h *Handle) {
	d.cachedHandles = append(d.cachedHandles, h)
}

// GlobalCache returns the global inline cache.
func (d *GCData) GlobalCache() *GlobalCache { return d.globalCache }

// ThreadNexus returns the nexus.
func (d *GCData) ThreadNexus() *ThreadNexus { return d.threadNexus }

// GlobalHandleLocations returns the external reference locations.
func (d *GCData) GlobalHandleLocations() []*GlobalHandle { return d.globalHandleLocations }

// AddGlobalHandleLocation registers an external reference location.
func (d *GCData) AddGlobalHandleLocation(gh *GlobalHandle) {
	d.globalHandleLocations = append(d.globalHandleLocations, gh)
}
