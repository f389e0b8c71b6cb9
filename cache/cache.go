// Package cache implements the page cache (spec.md §4.3, C3): a
// bounded pool of in-memory nodes linked into a clock-like LRU chain,
// plus a partitioned fragment-node cache for large-value pointers.
//
// Grounded on the teacher's buffer pool (bufmgr.go's BufMgr: a fixed
// array of frames with a hash table keyed by page id and a clock-sweep
// eviction cursor). Ember replaces the clock-sweep cursor with an
// explicit doubly linked MRU/LRU chain, because spec.md §4.3 specifies
// `allocLatched`'s UNEVICTABLE/NO_EVICT modes in terms of chain
// splice/unsplice rather than a clock bit, but keeps the teacher's
// "hash table keyed by page id, one latch per frame, evict-then-load on
// miss" overall shape.
package cache

import (
	"sync"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/latch"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

// Mode selects allocLatched's behavior when the cache is at capacity
// (spec.md §4.3).
type Mode int

const (
	// ModeNormal links the returned node into the LRU chain and evicts
	// the current LRU tail if the cache is full.
	ModeNormal Mode = iota
	// ModeUnevictable returns a node that is never linked into the LRU
	// chain — used for pages pinned for the duration of an operation
	// (e.g. a page mid-split) that must not be reclaimed.
	ModeUnevictable
	// ModeNoEvict returns (nil, nil) rather than evicting, for
	// callers that would rather retry later than pay eviction I/O
	// (spec.md §4.3).
	ModeNoEvict
)

// minChainLen is the floor spec.md §4.3 sets: "the LRU list must never
// shrink to fewer than two nodes."
const minChainLen = 2

// Frame is one cached node slot: the node's bytes, its latch, and the
// cache's own bookkeeping (evictability, LRU chain links); dirty state
// lives in Node.State.
type Frame struct {
	Node  *page.Page
	Latch *latch.Latch

	evictable bool
	prev, next *Frame
}

// Cache is a fixed-capacity pool of Frames backed by dev for load and
// eviction writeback.
type Cache struct {
	mu       sync.Mutex // the single cache latch spec.md §4.3 describes
	dev      pagestore.Device
	pageSize uint32
	capacity int

	byID map[page.ID]*Frame

	mru, lru *Frame // sentinels; the real chain lives strictly between them
	size     int    // number of frames currently linked into the chain
}

// New constructs a Cache of the given capacity (number of frames) over dev.
func New(dev pagestore.Device, pageSize uint32, capacity int) *Cache {
	if capacity < minChainLen {
		capacity = minChainLen
	}
	mru := &Frame{}
	lru := &Frame{}
	mru.next, lru.prev = lru, mru
	return &Cache{
		dev:      dev,
		pageSize: pageSize,
		capacity: capacity,
		byID:     make(map[page.ID]*Frame),
		mru:      mru,
		lru:      lru,
	}
}

// Lookup returns the already-cached frame for id, if any, without
// touching the device. The caller is responsible for latching it.
func (c *Cache) Lookup(id page.ID) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.byID[id]
	return f, ok
}

// AllocLatched returns a frame for id with its latch already held
// exclusively, loading it from dev on a cache miss. mode governs
// eviction behavior per spec.md §4.3.
func (c *Cache) AllocLatched(id page.ID, mode Mode) (*Frame, error) {
	c.mu.Lock()
	if f, ok := c.byID[id]; ok {
		c.mu.Unlock()
		f.Latch.AcquireExclusive()
		return f, nil
	}

	f, err := c.reserveFrameLocked(mode)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if f == nil {
		c.mu.Unlock()
		return nil, nil // ModeNoEvict, nothing available
	}

	f.Node = page.New(c.pageSize, id, page.TypeLeaf)
	f.Latch.AcquireExclusive()
	c.byID[id] = f
	if mode != ModeUnevictable {
		c.linkMRULocked(f)
	}
	c.mu.Unlock()

	buf := make([]byte, c.pageSize)
	if err := c.dev.ReadPage(id, buf); err != nil {
		f.Latch.ReleaseExclusive()
		c.mu.Lock()
		delete(c.byID, id)
		c.unlinkLocked(f)
		c.mu.Unlock()
		return nil, errs.Wrap(errs.KindIO, "cache.Cache.AllocLatched", err)
	}
	f.Node = page.Load(c.pageSize, buf)
	return f, nil
}

// reserveFrameLocked finds or creates a Frame to hold a new entry,
// evicting the LRU tail if the cache is at capacity. Caller holds c.mu.
func (c *Cache) reserveFrameLocked(mode Mode) (*Frame, error) {
	if len(c.byID) < c.capacity {
		return &Frame{Latch: latch.New()}, nil
	}

	if mode == ModeNoEvict {
		return nil, nil
	}

	victim := c.lru.prev
	for victim != c.mru {
		if victim.evictable {
			break
		}
		victim = victim.prev
	}
	if victim == c.mru {
		// every frame is pinned unevictable; cache is over-subscribed.
		return nil, errs.New(errs.KindIO, "cache.Cache.reserveFrameLocked: no evictable frame")
	}

	if !victim.Latch.TryAcquireExclusive() {
		// spec.md §4.3: drop the cache latch and retake it rather than
		// hold both the cache latch and wait on a node latch.
		c.mu.Unlock()
		victim.Latch.AcquireExclusive()
		c.mu.Lock()
	}

	if victim.Node.State != page.Clean {
		if err := c.dev.WritePage(victim.Node.ID(), victim.Node.Data); err != nil {
			victim.Latch.ReleaseExclusive()
			return nil, errs.Wrap(errs.KindIO, "cache.Cache.reserveFrameLocked", err)
		}
		victim.Node.State = page.Clean
	}

	delete(c.byID, victim.Node.ID())
	c.unlinkLocked(victim)
	victim.Latch.ReleaseExclusive()
	return victim, nil
}

// Used moves f to the MRU end, best-effort: if the cache latch can't be
// taken immediately it is skipped (spec.md §4.3: "a hot node will be
// re-seen").
func (c *Cache) Used(f *Frame) {
	if !c.tryLockMu() {
		return
	}
	defer c.mu.Unlock()
	if !f.evictable {
		return
	}
	c.unlinkLocked(f)
	c.linkMRULocked(f)
}

// Unused moves f to the LRU end, for nodes expected to be recycled soon.
func (c *Cache) Unused(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.evictable {
		return
	}
	c.unlinkLocked(f)
	c.linkLRULocked(f)
}

// MakeEvictable splices f into the LRU chain at the MRU end.
func (c *Cache) MakeEvictable(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.evictable {
		return
	}
	c.linkMRULocked(f)
}

// MakeUnevictable unsplices f from the LRU chain, pinning it.
func (c *Cache) MakeUnevictable(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.evictable {
		return
	}
	c.unlinkLocked(f)
}

func (c *Cache) linkMRULocked(f *Frame) {
	f.next = c.mru.next
	f.prev = c.mru
	c.mru.next.prev = f
	c.mru.next = f
	f.evictable = true
	c.size++
}

func (c *Cache) linkLRULocked(f *Frame) {
	f.prev = c.lru.prev
	f.next = c.lru
	c.lru.prev.next = f
	c.lru.prev = f
	f.evictable = true
	c.size++
}

func (c *Cache) unlinkLocked(f *Frame) {
	if !f.evictable {
		return
	}
	f.prev.next = f.next
	f.next.prev = f.prev
	f.prev, f.next = nil, nil
	f.evictable = false
	c.size--
}

func (c *Cache) tryLockMu() bool {
	// sync.Mutex has no public TryLock on older toolchains in general,
	// but Go 1.18+ does; used here to implement the "best effort,
	// skip if contended" contract spec.md §4.3 requires for Used.
	return c.mu.TryLock()
}
