package cache

import (
	"sync"

	"github.com/emberkv/ember/page"
)

// FragmentCache is the auxiliary hash table from spec.md §4.3 mapping
// fragment-node ids to cached Node objects, partitioned into
// power-of-two segments each with their own latch so unrelated
// fragment lookups don't serialize on one lock. Each segment is a
// plain map, so distinct ids never displace each other: an entry
// leaves only through Evict or a Put of the same id, and the cache is
// not bounded in size.
//
// Grounded on the teacher's BufMgr hash table (bufmgr.go keys frames by
// page id in a single map guarded by one latch); Ember splits that one
// map into segments the way spec.md §4.3 calls for, since a single
// global latch would serialize every fragment lookup across the whole
// engine.
type FragmentCache struct {
	segs []fragmentSegment
	mask uint64
}

type fragmentSegment struct {
	mu    sync.Mutex
	slots map[page.ID]*page.Page
}

// segmentBits controls the number of segments (1<<segmentBits); chosen
// at construction so callers can size it to expected concurrency.
func NewFragmentCache(segmentBits uint) *FragmentCache {
	if segmentBits == 0 {
		segmentBits = 4
	}
	n := uint64(1) << segmentBits
	fc := &FragmentCache{
		segs: make([]fragmentSegment, n),
		mask: n - 1,
	}
	for i := range fc.segs {
		fc.segs[i].slots = make(map[page.ID]*page.Page)
	}
	return fc
}

func (fc *FragmentCache) segmentFor(id page.ID) *fragmentSegment {
	return &fc.segs[uint64(id)&fc.mask]
}

// Get returns the cached fragment node for id, if present.
func (fc *FragmentCache) Get(id page.ID) (*page.Page, bool) {
	seg := fc.segmentFor(id)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	p, ok := seg.slots[id]
	return p, ok
}

// Put inserts or replaces the cached fragment node for id. Per the
// lossy contract, Put never evicts anything beyond a plain map
// overwrite — there is no secondary collision chain.
func (fc *FragmentCache) Put(id page.ID, p *page.Page) {
	seg := fc.segmentFor(id)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	seg.slots[id] = p
}

// Evict drops the cached fragment node for id, if present. Used when a
// fragment page is deleted so a stale entry can't be served.
func (fc *FragmentCache) Evict(id page.ID) {
	seg := fc.segmentFor(id)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	delete(seg.slots, id)
}
