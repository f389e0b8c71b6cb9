package tree

import (
	"bytes"
	"sync"

	"github.com/emberkv/ember/cache"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/pagestore"
)

// Config tunes the tree's node-fill and fragmentation behavior.
// DefaultConfig follows the teacher's own constants in bltree.go where
// a direct analogue exists (fill factor, split-on-full), and spec.md
// §4.7 where it doesn't (the fragmentation thresholds).
type Config struct {
	// DirectMaxPages is the largest fragment-page count a value may
	// span before its descriptor switches from a direct page-id array
	// to an indirect inode tree.
	DirectMaxPages int
	// InlinePrefixLen is how many leading bytes of a fragmented value
	// are kept inline in the leaf slot alongside the descriptor, so a
	// caller scanning keys without reading the value can still see a
	// prefix without a fragment-page fetch.
	InlinePrefixLen int
	// MergeGarbageThreshold is the Garbage()/PageSize ratio above which
	// a leaf is a candidate for compaction-or-merge on delete.
	MergeGarbageThreshold float64
	// CacheCapacity is the number of page frames the tree's node cache
	// holds (spec.md §4.3).
	CacheCapacity int
}

// DefaultConfig returns the engine's default tuning.
func DefaultConfig() Config {
	return Config{
		DirectMaxPages:        8,
		InlinePrefixLen:       0,
		MergeGarbageThreshold: 0.5,
		CacheCapacity:         256,
	}
}

// Tree is one named index: a B+ tree of leaf/internal page.Page nodes,
// latch-coupled during descent (spec.md §4.7, C7).
//
// Grounded on the teacher's BLTree (bltree.go): Tree plays the same
// role the teacher's BLTree struct does (holder of the root pointer
// and the buffer manager it descends through), generalized to hold a
// pagemgr.Manager for allocation/free instead of the teacher's
// page-zero free chain, and a cache.Cache for latch-coupled frame
// access instead of the teacher's BufMgr.
type Tree struct {
	cfg      Config
	pageSize uint32
	dev      pagestore.Device
	mgr      *pagemgr.Manager
	cache    *cache.Cache
	fragCache *cache.FragmentCache

	rootMu sync.RWMutex // guards rootID across root growth/shrink
	rootID page.ID
}

// Open opens a tree rooted at rootID, or creates a fresh empty leaf
// root via mgr if rootID is page.ID(0) (the reserved "no root yet"
// value).
func Open(dev pagestore.Device, mgr *pagemgr.Manager, pageSize uint32, rootID page.ID, cfg Config) (*Tree, error) {
	t := &Tree{
		cfg:       cfg,
		pageSize:  pageSize,
		dev:       dev,
		mgr:       mgr,
		cache:     cache.New(dev, pageSize, cfg.CacheCapacity),
		fragCache: cache.NewFragmentCache(4),
		rootID:    rootID,
	}
	if rootID == 0 {
		id, err := mgr.AllocPage(pagemgr.ModeNormal)
		if err != nil {
			return nil, err
		}
		f, err := t.cache.AllocLatched(id, cache.ModeNormal)
		if err != nil {
			return nil, err
		}
		f.Node.SetID(id)
		f.Node.Reset(page.TypeLeaf)
		f.Node.State = page.DirtyA
		f.Latch.ReleaseExclusive()
		t.cache.Used(f)
		t.rootID = id
	}
	return t, nil
}

// RootID reports the current root page id, for callers (the top-level
// ember façade) that persist it across reopen.
func (t *Tree) RootID() page.ID {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootID
}

func (t *Tree) latchRoot() (page.ID, *cache.Frame, error) {
	t.rootMu.RLock()
	id := t.rootID
	t.rootMu.RUnlock()
	f, err := t.cache.AllocLatched(id, cache.ModeNormal)
	if err != nil {
		return 0, nil, err
	}
	return id, f, nil
}

func (t *Tree) release(f *cache.Frame, dirty bool) {
	if dirty {
		f.Node.State = page.DirtyA
	}
	f.Latch.ReleaseExclusive()
	t.cache.Used(f)
}

// Get looks up key, returning its value (reconstructing it from
// fragment pages if necessary) and whether it was found.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	_, f, err := t.latchRoot()
	if err != nil {
		return nil, false, err
	}
	for !isLeaf(f.Node) {
		_, child := childForKey(f.Node, key)
		next, err := t.cache.AllocLatched(child, cache.ModeNormal)
		t.release(f, false)
		if err != nil {
			return nil, false, err
		}
		f = next
	}
	defer t.release(f, false)

	slot, ok := f.Node.Find(key)
	if !ok || slot > f.Node.Cnt() || !bytes.Equal(f.Node.Key(slot), key) {
		return nil, false, nil
	}
	return t.decodeLeafValue(f.Node.Value(slot))
}

func (t *Tree) decodeLeafValue(stored []byte) ([]byte, bool, error) {
	if len(stored) == 0 {
		return nil, true, nil
	}
	if isStoredFragmented(stored) {
		v, err := t.decodeFragmentedValue(stored[1:])
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return stored[1:], true, nil
}

// descendExclusive latch-couples from the root to the leaf owning key,
// releasing each parent once its child is latched, and returns only
// the leaf frame. Used by the optimistic fast paths of Insert/Delete.
//
// Ember descends with the leaf's latch held exclusively throughout,
// rather than spec.md §4.7's shared-then-upgrade optimistic mode: the
// cache built for this tree (cache.AllocLatched) only ever hands back
// an exclusively latched frame, so the two-mode descent collapses to
// one. The crabbing discipline itself — never holding more than child
// and parent at once during pure traversal — is preserved.
func (t *Tree) descendExclusive(key []byte) (*cache.Frame, error) {
	_, f, err := t.latchRoot()
	if err != nil {
		return nil, err
	}
	for !isLeaf(f.Node) {
		_, child := childForKey(f.Node, key)
		next, err := t.cache.AllocLatched(child, cache.ModeNormal)
		t.release(f, false)
		if err != nil {
			return nil, err
		}
		f = next
	}
	return f, nil
}

// pathFrame is one level of a held-open root-to-leaf path, used by the
// pessimistic descent that backs split and merge.
type pathFrame struct {
	id    page.ID
	frame *cache.Frame
	slot  uint32 // the slot in the parent (if any) that routed to this frame
}

// descendPessimistic holds every frame on the path from the root to
// key's leaf latched exclusively simultaneously, so a split or merge
// can safely rewrite any ancestor's separator. Grounded on the
// teacher's full-path-latched insert/delete fallback in bltree.go.
func (t *Tree) descendPessimistic(key []byte) ([]pathFrame, error) {
	t.rootMu.RLock()
	id := t.rootID
	t.rootMu.RUnlock()

	f, err := t.cache.AllocLatched(id, cache.ModeUnevictable)
	if err != nil {
		return nil, err
	}
	path := []pathFrame{{id: id, frame: f}}
	for !isLeaf(f.Node) {
		slot, child := childForKey(f.Node, key)
		next, err := t.cache.AllocLatched(child, cache.ModeUnevictable)
		if err != nil {
			t.unwindPath(path)
			return nil, err
		}
		path[len(path)-1].slot = slot
		path = append(path, pathFrame{id: child, frame: next})
		f = next
	}
	return path, nil
}

func (t *Tree) unwindPath(path []pathFrame) {
	for _, pf := range path {
		pf.frame.Latch.ReleaseExclusive()
		t.cache.MakeEvictable(pf.frame)
		t.cache.Used(pf.frame)
	}
}

// Insert stores value under key, returning the previous value (if
// any) for the caller's undo log (spec.md §4.6).
func (t *Tree) Insert(key, value []byte) ([]byte, bool, error) {
	stored, err := t.encodeLeafValue(key, value)
	if err != nil {
		return nil, false, err
	}

	// Optimistic fast path: touch only the leaf. The fit check happens
	// before any mutation so a bail-out to the pessimistic path never
	// leaves a partially-applied change behind.
	leaf, err := t.descendExclusive(key)
	if err != nil {
		return nil, false, err
	}
	slot, exact := leaf.Node.Find(key)
	matched := exact && slot <= leaf.Node.Cnt() && bytes.Equal(leaf.Node.Key(slot), key)

	needed := page.EntrySize(key, stored) + page.SlotSize
	fits := leaf.Node.FreeSpace() >= needed
	if matched {
		fits = leaf.Node.FreeSpace()+page.SlotSize >= needed
	}
	if !fits {
		t.release(leaf, false)
		return t.insertPessimistic(key, stored)
	}

	var oldVal []byte
	var hadOld bool
	if matched {
		oldVal, hadOld, err = t.decodeLeafValue(leaf.Node.Value(slot))
		if err != nil {
			t.release(leaf, false)
			return nil, false, err
		}
		if isStoredFragmented(leaf.Node.Value(slot)) {
			if err := t.freeFragmentedValue(leaf.Node.Value(slot)[1:]); err != nil {
				t.release(leaf, false)
				return nil, false, err
			}
		}
		leaf.Node.RemoveSlot(slot)
		slot, _ = leaf.Node.Find(key)
	}
	leaf.Node.InsertSlot(slot, key, stored)
	t.release(leaf, true)
	return oldVal, hadOld, nil
}

// Delete removes key, returning its previous value for undo.
func (t *Tree) Delete(key []byte) ([]byte, bool, error) {
	leaf, err := t.descendExclusive(key)
	if err != nil {
		return nil, false, err
	}
	slot, exact := leaf.Node.Find(key)
	if !exact || slot > leaf.Node.Cnt() || !bytes.Equal(leaf.Node.Key(slot), key) {
		t.release(leaf, false)
		return nil, false, nil
	}
	oldVal, hadOld, err := t.decodeLeafValue(leaf.Node.Value(slot))
	if err != nil {
		t.release(leaf, false)
		return nil, false, err
	}
	if isStoredFragmented(leaf.Node.Value(slot)) {
		if err := t.freeFragmentedValue(leaf.Node.Value(slot)[1:]); err != nil {
			t.release(leaf, false)
			return nil, false, err
		}
	}
	leaf.Node.RemoveSlot(slot)
	garbageRatio := float64(leaf.Node.Garbage()) / float64(t.pageSize)
	needsMerge := garbageRatio > t.cfg.MergeGarbageThreshold && leaf.Node.Cnt() > 0
	t.release(leaf, true)

	if needsMerge {
		if err := t.maybeMerge(key); err != nil {
			return oldVal, hadOld, err
		}
	}
	return oldVal, hadOld, nil
}

// inlineThreshold is the largest value length (spec.md §3, §8) a leaf
// entry still stores inline; anything longer is written to fragment
// pages instead. Fixed regardless of page size, unlike the free-space
// checks elsewhere in this package that do scale with it.
const inlineThreshold = 8191

func (t *Tree) encodeLeafValue(key, value []byte) ([]byte, error) {
	if len(value) > inlineThreshold {
		return t.encodeFragmentedValue(value)
	}
	return encodeInlineValue(value), nil
}
