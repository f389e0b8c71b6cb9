package tree

import (
	"github.com/emberkv/ember/cache"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
)

// entry is one decoded (key, raw value bytes) pair, used while
// rebuilding a page's contents around a split.
type entry struct {
	key   []byte
	value []byte
}

func nodeEntries(p *page.Page) []entry {
	out := make([]entry, 0, p.Cnt())
	for s := uint32(1); s <= p.Cnt(); s++ {
		if p.Dead(s) {
			continue
		}
		out = append(out, entry{key: append([]byte(nil), p.Key(s)...), value: append([]byte(nil), p.Value(s)...)})
	}
	return out
}

func insertSorted(entries []entry, key, value []byte) []entry {
	i := 0
	for i < len(entries) && page.CompareKeys(entries[i].key, key) < 0 {
		i++
	}
	if i < len(entries) && page.CompareKeys(entries[i].key, key) == 0 {
		entries[i].value = value
		return entries
	}
	out := make([]entry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, entry{key: key, value: value})
	out = append(out, entries[i:]...)
	return out
}

// splitIndex picks the split point minimizing the byte-size gap between
// the two resulting halves, among slots at or after the midpoint count
// (`len(entries)/2`), ties broken toward the earlier (lower) slot —
// matching the teacher's splitPage, which splits at max/2 and adjusts
// only when its own librarian-slot bookkeeping requires it.
func splitIndex(entries []entry) int {
	n := len(entries)
	sizes := make([]uint32, n)
	var total uint32
	for i, e := range entries {
		sizes[i] = page.EntrySize(e.key, e.value)
		total += sizes[i]
	}

	mid := n / 2
	var leftBytes uint32
	for i := 0; i < mid; i++ {
		leftBytes += sizes[i]
	}

	bestIdx := mid
	bestDiff := byteGap(total, leftBytes)
	for i := mid + 1; i < n; i++ {
		leftBytes += sizes[i-1]
		if d := byteGap(total, leftBytes); d < bestDiff {
			bestDiff = d
			bestIdx = i
		}
	}
	return bestIdx
}

func byteGap(total, left uint32) uint32 {
	right := total - left
	if right > left {
		return right - left
	}
	return left - right
}

func rewritePage(p *page.Page, typ page.Type, entries []entry) {
	p.Reset(typ)
	for i, e := range entries {
		p.InsertSlot(uint32(i+1), e.key, e.value)
	}
}

// splitNodeAndInsert rebuilds frame's node around an additional
// (key, value) entry that does not fit, splitting it roughly in half
// and returning the newly allocated right sibling's id and the two
// halves' fence keys (the last key remaining in each half — see
// node.go's fence-key convention).
//
// Grounded on the teacher's BLTree split path in bltree.go (collect the
// full contents, find the split point, rewrite the original page in
// place as the left half, allocate a fresh page for the right half);
// adapted to the fence-key internal layout so the caller can push the
// same two (fence, child) pairs up the path regardless of whether the
// split node is a leaf or an internal node.
func (t *Tree) splitNodeAndInsert(frame *cache.Frame, key, value []byte) (rightID page.ID, leftFence, rightFence []byte, err error) {
	typ := frame.Node.Type()
	entries := insertSorted(nodeEntries(frame.Node), key, value)
	mid := splitIndex(entries)

	left := entries[:mid]
	right := entries[mid:]

	rightID, err = t.mgr.AllocPage(pagemgr.ModeNormal)
	if err != nil {
		return 0, nil, nil, err
	}
	rf, err := t.cache.AllocLatched(rightID, cache.ModeUnevictable)
	if err != nil {
		return 0, nil, nil, err
	}
	rf.Node.SetID(rightID)

	oldRight := frame.Node.Right()
	rewritePage(rf.Node, typ, right)
	rf.Node.SetRight(oldRight)
	rf.Node.State = page.DirtyA
	rf.Latch.ReleaseExclusive()
	t.cache.MakeEvictable(rf)
	t.cache.Used(rf)

	rewritePage(frame.Node, typ, left)
	frame.Node.SetRight(rightID)
	frame.Node.State = page.DirtyA

	leftFence = left[len(left)-1].key
	rightFence = right[len(right)-1].key
	return rightID, leftFence, rightFence, nil
}

// insertPessimistic performs the full-path-latched insert fallback:
// split the leaf if it still doesn't fit after a full descent, then
// walk back up the held path pushing the new separator into each
// ancestor, splitting ancestors in turn and finally growing a new
// root if the split reaches the top.
func (t *Tree) insertPessimistic(key, stored []byte) ([]byte, bool, error) {
	path, err := t.descendPessimistic(key)
	if err != nil {
		return nil, false, err
	}
	defer t.unwindPath(path)

	leafPF := path[len(path)-1]
	leaf := leafPF.frame

	slot, exact := leaf.Node.Find(key)
	var oldVal []byte
	var hadOld bool
	if exact && slot <= leaf.Node.Cnt() && page.CompareKeys(leaf.Node.Key(slot), key) == 0 {
		oldVal, hadOld, err = t.decodeLeafValue(leaf.Node.Value(slot))
		if err != nil {
			return nil, false, err
		}
		if isStoredFragmented(leaf.Node.Value(slot)) {
			if err := t.freeFragmentedValue(leaf.Node.Value(slot)[1:]); err != nil {
				return nil, false, err
			}
		}
		leaf.Node.RemoveSlot(slot)
		slot, _ = leaf.Node.Find(key)
	}

	if leaf.Node.FreeSpace() >= page.EntrySize(key, stored)+page.SlotSize {
		leaf.Node.InsertSlot(slot, key, stored)
		leaf.Node.State = page.DirtyA
		return oldVal, hadOld, nil
	}

	rightID, leftFence, rightFence, err := t.splitNodeAndInsert(leaf, key, stored)
	if err != nil {
		return nil, false, err
	}
	leftID := leafPF.id

	for level := len(path) - 2; level >= 0; level-- {
		parent := path[level]
		parent.frame.Node.RemoveSlot(parent.slot)

		leftEntrySize := page.EntrySize(leftFence, encodeChild(leftID))
		rightEntrySize := page.EntrySize(rightFence, encodeChild(rightID))
		if parent.frame.Node.FreeSpace() >= leftEntrySize+rightEntrySize+2*page.SlotSize {
			parent.frame.Node.InsertSlot(parent.slot, leftFence, encodeChild(leftID))
			parent.frame.Node.InsertSlot(parent.slot+1, rightFence, encodeChild(rightID))
			parent.frame.Node.State = page.DirtyA
			return oldVal, hadOld, nil
		}

		parent.frame.Node.InsertSlot(parent.slot, leftFence, encodeChild(leftID))
		newRightID, newLeftFence, newRightFence, err := t.splitNodeAndInsert(parent.frame, rightFence, encodeChild(rightID))
		if err != nil {
			return nil, false, err
		}
		leftID = parent.id
		rightID = newRightID
		leftFence = newLeftFence
		rightFence = newRightFence
	}

	// The root itself split; grow a new internal root over both halves.
	if err := t.growRoot(leftID, leftFence, rightID, rightFence); err != nil {
		return nil, false, err
	}
	return oldVal, hadOld, nil
}

// growRoot allocates a fresh internal root with exactly two children:
// the old root (now holding the lower half) and its new right sibling.
func (t *Tree) growRoot(leftID page.ID, leftFence []byte, rightID page.ID, rightFence []byte) error {
	newRootID, err := t.mgr.AllocPage(pagemgr.ModeNormal)
	if err != nil {
		return err
	}
	f, err := t.cache.AllocLatched(newRootID, cache.ModeNormal)
	if err != nil {
		return err
	}
	f.Node.SetID(newRootID)
	f.Node.Reset(page.TypeInternal)
	f.Node.InsertSlot(1, leftFence, encodeChild(leftID))
	f.Node.InsertSlot(2, rightFence, encodeChild(rightID))
	f.Node.State = page.DirtyA
	f.Latch.ReleaseExclusive()
	t.cache.Used(f)

	t.rootMu.Lock()
	t.rootID = newRootID
	t.rootMu.Unlock()
	return nil
}
