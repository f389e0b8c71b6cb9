package tree

import (
	"github.com/emberkv/ember/cache"
	"github.com/emberkv/ember/page"
)

// siblingOf returns the slot adjacent to slot in p, preferring the
// right neighbor, and whether that neighbor is to the right.
func siblingOf(p *page.Page, slot uint32) (sibSlot uint32, isRight bool) {
	if slot < p.Cnt() {
		return slot + 1, true
	}
	if slot > 1 {
		return slot - 1, false
	}
	return 0, false
}

// maybeMerge is the garbage-threshold-triggered compaction/merge step
// (spec.md §4.7 "Merge"): it re-descends the full path to key's leaf,
// and either compacts the leaf in place or, if a sibling can absorb
// its remaining entries into a single page, merges the two and
// removes the absorbed page from its parent.
//
// Grounded on the teacher's delete path in bltree.go, which always
// compacts a page in place on delete (cleanPage) but never merges
// across pages; the cross-page merge itself is built from spec.md
// §4.7's own description, since no retrieved repo implements B+-tree
// node merging. Ember simplifies to a single, non-cascading merge
// level (a parent that itself drops below its own fill threshold after
// absorbing a child is left as-is rather than recursively merged
// further up) — recorded as a deliberate simplification in DESIGN.md.
func (t *Tree) maybeMerge(key []byte) error {
	path, err := t.descendPessimistic(key)
	if err != nil {
		return err
	}
	defer t.unwindPath(path)

	leafPF := path[len(path)-1]
	leaf := leafPF.frame

	if len(path) == 1 {
		leaf.Node.Compact()
		leaf.Node.State = page.DirtyA
		return nil
	}

	parent := path[len(path)-2]
	sibSlot, isRight := siblingOf(parent.frame.Node, parent.slot)
	if sibSlot == 0 {
		leaf.Node.Compact()
		leaf.Node.State = page.DirtyA
		return nil
	}

	sibID := childAt(parent.frame.Node, sibSlot)
	sibFrame, err := t.cache.AllocLatched(sibID, cache.ModeUnevictable)
	if err != nil {
		return err
	}
	defer func() {
		sibFrame.Latch.ReleaseExclusive()
		t.cache.MakeEvictable(sibFrame)
		t.cache.Used(sibFrame)
	}()

	var leftFrame, rightFrame *cache.Frame
	var leftSlot, rightSlot uint32
	if isRight {
		leftFrame, rightFrame = leaf, sibFrame
		leftSlot, rightSlot = parent.slot, sibSlot
	} else {
		leftFrame, rightFrame = sibFrame, leaf
		leftSlot, rightSlot = sibSlot, parent.slot
	}

	combined := append(nodeEntries(leftFrame.Node), nodeEntries(rightFrame.Node)...)
	var size uint32
	for _, e := range combined {
		size += page.EntrySize(e.key, e.value)
	}
	if size > leftFrame.Node.FreeSpace()+leftFrame.Node.Garbage()+rightFrame.Node.FreeSpace()+rightFrame.Node.Garbage() {
		leaf.Node.Compact()
		leaf.Node.State = page.DirtyA
		return nil
	}

	typ := leftFrame.Node.Type()
	rightID := rightFrame.Node.ID()
	rightOfRight := rightFrame.Node.Right()
	rewritePage(leftFrame.Node, typ, combined)
	leftFrame.Node.SetRight(rightOfRight)
	leftFrame.Node.State = page.DirtyA

	// rightSlot is always > leftSlot (siblingOf only ever pairs adjacent
	// slots), so removing it first leaves leftSlot's index stable.
	parent.frame.Node.RemoveSlot(rightSlot)
	newFence := combined[len(combined)-1].key
	parent.frame.Node.RemoveSlot(leftSlot)
	parent.frame.Node.InsertSlot(leftSlot, newFence, encodeChild(leftFrame.Node.ID()))
	parent.frame.Node.State = page.DirtyA

	if err := t.mgr.DeletePage(rightID); err != nil {
		return err
	}

	if len(path) == 2 && parent.frame.Node.Cnt() == 1 {
		return t.shrinkRoot(parent.id, leftFrame.Node.ID())
	}
	return nil
}

// shrinkRoot replaces a single-child root with that child, freeing the
// old root page.
func (t *Tree) shrinkRoot(oldRootID, onlyChildID page.ID) error {
	t.rootMu.Lock()
	t.rootID = onlyChildID
	t.rootMu.Unlock()
	return t.mgr.DeletePage(oldRootID)
}
