// Package tree implements the B+ tree (spec.md §4.7, C7): leaf and
// internal node search/insert/delete, split/merge, latch-coupled
// descent, large-value fragmentation, and cursor traversal primitives.
//
// Grounded on the teacher's bltree.go: the overall descent/insert/
// split/delete/merge shape (latch the root, couple down releasing the
// parent once the child is held, optimistic descent that falls back to
// a full exclusive re-descent when a leaf can't absorb the write) comes
// directly from the teacher's BLTree.insertKey/deleteKey. Internal node
// layout is adapted rather than copied: the teacher keys each slot by
// the literal child key; Ember keys each internal slot by the child's
// own high fence (the greatest key reachable through it), which lets
// the tree reuse page.Find's lower-bound search verbatim for internal
// routing instead of a second comparison mode.
package tree

import "github.com/emberkv/ember/page"

// encoding/binary is used indirectly via page; this file only needs
// the 8-byte child pointer helpers, factored out for reuse by
// split.go/merge.go.

func isLeaf(p *page.Page) bool { return p.Type() == page.TypeLeaf }

func childAt(p *page.Page, slot uint32) page.ID {
	return page.ID(le64(p.Value(slot)))
}

// childForKey routes key to the child slot whose fence key is the
// first one >= key; a key greater than every fence in the node
// belongs to the last (greatest) child.
func childForKey(p *page.Page, key []byte) (slot uint32, child page.ID) {
	s, ok := p.Find(key)
	if !ok {
		s = p.Cnt()
	}
	return s, childAt(p, s)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func encode64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

func encodeChild(id page.ID) []byte { return encode64(uint64(id)) }

// Value storage kinds. A leaf slot's value is always this tag byte
// followed by either the raw value (storedInline) or a fragment
// descriptor (storedFragmented); see fragment.go.
const (
	storedInline     byte = 0
	storedFragmented byte = 1
)

func encodeInlineValue(v []byte) []byte {
	out := make([]byte, 0, len(v)+1)
	out = append(out, storedInline)
	out = append(out, v...)
	return out
}

func isStoredFragmented(stored []byte) bool {
	return len(stored) > 0 && stored[0] == storedFragmented
}
