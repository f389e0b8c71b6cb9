package tree

import (
	"bytes"

	"github.com/emberkv/ember/cache"
	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
)

// CursorState is the cursor state machine spec.md §4.7 describes: a
// cursor starts UNPOSITIONED, becomes POSITIONED_ON_KEY once it has
// found a leaf slot, and POSITIONED_WITH_VALUE once the (possibly
// fragmented) value behind that slot has actually been read.
type CursorState int

const (
	StateUnpositioned CursorState = iota
	StatePositionedOnKey
	StatePositionedWithValue
)

// Cursor holds a single leaf frame latched while positioned, so a
// caller can read adjacent keys without re-descending the tree for
// every step. Grounded on the teacher's cursor-less scan helpers in
// bltree_test_util.go (which walk leaves via the Right pointer under a
// single held latch); Ember turns that ad-hoc test helper into the
// first-class cursor spec.md §4.7/§9 requires, including backward
// traversal the teacher's helper never needed.
type Cursor struct {
	t     *Tree
	state CursorState
	frame *cache.Frame
	slot  uint32
	value []byte
}

// NewCursor returns an unpositioned cursor over t.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t}
}

func (c *Cursor) releaseFrame() {
	if c.frame != nil {
		c.t.release(c.frame, false)
		c.frame = nil
	}
}

// Close releases any latch the cursor holds, leaving it unpositioned.
func (c *Cursor) Close() {
	c.releaseFrame()
	c.state = StateUnpositioned
	c.value = nil
}

func (c *Cursor) position(f *cache.Frame, slot uint32) {
	c.releaseFrame()
	c.frame = f
	c.slot = slot
	c.state = StatePositionedOnKey
	c.value = nil
}

// Find positions the cursor at key if present, or at the first key
// greater than it otherwise; ok reports an exact match.
func (c *Cursor) Find(key []byte) (ok bool, err error) {
	leaf, err := c.t.descendExclusive(key)
	if err != nil {
		return false, err
	}
	slot, found := leaf.Node.Find(key)
	if !found {
		// key is greater than every key in this leaf; the routing fence
		// guarantees the next key in order, if any, starts the right
		// sibling leaf.
		rightID := leaf.Node.Right()
		c.t.release(leaf, false)
		if rightID == 0 {
			c.Close()
			return false, nil
		}
		next, err := c.t.cache.AllocLatched(rightID, cache.ModeNormal)
		if err != nil {
			return false, err
		}
		c.position(next, 1)
		return false, nil
	}
	exact := bytes.Equal(leaf.Node.Key(slot), key)
	c.position(leaf, slot)
	return exact, nil
}

func (c *Cursor) leftmostLeaf() (*cache.Frame, error) {
	_, f, err := c.t.latchRoot()
	if err != nil {
		return nil, err
	}
	for !isLeaf(f.Node) {
		child := childAt(f.Node, 1)
		next, err := c.t.cache.AllocLatched(child, cache.ModeNormal)
		c.t.release(f, false)
		if err != nil {
			return nil, err
		}
		f = next
	}
	return f, nil
}

func (c *Cursor) rightmostLeaf() (*cache.Frame, error) {
	_, f, err := c.t.latchRoot()
	if err != nil {
		return nil, err
	}
	for !isLeaf(f.Node) {
		child := childAt(f.Node, f.Node.Cnt())
		next, err := c.t.cache.AllocLatched(child, cache.ModeNormal)
		c.t.release(f, false)
		if err != nil {
			return nil, err
		}
		f = next
	}
	return f, nil
}

// First positions the cursor on the smallest key in the tree.
func (c *Cursor) First() error {
	f, err := c.leftmostLeaf()
	if err != nil {
		return err
	}
	if f.Node.Cnt() == 0 {
		c.t.release(f, false)
		c.Close()
		return nil
	}
	c.position(f, 1)
	return nil
}

// Last positions the cursor on the greatest key in the tree.
func (c *Cursor) Last() error {
	f, err := c.rightmostLeaf()
	if err != nil {
		return err
	}
	if f.Node.Cnt() == 0 {
		c.t.release(f, false)
		c.Close()
		return nil
	}
	c.position(f, f.Node.Cnt())
	return nil
}

// Next advances to the next key in ascending order. err is
// errs.KindUnpositioned if the cursor has run off the end.
func (c *Cursor) Next() error {
	if c.state == StateUnpositioned || c.frame == nil {
		return errs.New(errs.KindUnpositioned, "tree.Cursor.Next")
	}
	if c.slot < c.frame.Node.Cnt() {
		c.slot++
		c.state = StatePositionedOnKey
		c.value = nil
		return nil
	}
	rightID := c.frame.Node.Right()
	if rightID == 0 {
		c.Close()
		return errs.New(errs.KindUnpositioned, "tree.Cursor.Next: end of tree")
	}
	next, err := c.t.cache.AllocLatched(rightID, cache.ModeNormal)
	if err != nil {
		return err
	}
	c.position(next, 1)
	return nil
}

// Previous moves to the preceding key in ascending order, re-descending
// from the root to find the leaf holding the largest key less than the
// cursor's current key — leaf pages only carry a forward (Right) link,
// so unlike Next this cannot walk a sibling pointer directly.
func (c *Cursor) Previous() error {
	if c.state == StateUnpositioned || c.frame == nil {
		return errs.New(errs.KindUnpositioned, "tree.Cursor.Previous")
	}
	if c.slot > 1 {
		c.slot--
		c.state = StatePositionedOnKey
		c.value = nil
		return nil
	}
	key := append([]byte(nil), c.frame.Node.Key(c.slot)...)
	// predecessorOf re-latches from the root, which may be this very
	// leaf; latches are not reentrant, so let go of it first.
	c.releaseFrame()
	f, slot, err := c.predecessorOf(key)
	if err != nil {
		c.Close()
		return err
	}
	if f == nil {
		c.Close()
		return errs.New(errs.KindUnpositioned, "tree.Cursor.Previous: start of tree")
	}
	c.position(f, slot)
	return nil
}

// predecessorOf finds the leaf/slot holding the largest key strictly
// less than key, or (nil, 0, nil) if none exists.
func (c *Cursor) predecessorOf(key []byte) (*cache.Frame, uint32, error) {
	_, f, err := c.t.latchRoot()
	if err != nil {
		return nil, 0, err
	}
	for !isLeaf(f.Node) {
		slot, ok := f.Node.Find(key)
		if !ok {
			slot = f.Node.Cnt()
		} else if page.CompareKeys(f.Node.Key(slot), key) == 0 && slot > 1 {
			// exact fence match: key lives at the boundary, descend the
			// child to its left instead.
			slot--
		}
		child := childAt(f.Node, slot)
		next, err := c.t.cache.AllocLatched(child, cache.ModeNormal)
		c.t.release(f, false)
		if err != nil {
			return nil, 0, err
		}
		f = next
	}
	for s := f.Node.Cnt(); s >= 1; s-- {
		if page.CompareKeys(f.Node.Key(s), key) < 0 {
			return f, s, nil
		}
	}
	// Routing guarantees the predecessor (if any) lives in this leaf;
	// reaching here means key is the smallest key in the tree.
	c.t.release(f, false)
	return nil, 0, nil
}

// Skip advances n steps forward (n > 0) or backward (n < 0).
func (c *Cursor) Skip(n int) error {
	for ; n > 0; n-- {
		if err := c.Next(); err != nil {
			return err
		}
	}
	for ; n < 0; n++ {
		if err := c.Previous(); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() ([]byte, error) {
	if c.state == StateUnpositioned || c.frame == nil {
		return nil, errs.New(errs.KindUnpositioned, "tree.Cursor.Key")
	}
	return append([]byte(nil), c.frame.Node.Key(c.slot)...), nil
}

// Value decodes and returns the value at the cursor's current
// position, reading fragment pages if necessary and caching the
// result for subsequent calls.
func (c *Cursor) Value() ([]byte, error) {
	if c.state == StateUnpositioned || c.frame == nil {
		return nil, errs.New(errs.KindUnpositioned, "tree.Cursor.Value")
	}
	if c.state == StatePositionedWithValue {
		return c.value, nil
	}
	v, _, err := c.t.decodeLeafValue(c.frame.Node.Value(c.slot))
	if err != nil {
		return nil, err
	}
	c.value = v
	c.state = StatePositionedWithValue
	return v, nil
}
