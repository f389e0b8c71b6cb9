package txn

import (
	"github.com/emberkv/ember/lockmgr"
	"github.com/emberkv/ember/tree"
)

// Lock acquires mode on (index, key) under this transaction, exported
// so Cursor (and View, layered on top of it) can gate value
// materialisation the same way Get/Store/Delete do.
func (t *Transaction) Lock(index *Index, key []byte, mode lockmgr.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquire(index, key, mode)
}

// IsGhosted reports whether this transaction has a pending (not yet
// committed) delete of key, so reads see their own writes immediately
// per spec.md §5.
func (t *Transaction) IsGhosted(index *Index, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isGhosted(index.ID, key)
}

// Cursor is a stateful handle to a logical position within index,
// linked to a single transaction. Every read through it acquires a
// lock of mode before returning a value (spec.md §4.8); the default
// mode is UPGRADABLE for a cursor that will mutate and SHARED for a
// pure-read cursor, chosen by the caller at construction.
type Cursor struct {
	txn   *Transaction
	index *Index
	inner *tree.Cursor
	mode  lockmgr.Mode
}

// NewCursor returns an unpositioned cursor over index, linked to t.
func (t *Transaction) NewCursor(index *Index, mode lockmgr.Mode) *Cursor {
	return &Cursor{txn: t, index: index, inner: index.Tree.NewCursor(), mode: mode}
}

func (c *Cursor) First() error            { return c.inner.First() }
func (c *Cursor) Last() error             { return c.inner.Last() }
func (c *Cursor) Next() error             { return c.inner.Next() }
func (c *Cursor) Previous() error         { return c.inner.Previous() }
func (c *Cursor) Skip(n int) error        { return c.inner.Skip(n) }
func (c *Cursor) Close()                  { c.inner.Close() }
func (c *Cursor) Key() ([]byte, error)    { return c.inner.Key() }

// Find positions the cursor at key if present, or at the first key
// greater than it otherwise; ok reports an exact match.
func (c *Cursor) Find(key []byte) (bool, error) { return c.inner.Find(key) }

// Value locks the current key at the cursor's link mode and returns
// its value, or ok=false if this transaction has a pending ghost
// delete of it. A lock timeout leaves the cursor positioned on the
// key (value not loaded) and returns the error, per spec.md §4.8.
func (c *Cursor) Value() (value []byte, ok bool, err error) {
	key, err := c.inner.Key()
	if err != nil {
		return nil, false, err
	}
	if err := c.txn.Lock(c.index, key, c.mode); err != nil {
		return nil, false, err
	}
	if c.txn.IsGhosted(c.index, key) {
		return nil, false, nil
	}
	v, err := c.inner.Value()
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
