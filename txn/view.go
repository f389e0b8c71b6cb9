package txn

import (
	"bytes"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/lockmgr"
)

// View is an ordered projection/filter/transform layered on top of an
// index's cursor (spec.md §9's "Deep inheritance" redesign note: one
// generic cursor type parameterised by a View capability, rather than
// the source's tree of cursor/view subclasses). Reverse flips which
// underlying direction First/Last/Next/Previous walk; Filter skips
// entries the underlying cursor visits; Prefix ends the walk at the
// first visited key lacking the prefix; Transform maps the
// key/value pair exposed to the caller, independent of the other
// three.
type View struct {
	cur       *Cursor
	reverse   bool
	prefix    []byte
	filter    func(key, value []byte) bool
	transform func(key, value []byte) ([]byte, []byte)
}

// ViewOption configures a View at construction.
type ViewOption func(*View)

// Reverse walks the index from greatest to least key.
func Reverse() ViewOption { return func(v *View) { v.reverse = true } }

// WithPrefix ends the view at the first key, in walk order, that does
// not share prefix. First and Last start at the index's own ends and
// do not seek to the prefix range.
func WithPrefix(prefix []byte) ViewOption {
	return func(v *View) { v.prefix = append([]byte(nil), prefix...) }
}

// WithFilter restricts the view to entries for which keep returns
// true, evaluated against the untransformed key/value.
func WithFilter(keep func(key, value []byte) bool) ViewOption {
	return func(v *View) { v.filter = keep }
}

// WithTransform maps every exposed key/value pair through fn.
func WithTransform(fn func(key, value []byte) ([]byte, []byte)) ViewOption {
	return func(v *View) { v.transform = fn }
}

// NewView builds a View over a fresh cursor on index, linked to t,
// with the given capabilities layered on.
func (t *Transaction) NewView(index *Index, mode lockmgr.Mode, opts ...ViewOption) *View {
	v := &View{cur: t.NewCursor(index, mode)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *View) matchesPrefix(key []byte) bool {
	return v.prefix == nil || bytes.HasPrefix(key, v.prefix)
}

// forward/backward are the view's own sense of direction, which is
// swapped relative to the underlying cursor's when Reverse is set.
func (v *View) forward() func() error {
	if v.reverse {
		return v.cur.Previous
	}
	return v.cur.Next
}

func (v *View) backward() func() error {
	if v.reverse {
		return v.cur.Next
	}
	return v.cur.Previous
}

// settle repositions forward in the view's own direction until the
// current entry satisfies Prefix/Filter, or the cursor runs off the
// matching range.
func (v *View) settle(step func() error) error {
	for {
		key, err := v.cur.Key()
		if err != nil {
			return err
		}
		if !v.matchesPrefix(key) {
			return errs.New(errs.KindUnpositioned, "txn.View: past prefix range")
		}
		if v.filter != nil {
			val, ok, err := v.cur.Value()
			if err != nil {
				return err
			}
			if !ok || !v.filter(key, val) {
				if err := step(); err != nil {
					return err
				}
				continue
			}
		}
		return nil
	}
}

// First positions the view at its first entry (greatest key if
// Reverse, least otherwise) satisfying Prefix/Filter.
func (v *View) First() error {
	var err error
	if v.reverse {
		err = v.cur.Last()
	} else {
		err = v.cur.First()
	}
	if err != nil {
		return err
	}
	return v.settle(v.forward())
}

// Last positions the view at its last matching entry.
func (v *View) Last() error {
	var err error
	if v.reverse {
		err = v.cur.First()
	} else {
		err = v.cur.Last()
	}
	if err != nil {
		return err
	}
	return v.settle(v.backward())
}

// Next advances in the view's order.
func (v *View) Next() error {
	step := v.forward()
	if err := step(); err != nil {
		return err
	}
	return v.settle(step)
}

// Previous moves backward in the view's order.
func (v *View) Previous() error {
	step := v.backward()
	if err := step(); err != nil {
		return err
	}
	return v.settle(step)
}

// Key returns the current entry's key, transformed if a Transform was
// configured.
func (v *View) Key() ([]byte, error) {
	key, err := v.cur.Key()
	if err != nil {
		return nil, err
	}
	if v.transform == nil {
		return key, nil
	}
	tk, _ := v.transform(key, nil)
	return tk, nil
}

// Value returns the current entry's value, transformed if configured.
func (v *View) Value() ([]byte, bool, error) {
	key, err := v.cur.Key()
	if err != nil {
		return nil, false, err
	}
	val, ok, err := v.cur.Value()
	if err != nil || !ok {
		return nil, ok, err
	}
	if v.transform == nil {
		return val, true, nil
	}
	_, tv := v.transform(key, val)
	return tv, true, nil
}

// Close releases the underlying cursor's latch.
func (v *View) Close() { v.cur.Close() }
