package page

import "bytes"

// CompareKeys performs the unsigned lexicographic comparison spec.md
// requires throughout (§3 invariants, §4.7 "Search is a standard binary
// search ... comparing against the query key (unsigned lexicographic)").
// Go's []byte comparison via bytes.Compare is already unsigned
// byte-wise, so this is a thin named wrapper kept for call-site clarity
// rather than a reimplementation.
func CompareKeys(a, b []byte) int { return bytes.Compare(a, b) }

// Find returns the 1-based slot such that Key(slot) is the first key
// >= target, and ok reports whether any such slot exists on this page
// (false means target is greater than every key here — the caller
// should follow Right()). When ok is false, slot is Cnt()+1, the
// position a new key would be inserted at. Binary search over the
// sorted search vector, per spec.md §4.7.
func (p *Page) Find(target []byte) (slot uint32, ok bool) {
	cnt := p.Cnt()
	lo, hi := uint32(1), cnt+1 // [lo, hi) half-open, hi is one past the last candidate
	for lo < hi {
		mid := lo + (hi-lo)/2
		if CompareKeys(p.Key(mid), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > cnt {
		return lo, false
	}
	return lo, true
}
