package tree

import "testing"

// entrySize for a 1-byte key plus an N-byte value is 2 + uvarintLen(N) + N.
// Choosing N=7 yields entrySize 10; N=196 yields entrySize 200; N=27
// yields entrySize 30 — used below to build entries of an exact,
// hand-checked byte size without depending on page.EntrySize's internals.
func sizedEntry(k byte, valueLen int) entry {
	return entry{key: []byte{k}, value: make([]byte, valueLen)}
}

func TestSplitIndex_MinimizesByteGap(t *testing.T) {
	// Byte sizes 10,10,10,200,10: the plain count-based midpoint of 5
	// entries (index 2) leaves the oversized fourth entry on the right
	// half (diff 200), while splitting one slot later puts it on the
	// left and nearly balances the halves (diff 180) — a strict
	// improvement, not a tie.
	entries := []entry{
		sizedEntry('a', 7),
		sizedEntry('b', 7),
		sizedEntry('c', 7),
		sizedEntry('d', 196),
		sizedEntry('e', 7),
	}

	got := splitIndex(entries)
	if got != 3 {
		t.Fatalf("splitIndex() = %d, want 3 (byte-balanced split past the count-based midpoint of 2)", got)
	}
}

func TestSplitIndex_TiesBreakTowardEarlierSlot(t *testing.T) {
	// Byte sizes 10,10,30,10,10: splitting at index 2 (left={10,10},
	// right={30,10,10}) and at index 3 (left={10,10,30},
	// right={10,10}) both leave a byte gap of 30 — an exact tie, which
	// must resolve to the earlier (lower) slot, the count-based
	// midpoint of 5 entries.
	entries := []entry{
		sizedEntry('a', 7),
		sizedEntry('b', 7),
		sizedEntry('c', 27),
		sizedEntry('d', 7),
		sizedEntry('e', 7),
	}

	got := splitIndex(entries)
	if got != 2 {
		t.Fatalf("splitIndex() = %d, want 2 (tie between slots 2 and 3 breaks toward the earlier one)", got)
	}
}
