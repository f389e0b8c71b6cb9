package page

import (
	"bytes"
	"testing"
)

func TestPage_InsertAndFind(t *testing.T) {
	p := New(4096, 2, TypeLeaf)

	keys := [][]byte{[]byte("b"), []byte("d"), []byte("f")}
	for _, k := range keys {
		slot, _ := p.Find(k)
		if slot == 0 {
			slot = p.Cnt() + 1
		}
		p.InsertSlot(slot, k, append([]byte("v-"), k...))
	}

	for _, k := range keys {
		slot, ok := p.Find(k)
		if !ok {
			t.Fatalf("Find(%q) not found", k)
		}
		if !bytes.Equal(p.Key(slot), k) {
			t.Errorf("Key(%d) = %q, want %q", slot, p.Key(slot), k)
		}
		want := append([]byte("v-"), k...)
		if !bytes.Equal(p.Value(slot), want) {
			t.Errorf("Value(%d) = %q, want %q", slot, p.Value(slot), want)
		}
	}

	if slot, ok := p.Find([]byte("c")); !ok || !bytes.Equal(p.Key(slot), []byte("d")) {
		t.Errorf("Find(%q) = slot %d ok %v, want first key >= c (d)", "c", slot, ok)
	}

	if _, ok := p.Find([]byte("z")); ok {
		t.Errorf("Find(%q) ok = true, want false (past end)", "z")
	}
}

func TestPage_RemoveAndCompact(t *testing.T) {
	p := New(4096, 2, TypeLeaf)
	for _, k := range []string{"a", "b", "c", "d"} {
		slot := p.Cnt() + 1
		p.InsertSlot(slot, []byte(k), []byte(k))
	}

	slot, _ := p.Find([]byte("b"))
	p.RemoveSlot(slot)
	if p.Act() != 3 {
		t.Errorf("Act() = %d, want 3", p.Act())
	}
	if p.Garbage() == 0 {
		t.Errorf("Garbage() = 0, want > 0 after RemoveSlot")
	}

	p.Compact()
	if p.Cnt() != 3 || p.Act() != 3 {
		t.Errorf("after Compact Cnt()=%d Act()=%d, want 3,3", p.Cnt(), p.Act())
	}
	if p.Garbage() != 0 {
		t.Errorf("after Compact Garbage() = %d, want 0", p.Garbage())
	}
	if s, ok := p.Find([]byte("b")); ok && bytes.Equal(p.Key(s), []byte("b")) {
		t.Errorf("Find(b) still finds b after removal+compact")
	}
	for _, k := range []string{"a", "c", "d"} {
		if s, ok := p.Find([]byte(k)); !ok || !bytes.Equal(p.Key(s), []byte(k)) {
			t.Errorf("Find(%q) missing after compact", k)
		}
	}
}

func TestPage_SetValueShrink(t *testing.T) {
	p := New(4096, 2, TypeLeaf)
	p.InsertSlot(1, []byte("k"), []byte("longvalue"))
	p.SetValue(1, []byte("sh"))
	if !bytes.Equal(p.Value(1), []byte("sh")) {
		t.Errorf("Value(1) = %q, want %q", p.Value(1), "sh")
	}
}

func TestPage_CopyFromPreservesID(t *testing.T) {
	src := New(4096, 5, TypeLeaf)
	src.InsertSlot(1, []byte("x"), []byte("y"))
	dst := New(4096, 9, TypeLeaf)
	dst.CopyFrom(src)
	if dst.ID() != 9 {
		t.Errorf("ID() = %d, want 9 (preserved)", dst.ID())
	}
	if dst.Cnt() != 1 {
		t.Errorf("Cnt() = %d, want 1 (copied contents)", dst.Cnt())
	}
}
