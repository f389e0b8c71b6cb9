package txn

import (
	"bytes"
	"testing"

	"github.com/emberkv/ember/lockmgr"
)

func TestCursor_ScanHonorsGhostDelete(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	tx := env.begin()
	tx.Store(idx, []byte("a"), []byte("1"))
	tx.Store(idx, []byte("b"), []byte("2"))
	tx.Store(idx, []byte("c"), []byte("3"))
	if _, err := tx.Delete(idx, []byte("b")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	c := tx.NewCursor(idx, lockmgr.ModeShared)
	if err := c.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	var seen []string
	for {
		k, err := c.Key()
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		v, ok, err := c.Value()
		if err != nil {
			t.Fatalf("Value() error = %v", err)
		}
		if ok {
			seen = append(seen, string(k)+"="+string(v))
		}
		if err := c.Next(); err != nil {
			break
		}
	}
	want := []string{"a=1", "c=3"}
	if len(seen) != len(want) {
		t.Fatalf("scan = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scan = %v, want %v", seen, want)
		}
	}
	tx.Commit()
}

func TestCursor_FindExact(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	tx := env.begin()
	tx.Store(idx, []byte("m"), []byte("mid"))

	c := tx.NewCursor(idx, lockmgr.ModeUpgradable)
	ok, err := c.Find([]byte("m"))
	if err != nil || !ok {
		t.Fatalf("Find() = %v, %v", ok, err)
	}
	v, ok, err := c.Value()
	if err != nil || !ok || !bytes.Equal(v, []byte("mid")) {
		t.Fatalf("Value() = %q, %v, %v", v, ok, err)
	}
	tx.Commit()
}
