package txn

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/emberkv/ember/lockmgr"
)

func seedView(t *testing.T, env *testEnv, idx *Index) {
	t.Helper()
	tx := env.begin()
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := tx.Store(idx, []byte(k), []byte(k+"-v")); err != nil {
			t.Fatalf("Store(%q) error = %v", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestView_ForwardScan(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	seedView(t, env, idx)

	tx := env.begin()
	v := tx.NewView(idx, lockmgr.ModeShared)
	if err := v.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	var keys []string
	for {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		keys = append(keys, string(k))
		if err := v.Next(); err != nil {
			break
		}
	}
	want := []string{"a", "b", "c", "d"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("forward scan = %v, want %v", keys, want)
	}
	tx.Commit()
}

func TestView_Reverse(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	seedView(t, env, idx)

	tx := env.begin()
	v := tx.NewView(idx, lockmgr.ModeShared, Reverse())
	if err := v.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	var keys []string
	for {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		keys = append(keys, string(k))
		if err := v.Next(); err != nil {
			break
		}
	}
	want := []string{"d", "c", "b", "a"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("reverse scan = %v, want %v", keys, want)
	}
	tx.Commit()
}

func TestView_FilterSkipsNonMatching(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	seedView(t, env, idx)

	tx := env.begin()
	v := tx.NewView(idx, lockmgr.ModeShared, WithFilter(func(key, value []byte) bool {
		return string(key) != "b"
	}))
	if err := v.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	var keys []string
	for {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		keys = append(keys, string(k))
		if err := v.Next(); err != nil {
			break
		}
	}
	want := []string{"a", "c", "d"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("filtered scan = %v, want %v", keys, want)
	}
	tx.Commit()
}

func TestView_Transform(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	seedView(t, env, idx)

	tx := env.begin()
	v := tx.NewView(idx, lockmgr.ModeShared, WithTransform(func(key, value []byte) ([]byte, []byte) {
		return key, bytes.ToUpper(value)
	}))
	if err := v.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	val, ok, err := v.Value()
	if err != nil || !ok || !bytes.Equal(val, []byte("A-V")) {
		t.Fatalf("Value() = %q, %v, %v", val, ok, err)
	}
	tx.Commit()
}

func TestView_Prefix(t *testing.T) {
	env := newTestEnv(t)
	idx := env.newIndex(1, "main")
	tx := env.begin()
	tx.Store(idx, []byte("fruit:apple"), []byte("1"))
	tx.Store(idx, []byte("fruit:banana"), []byte("2"))
	tx.Store(idx, []byte("veg:carrot"), []byte("3"))
	tx.Commit()

	tx2 := env.begin()
	v := tx2.NewView(idx, lockmgr.ModeShared, WithPrefix([]byte("fruit:")))
	if err := v.First(); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	var keys []string
	for {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		keys = append(keys, string(k))
		if err := v.Next(); err != nil {
			break
		}
	}
	want := []string{"fruit:apple", "fruit:banana"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("prefix scan = %v, want %v", keys, want)
	}
	tx2.Commit()
}
