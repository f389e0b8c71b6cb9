package tree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/pagestore"
)

const testPageSize = 512

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dev := pagestore.NewMemDevice(testPageSize)
	if err := dev.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	mgr := pagemgr.Open(dev, testPageSize, page.FirstUserPage, 4)
	cfg := DefaultConfig()
	cfg.CacheCapacity = 64
	tr, err := Open(dev, mgr, testPageSize, 0, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return tr
}

func TestTree_InsertGet(t *testing.T) {
	tr := newTestTree(t)
	if _, hadOld, err := tr.Insert([]byte("a"), []byte("1")); err != nil || hadOld {
		t.Fatalf("Insert() = %v, %v", hadOld, err)
	}
	v, ok, err := tr.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("Get() = %q, %v, want 1, true", v, ok)
	}
}

func TestTree_GetMissing(t *testing.T) {
	tr := newTestTree(t)
	_, ok, err := tr.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatalf("Get() found a key that was never inserted")
	}
}

func TestTree_InsertOverwriteReturnsOld(t *testing.T) {
	tr := newTestTree(t)
	if _, _, err := tr.Insert([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	old, hadOld, err := tr.Insert([]byte("k"), []byte("new-value"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !hadOld || !bytes.Equal(old, []byte("old")) {
		t.Fatalf("Insert() old = %q, %v, want old, true", old, hadOld)
	}
	v, _, _ := tr.Get([]byte("k"))
	if !bytes.Equal(v, []byte("new-value")) {
		t.Fatalf("Get() after overwrite = %q", v)
	}
}

func TestTree_DeleteRemovesKey(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("k"), []byte("v"))
	old, hadOld, err := tr.Delete([]byte("k"))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !hadOld || !bytes.Equal(old, []byte("v")) {
		t.Fatalf("Delete() = %q, %v, want v, true", old, hadOld)
	}
	_, ok, _ := tr.Get([]byte("k"))
	if ok {
		t.Fatalf("Get() found a deleted key")
	}
}

func TestTree_DeleteMissingIsNoop(t *testing.T) {
	tr := newTestTree(t)
	_, hadOld, err := tr.Delete([]byte("nope"))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if hadOld {
		t.Fatalf("Delete() reported removing a key that was never present")
	}
}

func TestTree_InsertManyTriggersSplitAndStaysConsistent(t *testing.T) {
	tr := newTestTree(t)
	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if _, _, err := tr.Insert(key, val); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, ok, err := tr.Get(key)
		if err != nil {
			t.Fatalf("Get(%d) error = %v", i, err)
		}
		if !ok || !bytes.Equal(got, want) {
			t.Fatalf("Get(%d) = %q, %v, want %q, true", i, got, ok, want)
		}
	}
}

func TestTree_InsertManyThenDeleteAll(t *testing.T) {
	tr := newTestTree(t)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if _, _, err := tr.Insert(key, []byte("v")); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		_, hadOld, err := tr.Delete(key)
		if err != nil {
			t.Fatalf("Delete(%d) error = %v", i, err)
		}
		if !hadOld {
			t.Fatalf("Delete(%d) missed a key that should exist", i)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if _, ok, _ := tr.Get(key); ok {
			t.Fatalf("Get(%d) found a key after deleting everything", i)
		}
	}
}

func TestTree_FragmentedValueRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	big := bytes.Repeat([]byte("abcdefgh"), testPageSize) // far larger than one page
	if _, _, err := tr.Insert([]byte("big"), big); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, ok, err := tr.Get([]byte("big"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || !bytes.Equal(got, big) {
		t.Fatalf("Get() large value mismatch: len got %d want %d", len(got), len(big))
	}
}

func TestTree_IndirectFragmentedValueRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	// 40 fragment pages worth of data forces the indirect (inode) path,
	// since DefaultConfig's DirectMaxPages is 8.
	big := bytes.Repeat([]byte("0123456789abcdef"), testPageSize*40/16)
	if _, _, err := tr.Insert([]byte("huge"), big); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, ok, err := tr.Get([]byte("huge"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || !bytes.Equal(got, big) {
		t.Fatalf("Get() indirect value mismatch: len got %d want %d", len(got), len(big))
	}
}

func TestTree_EncodeLeafValue_InlineThresholdBoundary(t *testing.T) {
	tr := newTestTree(t)

	atThreshold := bytes.Repeat([]byte("x"), inlineThreshold)
	stored, err := tr.encodeLeafValue([]byte("k"), atThreshold)
	if err != nil {
		t.Fatalf("encodeLeafValue() at inlineThreshold error = %v", err)
	}
	if isStoredFragmented(stored) {
		t.Fatalf("encodeLeafValue() fragmented a value of exactly inlineThreshold (%d) bytes", inlineThreshold)
	}

	overThreshold := bytes.Repeat([]byte("x"), inlineThreshold+1)
	stored, err = tr.encodeLeafValue([]byte("k"), overThreshold)
	if err != nil {
		t.Fatalf("encodeLeafValue() one byte over inlineThreshold error = %v", err)
	}
	if !isStoredFragmented(stored) {
		t.Fatalf("encodeLeafValue() kept a value one byte over inlineThreshold (%d) inline", inlineThreshold)
	}
}

func TestTree_FragmentedValueFreedOnDelete(t *testing.T) {
	tr := newTestTree(t)
	big := bytes.Repeat([]byte("z"), testPageSize*3)
	tr.Insert([]byte("big"), big)
	if _, hadOld, err := tr.Delete([]byte("big")); err != nil || !hadOld {
		t.Fatalf("Delete() = %v, %v", hadOld, err)
	}
	if _, ok, _ := tr.Get([]byte("big")); ok {
		t.Fatalf("Get() found a deleted fragmented value")
	}
}
