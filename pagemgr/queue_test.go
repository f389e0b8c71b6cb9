package pagemgr

import (
	"testing"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

func TestQueue_EncodeDecodeRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	node := queueNode{next: 7, ids: []page.ID{10, 3, 1000, 2}}
	encodeQueueNode(buf, node)
	got := decodeQueueNode(buf)
	if got.next != node.next {
		t.Errorf("decodeQueueNode().next = %d, want %d", got.next, node.next)
	}
	if len(got.ids) != len(node.ids) {
		t.Fatalf("decodeQueueNode().ids = %v, want %v", got.ids, node.ids)
	}
	for i := range node.ids {
		if got.ids[i] != node.ids[i] {
			t.Errorf("decodeQueueNode().ids[%d] = %d, want %d", i, got.ids[i], node.ids[i])
		}
	}
}

func TestQueue_AppendDrainAndRemoveAcrossNodeBoundary(t *testing.T) {
	dev := pagestore.NewMemDevice(512)
	if err := dev.SetPageCount(100); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	q := newQueue(dev, 512)

	var nextNodeID page.ID = 50
	alloc := func() (page.ID, error) {
		id := nextNodeID
		nextNodeID++
		return id, nil
	}

	total := maxQueueNodeEntries + 10
	for i := 0; i < total; i++ {
		if err := q.append(page.ID(i+1), alloc); err != nil {
			t.Fatalf("append() error = %v", err)
		}
	}
	if err := q.flush(alloc); err != nil {
		t.Fatalf("flush() error = %v", err)
	}

	seen := map[page.ID]bool{}
	freeNode := func(page.ID) error { return nil }
	for i := 0; i < total; i++ {
		id, ok, err := q.tryRemove(freeNode)
		if err != nil {
			t.Fatalf("tryRemove() error = %v", err)
		}
		if !ok {
			t.Fatalf("tryRemove() ran out after %d of %d entries", i, total)
		}
		seen[id] = true
	}
	if len(seen) != total {
		t.Errorf("tryRemove() produced %d distinct ids, want %d", len(seen), total)
	}
	if _, ok, _ := q.tryRemove(freeNode); ok {
		t.Errorf("tryRemove() on drained queue returned an id, want false")
	}
}

func TestQueue_TryUnappendBeforeDrain(t *testing.T) {
	dev := pagestore.NewMemDevice(512)
	q := newQueue(dev, 512)
	alloc := func() (page.ID, error) { return 0, nil }
	if err := q.append(42, alloc); err != nil {
		t.Fatalf("append() error = %v", err)
	}
	id, ok := q.tryUnappend()
	if !ok || id != 42 {
		t.Errorf("tryUnappend() = %d, %v, want 42, true", id, ok)
	}
	if _, ok := q.tryUnappend(); ok {
		t.Errorf("tryUnappend() on empty buffer returned true")
	}
}
