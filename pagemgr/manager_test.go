package pagemgr

import (
	"testing"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dev := pagestore.NewMemDevice(512)
	if err := dev.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	return Open(dev, 512, page.FirstUserPage, 4)
}

func TestManager_AllocExtendsWhenQueuesEmpty(t *testing.T) {
	m := newTestManager(t)
	a, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	b, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if a == b {
		t.Fatalf("AllocPage() returned the same id twice: %d", a)
	}
	if a != page.FirstUserPage || b != page.FirstUserPage+1 {
		t.Errorf("AllocPage() = %d, %d, want sequential ids from %d", a, b, page.FirstUserPage)
	}
}

func TestManager_DeletedPageIsReused(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if err := m.DeletePage(id); err != nil {
		t.Fatalf("DeletePage() error = %v", err)
	}
	reused, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if reused != id {
		t.Errorf("AllocPage() after DeletePage = %d, want reused id %d", reused, id)
	}
}

func TestManager_RecyclePageHeldOutOfRegularList(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if err := m.RecyclePage(id); err != nil {
		t.Fatalf("RecyclePage() error = %v", err)
	}
	next, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if next == id {
		t.Errorf("AllocPage(ModeNormal) returned a recycled id %d before CommitEnd", id)
	}

	found, err := m.CompactionVerify(id)
	if err != nil {
		t.Fatalf("CompactionVerify() error = %v", err)
	}
	if !found {
		t.Errorf("CompactionVerify(%d) = false, want true while still in recycle queue", id)
	}

	if err := m.CommitEnd(); err != nil {
		t.Fatalf("CommitEnd() error = %v", err)
	}
	reused, err := m.AllocPage(ModeRecycle)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if reused != id {
		t.Errorf("AllocPage() after CommitEnd = %d, want reclaimed id %d", reused, id)
	}
}

func TestManager_CommitStartFillsReserve(t *testing.T) {
	m := newTestManager(t)
	if err := m.CommitStart(); err != nil {
		t.Fatalf("CommitStart() error = %v", err)
	}
	ids, err := m.reserve.all()
	if err != nil {
		t.Fatalf("reserve.all() error = %v", err)
	}
	if len(ids) != m.reserveTarget {
		t.Errorf("reserve queue size = %d, want %d", len(ids), m.reserveTarget)
	}

	id, err := m.AllocPage(ModeReserve)
	if err != nil {
		t.Fatalf("AllocPage(ModeReserve) error = %v", err)
	}
	found := false
	for _, v := range ids {
		if v == id {
			found = true
		}
	}
	if !found {
		t.Errorf("AllocPage(ModeReserve) = %d, want one of the filled reserve ids %v", id, ids)
	}
}

func TestManager_CompactionScanFreeListCoversAllQueues(t *testing.T) {
	m := newTestManager(t)
	reg, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if err := m.DeletePage(reg); err != nil {
		t.Fatalf("DeletePage() error = %v", err)
	}
	rec, err := m.AllocPage(ModeNormal)
	if err != nil {
		t.Fatalf("AllocPage() error = %v", err)
	}
	if err := m.RecyclePage(rec); err != nil {
		t.Fatalf("RecyclePage() error = %v", err)
	}

	all, err := m.CompactionScanFreeList()
	if err != nil {
		t.Fatalf("CompactionScanFreeList() error = %v", err)
	}
	seen := map[page.ID]bool{}
	for _, id := range all {
		seen[id] = true
	}
	if !seen[reg] || !seen[rec] {
		t.Errorf("CompactionScanFreeList() = %v, want it to include %d and %d", all, reg, rec)
	}
}
