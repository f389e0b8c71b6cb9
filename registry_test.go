package ember

import (
	"testing"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/pagestore"
	"github.com/emberkv/ember/tree"
)

func newTestRegistry(t *testing.T) (*registry, pagestore.Device, *pagemgr.Manager, tree.Config) {
	t.Helper()
	dev := pagestore.NewMemDevice(512)
	if err := dev.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	mgr := pagemgr.Open(dev, 512, page.FirstUserPage, 4)
	cfg := tree.DefaultConfig()
	cfg.CacheCapacity = 16
	r, err := openRegistry(dev, mgr, 512, 0, cfg)
	if err != nil {
		t.Fatalf("openRegistry() error = %v", err)
	}
	return r, dev, mgr, cfg
}

func TestRegistry_RegisterAndLoad(t *testing.T) {
	r, dev, mgr, cfg := newTestRegistry(t)

	id, err := r.register("widgets", page.ID(11))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if id != 1 {
		t.Fatalf("register() id = %d, want 1", id)
	}

	reopened, err := openRegistry(dev, mgr, 512, r.tr.RootID(), cfg)
	if err != nil {
		t.Fatalf("openRegistry() error = %v", err)
	}
	names, roots, err := reopened.load()
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if names["widgets"] != id {
		t.Fatalf("load() names[widgets] = %d, want %d", names["widgets"], id)
	}
	if roots[id] != page.ID(11) {
		t.Fatalf("load() roots[%d] = %d, want 11", id, roots[id])
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	if _, err := r.register("widgets", page.ID(1)); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, err := r.register("widgets", page.ID(2)); err == nil {
		t.Fatalf("register() error = nil for duplicate name, want error")
	}
}

func TestRegistry_UpdateRoot(t *testing.T) {
	r, dev, mgr, cfg := newTestRegistry(t)
	id, err := r.register("widgets", page.ID(5))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if err := r.updateRoot(id, page.ID(99)); err != nil {
		t.Fatalf("updateRoot() error = %v", err)
	}

	reopened, err := openRegistry(dev, mgr, 512, r.tr.RootID(), cfg)
	if err != nil {
		t.Fatalf("openRegistry() error = %v", err)
	}
	_, roots, err := reopened.load()
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if roots[id] != page.ID(99) {
		t.Fatalf("load() roots[%d] = %d, want 99", id, roots[id])
	}
}
