package ember

import (
	"path/filepath"
	"testing"

	"github.com/emberkv/ember/lockmgr"
)

type fixedHandler struct{ commit bool }

func (h fixedHandler) Resolve(txnID uint64) bool { return h.commit }

func TestPrepare_CommitsOnRecoveryWhenHandlerResolvesTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.db")

	opt := DefaultOptions()
	opt.BaseFile = path
	opt.CheckpointRate = 0

	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	idx, err := db.CreateIndex("primary")
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	tx := db.Begin()
	if err := tx.Store(idx, []byte("prepared-key"), []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := tx.Prepare(7); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	// Crash simulation: close the backing device without ever resolving
	// the prepared transaction via Commit or Reset.
	if err := db.dev.Close(); err != nil {
		t.Fatalf("dev.Close() error = %v", err)
	}
	if db.redo != nil {
		_ = db.redo.Close()
	}

	reopened, err := Open(opt)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer reopened.Close()

	if len(reopened.pendingPrepared) == 0 {
		t.Fatalf("pendingPrepared is empty after recovering an unresolved prepared transaction")
	}

	reopened.RegisterPrepareHandler(7, fixedHandler{commit: true})

	if len(reopened.pendingPrepared) != 0 {
		t.Fatalf("pendingPrepared still holds entries after registering a resolving handler")
	}

	idx2, ok := reopened.Index("primary")
	if !ok {
		t.Fatalf("Index() ok = false after reopen")
	}
	rtx := reopened.Begin()
	defer rtx.Commit()
	v, ok, err := rtx.Get(idx2, []byte("prepared-key"), lockmgr.ModeShared)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(v) != "v" {
		t.Fatalf("Get() = %q, %v, want \"v\", true", v, ok)
	}
}

func TestPrepare_RollsBackOnRecoveryWhenHandlerResolvesFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.db")

	opt := DefaultOptions()
	opt.BaseFile = path
	opt.CheckpointRate = 0

	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	idx, err := db.CreateIndex("primary")
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	tx := db.Begin()
	if err := tx.Store(idx, []byte("prepared-key"), []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := tx.Prepare(9); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := db.dev.Close(); err != nil {
		t.Fatalf("dev.Close() error = %v", err)
	}
	if db.redo != nil {
		_ = db.redo.Close()
	}

	reopened, err := Open(opt)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer reopened.Close()

	reopened.RegisterPrepareHandler(9, fixedHandler{commit: false})

	idx2, ok := reopened.Index("primary")
	if !ok {
		t.Fatalf("Index() ok = false after reopen")
	}
	rtx := reopened.Begin()
	defer rtx.Commit()
	_, ok, err = rtx.Get(idx2, []byte("prepared-key"), lockmgr.ModeShared)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatalf("Get() ok = true for a transaction its handler rolled back")
	}
}
