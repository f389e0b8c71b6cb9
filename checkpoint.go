package ember

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/wal"
	"github.com/robfig/cron/v3"
)

// Checkpoint durably snapshots every index's tree root and the page
// manager's free/recycle/reserve queue state into the alternating
// header slot, then frees redo segments no open transaction and no
// future recovery pass could still need (spec.md §4.6).
//
// Grounded on the teacher's page-zero free chain persistence in
// bufmgr.go (NewBufMgr reads it back at construction), generalized
// into the documented six-step protocol. This implementation folds
// steps 1 and 3 of spec.md §4.6 together: rather than tracking a
// separate "dirty since last checkpoint" node set, every tree mutation
// already writes its page synchronously through the cache, so the
// checkpoint's own work is capturing the current root ids and queue
// state, not flushing anything additional.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.checkpointLocked()
}

func (db *Database) checkpointLocked() error {
	if db.closed {
		return errs.New(errs.KindClosed, "ember.Database.Checkpoint")
	}
	db.listener.OnEvent(EventCheckpointStart, nil)

	// Step 1/2: snapshot roots. The registry's own tree root and every
	// named index's root are read now, under db.mu, matching spec.md's
	// "brief exclusive commit latch" around the snapshot.
	for id, idx := range db.reg.byID {
		if err := db.reg.updateRoot(id, idx.Tree.RootID()); err != nil {
			return err
		}
	}
	registryRoot := db.reg.tr.RootID()

	var redoPos wal.Position
	var redoSeg uint64
	if db.redo != nil {
		seq := db.checkpointSeq + 1
		if _, err := db.redo.Append(wal.Record{Kind: wal.KindCheckpoint, Sequence: seq}, wal.Sync); err != nil {
			return err
		}
		redoPos = db.redo.Position()
		redoSeg = db.redo.Sequence()
	}

	// Step 4: page manager emits its header state.
	if err := db.mgr.CommitStart(); err != nil {
		return err
	}
	if err := db.mgr.Flush(); err != nil {
		return err
	}
	st := db.mgr.State()

	safeSeg := redoSeg
	if oldest, ok := db.oldestOpenTxnSegmentLocked(); ok && oldest < safeSeg {
		safeSeg = oldest
	}

	hdr := Header{
		Version:            headerVersion,
		PageSize:           db.opt.PageSize,
		CheckpointSequence: db.checkpointSeq + 1,
		RedoLogPosition:    redoPos,
		TransactionIDSeq:   db.nextOwner,
		RegistryRootPageID: registryRoot,
		PageManagerState:   st,
		SessionID:          db.sessionID,
		CheckpointSegment:  safeSeg,
	}

	// Step 5: flip the alternating header slot and sync. headerSlot is
	// -1 before the very first checkpoint (fresh database, neither slot
	// written yet), which must land on slot 0, not the arithmetic
	// complement of -1.
	nextSlot := 0
	if db.headerSlot == 0 {
		nextSlot = 1
	}
	buf := make([]byte, db.opt.PageSize)
	encodeHeader(buf, hdr)
	if err := db.dev.WritePage(page.ID(nextSlot), buf); err != nil {
		return err
	}
	if err := db.dev.Sync(); err != nil {
		return err
	}

	if err := db.mgr.CommitEnd(); err != nil {
		return err
	}

	// Step 6: free redo segments strictly below the new safe segment.
	if db.redo != nil {
		db.pruneRedoSegments(safeSeg)
	}

	db.headerSlot = nextSlot
	db.checkpointSeq = hdr.CheckpointSequence
	db.lastRedoFlush = int64(redoPos)
	db.lastCheckpointAt = time.Now()

	db.listener.OnEvent(EventCheckpointEnd, hdr)
	return nil
}

// pruneRedoSegments removes every "<base>.redo.<n>" file for n strictly
// below keepFrom. Best-effort: a failed remove is not fatal, since the
// file will simply be pruned again at the next checkpoint.
func (db *Database) pruneRedoSegments(keepFrom uint64) {
	for seq := uint64(0); seq < keepFrom; seq++ {
		path := filepath.Join(db.walDir, fmt.Sprintf("%s.redo.%d", db.walBase, seq))
		_ = os.Remove(path)
	}
}

// startScheduler drives automatic checkpoints off a cron "@every"
// schedule, checking the size and delay thresholds inside the job body
// rather than varying the schedule itself — grounded on
// SimonWaldherr-tinySQL's internal/storage/scheduler.go, which wires
// robfig/cron the same way for its own periodic jobs.
func (db *Database) startScheduler() {
	db.scheduler = cron.New()
	spec := fmt.Sprintf("@every %s", db.opt.CheckpointRate)
	_, _ = db.scheduler.AddFunc(spec, func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		if db.closed {
			return
		}
		redoBytes := int64(0)
		if db.redo != nil {
			redoBytes = int64(db.redo.Position()) - db.lastRedoFlush
		}
		sizeReached := db.opt.CheckpointSizeThreshold <= 0 || redoBytes >= db.opt.CheckpointSizeThreshold
		delayReached := db.opt.CheckpointDelayThreshold > 0 &&
			!db.lastCheckpointAt.IsZero() &&
			time.Since(db.lastCheckpointAt) >= db.opt.CheckpointDelayThreshold
		if !sizeReached && !delayReached {
			return
		}
		_ = db.checkpointLocked()
	})
	db.scheduler.Start()
}
