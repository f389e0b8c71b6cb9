package ember

import (
	"io"

	"github.com/emberkv/ember/wal"
)

// recoverAtOpen replays the redo stream from hdr.CheckpointSegment
// onward, reconstructing every transaction's fate: committed
// transactions' STORE/DELETE effects are reapplied to their trees
// (idempotently — Insert upserts, Delete on an absent key is a no-op),
// rolled-back transactions are discarded, and transactions left
// prepared with no resolution are parked in db.pendingPrepared for
// RegisterPrepareHandler to resolve later. Transactions with neither a
// commit, rollback, nor prepare record by end of log are treated as
// rolled back: the redo log is append-only and per-operation, so an
// incomplete transaction's buffered effects were never durably
// promised to a caller.
//
// Grounded on spec.md §4.6's checkpoint protocol ("free redo log
// segments below the checkpoint redo position") read together with
// the teacher's total absence of a recovery path (the teacher is an
// in-process, non-durable library): this is new machinery the
// distillation's prose implies (a checkpoint position exists to
// recover from) but never specifies record-by-record.
func (db *Database) recoverAtOpen(hdr Header) error {
	db.listener.OnEvent(EventRecoveryStart, nil)

	reader, err := wal.OpenReaderFrom(db.walDir, db.walBase, int(hdr.CheckpointSegment))
	if err != nil {
		return err
	}
	defer reader.Close()

	buffers := make(map[uint64][]redoEffect)
	committed := make(map[uint64]bool)
	rolledBack := make(map[uint64]bool)
	prepared := make(map[uint64]uint64)
	var maxTxnID uint64

	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		switch rec.Kind {
		case wal.KindStore:
			buffers[rec.TxnID] = append(buffers[rec.TxnID], redoEffect{
				indexID: rec.IndexID, key: rec.Key, value: rec.Value,
			})
		case wal.KindDelete:
			buffers[rec.TxnID] = append(buffers[rec.TxnID], redoEffect{
				indexID: rec.IndexID, key: rec.Key, isDelete: true,
			})
		case wal.KindTxnCommit:
			committed[rec.TxnID] = true
		case wal.KindTxnRollback:
			rolledBack[rec.TxnID] = true
			delete(buffers, rec.TxnID)
		case wal.KindTxnPrepare:
			prepared[rec.TxnID] = rec.HandlerID
		case wal.KindTxnBegin, wal.KindCheckpoint:
			// no effect on replay
		}
	}

	for txnID, effects := range buffers {
		switch {
		case committed[txnID]:
			db.applyEffectsLocked(effects)
		case rolledBack[txnID]:
			// discarded
		default:
			if handlerID, isPrepared := prepared[txnID]; isPrepared {
				db.pendingPrepared[txnID] = &pendingTxn{handlerID: handlerID, effects: effects}
			}
			// else: incomplete with no prepare record, treated as rolled back
		}
	}

	if maxTxnID > db.nextOwner {
		db.nextOwner = maxTxnID
	}
	if hdr.TransactionIDSeq > db.nextOwner {
		db.nextOwner = hdr.TransactionIDSeq
	}

	db.listener.OnEvent(EventRecoveryEnd, nil)

	if len(committed) > 0 {
		return db.checkpointLocked()
	}
	return nil
}
