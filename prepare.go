package ember

// PrepareHandler decides the fate of a transaction recovery found
// prepared (spec.md §4.8 "prepare(handlerId)") but neither committed
// nor rolled back by the time the redo log ended. Resolve is called
// once, with the transaction's redo-assigned id; it returns true to
// commit the transaction's buffered effects, false to roll them back.
//
// Supplemented feature (spec.md §4.8 names prepare(handlerId) but not
// how handlers are registered): grounded on the recover-time dispatch
// pattern in therealutkarshpriyadarshi-mydb's
// pkg/recovery/recovery_manager.go, which looks up a handler by id
// stored alongside the log record rather than hardcoding resolution
// logic into the recovery pass itself.
type PrepareHandler interface {
	Resolve(txnID uint64) bool
}

// pendingTxn holds a prepared transaction's buffered STORE/DELETE
// effects, found at recovery with no registered handler yet able to
// resolve it.
type pendingTxn struct {
	handlerID uint64
	effects   []redoEffect
}

type redoEffect struct {
	indexID uint64
	key     []byte
	value   []byte
	isDelete bool
}

// RegisterPrepareHandler associates id with h. If recovery left a
// prepared transaction waiting on this exact handler id, it is
// resolved immediately.
func (db *Database) RegisterPrepareHandler(id uint64, h PrepareHandler) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.handlers[id] = h

	for txnID, p := range db.pendingPrepared {
		if p.handlerID != id {
			continue
		}
		if h.Resolve(txnID) {
			db.applyEffectsLocked(p.effects)
		}
		delete(db.pendingPrepared, txnID)
	}
}

func (db *Database) applyEffectsLocked(effects []redoEffect) {
	for _, e := range effects {
		idx, ok := db.reg.byID[e.indexID]
		if !ok {
			continue
		}
		if e.isDelete {
			_, _, _ = idx.Tree.Delete(e.key)
		} else {
			_, _, _ = idx.Tree.Insert(e.key, e.value)
		}
	}
}
