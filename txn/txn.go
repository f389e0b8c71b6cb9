// Package txn implements the transaction and cursor layer (spec.md
// §4.8, C8): per-transaction undo, key locking via lockmgr, redo
// append via wal, and two-phase prepare.
//
// Grounded on the teacher's own BLTree in that a Transaction plays the
// same "one mutation path, explicit error return" role the teacher's
// BLTree.InsertKey/DeleteKey do, generalized to wrap every tree
// mutation with a lock acquisition and an undo record the teacher
// itself has no equivalent for (the teacher is single-writer, lock-free).
package txn

import (
	"strconv"
	"sync"
	"time"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/lockmgr"
	"github.com/emberkv/ember/tree"
	"github.com/emberkv/ember/wal"
)

// Index is one named B+ tree, identified by the id the lock manager
// keys locks on (spec.md §3: "a registry index maps name -> id").
type Index struct {
	ID   uint64
	Name string
	Tree *tree.Tree
}

// Resolver looks up an Index by id, used to replay undo records that
// only carry an indexId. The top-level database supplies this from
// its own name/id registry so this package never needs to know about
// it directly.
type Resolver func(indexID uint64) (*Index, bool)

type heldLock struct {
	indexID uint64
	key     []byte
}

type ghostKey struct {
	indexID uint64
	key     string
}

type ghostEntry struct {
	index *Index
	key   []byte
}

// Transaction is the set of held locks, undo log, redo position, and
// durability mode spec.md §3 describes.
type Transaction struct {
	mu sync.Mutex

	id          lockmgr.OwnerID
	locks       *lockmgr.Manager
	resolve     Resolver
	redo        *wal.Writer
	durability  wal.DurabilityMode
	lockTimeout time.Duration
	undo        *wal.UndoLog

	// heldOrder is every lock this transaction newly acquired (not
	// ones it already owned via reentrancy), in acquisition order, so
	// Exit can release exactly what its scope added and Reset can
	// release whatever Rollback's per-record unlocking didn't already
	// cover.
	heldOrder   []heldLock
	unlocked    map[ghostKey]bool
	scopeMarks  []int
	ghosts      map[ghostKey]*ghostEntry

	prepared  bool
	handlerID uint64
	closed    bool
}

// Begin opens a transaction. redo may be nil, in which case every
// Append is skipped (equivalent to durability forced to wal.NoRedo),
// for callers that run entirely in memory.
func Begin(id lockmgr.OwnerID, locks *lockmgr.Manager, resolve Resolver, undo *wal.UndoLog, redo *wal.Writer, durability wal.DurabilityMode, lockTimeout time.Duration) *Transaction {
	t := &Transaction{
		id:          id,
		locks:       locks,
		resolve:     resolve,
		redo:        redo,
		durability:  durability,
		lockTimeout: lockTimeout,
		undo:        undo,
		unlocked:    make(map[ghostKey]bool),
		ghosts:      make(map[ghostKey]*ghostEntry),
	}
	t.appendRedo(wal.Record{Kind: wal.KindTxnBegin, TxnID: uint64(id)})
	return t
}

func (t *Transaction) appendRedo(rec wal.Record) error {
	if t.redo == nil {
		return nil
	}
	_, err := t.redo.Append(rec, t.durability)
	return err
}

func gk(indexID uint64, key []byte) ghostKey {
	return ghostKey{indexID: indexID, key: string(key)}
}

// lockResult turns a lockmgr.Result into the error taxonomy spec.md §7
// describes; a nil return means the lock is now held (whether newly
// acquired, upgraded, or already owned).
func lockResult(res lockmgr.Result, op string) error {
	switch res {
	case lockmgr.ResultAcquired, lockmgr.ResultUpgraded,
		lockmgr.ResultOwnedShared, lockmgr.ResultOwnedUpgradable, lockmgr.ResultOwnedExclusive:
		return nil
	case lockmgr.ResultTimedOut:
		return errs.New(errs.KindLockTimeout, op)
	case lockmgr.ResultInterrupted:
		return errs.New(errs.KindInterrupted, op)
	case lockmgr.ResultIllegal:
		return errs.New(errs.KindIllegalUpgrade, op)
	case lockmgr.ResultDeadlock:
		return errs.New(errs.KindDeadlock, op)
	default:
		return errs.New(errs.KindCorrupt, op)
	}
}

// acquire requests mode on (index, key), recording it in heldOrder
// only if this call actually changed the lock's state (so Exit/Reset
// never release a lock some other scope already owned).
func (t *Transaction) acquire(index *Index, key []byte, mode lockmgr.Mode) error {
	if t.closed {
		return errs.New(errs.KindClosed, "txn.Transaction")
	}
	res := t.locks.TryLock(t.id, index.ID, key, mode, t.lockTimeout)
	if err := lockResult(res, "txn.Transaction.acquire"); err != nil {
		return err
	}
	if res == lockmgr.ResultAcquired || res == lockmgr.ResultUpgraded {
		t.heldOrder = append(t.heldOrder, heldLock{indexID: index.ID, key: append([]byte(nil), key...)})
	}
	return nil
}

func (t *Transaction) isGhosted(indexID uint64, key []byte) bool {
	_, ok := t.ghosts[gk(indexID, key)]
	return ok
}

// Enter pushes a new lock scope; a matching Exit releases only the
// locks this transaction acquired since the push (spec.md §4.8).
func (t *Transaction) Enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scopeMarks = append(t.scopeMarks, len(t.heldOrder))
}

// Exit pops the most recent scope, releasing locks acquired since its
// Enter.
func (t *Transaction) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.scopeMarks) == 0 {
		return errs.New(errs.KindCorrupt, "txn.Transaction.Exit: no open scope")
	}
	mark := t.scopeMarks[len(t.scopeMarks)-1]
	t.scopeMarks = t.scopeMarks[:len(t.scopeMarks)-1]

	for i := len(t.heldOrder) - 1; i >= mark; i-- {
		hl := t.heldOrder[i]
		k := ghostKey{indexID: hl.indexID, key: string(hl.key)}
		if !t.unlocked[k] {
			t.locks.Unlock(t.id, hl.indexID, hl.key)
			t.unlocked[k] = true
		}
	}
	t.heldOrder = t.heldOrder[:mark]
	return nil
}

// Get reads key under a lock of the given mode (spec.md §4.8's default
// is SHARED for pure reads), honoring this transaction's own
// not-yet-committed ghost deletes.
func (t *Transaction) Get(index *Index, key []byte, mode lockmgr.Mode) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.acquire(index, key, mode); err != nil {
		return nil, false, err
	}
	if t.isGhosted(index.ID, key) {
		return nil, false, nil
	}
	return index.Tree.Get(key)
}

// Store inserts or updates key under an exclusive lock, pushing an
// undo record and a STORE redo record.
func (t *Transaction) Store(index *Index, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.acquire(index, key, lockmgr.ModeExclusive); err != nil {
		return err
	}

	// Always consult the tree's physical state for the undo record,
	// never the ghost mask: a pending ghost delete has not yet touched
	// the tree, so the value Get reports here (if any) is still the
	// one a rollback after this Store must restore.
	oldVal, hadOld, err := index.Tree.Get(key)
	if err != nil {
		return err
	}
	delete(t.ghosts, gk(index.ID, key))

	rec := wal.UndoRecord{IndexID: index.ID, Key: append([]byte(nil), key...)}
	if hadOld {
		rec.Kind = wal.UndoRestoreValue
		rec.OldValue = oldVal
	} else {
		rec.Kind = wal.UndoDeleteKey
	}
	if err := t.undo.Push(rec); err != nil {
		return err
	}

	if _, _, err := index.Tree.Insert(key, value); err != nil {
		return err
	}
	return t.appendRedo(wal.Record{Kind: wal.KindStore, TxnID: uint64(t.id), IndexID: index.ID, Key: key, Value: value})
}

// Delete removes key. Per spec.md §4.5 "Ghosts": the tree is not
// mutated yet — a ghost marker is set on the lock and the actual
// delete happens at Commit, so a concurrent owner that already holds
// (or is waiting on) this lock never observes a half-committed delete.
func (t *Transaction) Delete(index *Index, key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.acquire(index, key, lockmgr.ModeExclusive); err != nil {
		return false, err
	}
	if t.isGhosted(index.ID, key) {
		return false, nil
	}

	oldVal, hadOld, err := index.Tree.Get(key)
	if err != nil {
		return false, err
	}
	if !hadOld {
		return false, nil
	}

	if err := t.undo.Push(wal.UndoRecord{Kind: wal.UndoReinsert, IndexID: index.ID, Key: append([]byte(nil), key...), OldValue: oldVal}); err != nil {
		return false, err
	}
	if err := t.locks.SetGhost(t.id, index.ID, key); err != nil {
		return false, err
	}
	t.ghosts[gk(index.ID, key)] = &ghostEntry{index: index, key: append([]byte(nil), key...)}
	if err := t.appendRedo(wal.Record{Kind: wal.KindDelete, TxnID: uint64(t.id), IndexID: index.ID, Key: key}); err != nil {
		return false, err
	}
	return true, nil
}

// Prepare emits a PREPARE redo record and marks the transaction
// prepared; it remains open until a later Commit or Reset (spec.md
// §4.8: "at recovery the configured prepare handler is invoked for
// each unfinished prepared transaction").
func (t *Transaction) Prepare(handlerID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendRedo(wal.Record{Kind: wal.KindTxnPrepare, TxnID: uint64(t.id), HandlerID: handlerID}); err != nil {
		return err
	}
	t.prepared = true
	t.handlerID = handlerID
	return nil
}

// Prepared reports whether Prepare was called and has not yet been
// resolved by Commit/Reset, and the handler id it was prepared with.
func (t *Transaction) Prepared() (bool, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepared, t.handlerID
}

// Commit materialises every pending ghost delete, writes a COMMIT redo
// record, releases every held lock, and discards the undo log.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.New(errs.KindClosed, "txn.Transaction.Commit")
	}

	for k, g := range t.ghosts {
		if _, _, err := g.index.Tree.Delete(g.key); err != nil {
			return err
		}
		t.locks.ConsumeGhost(g.index.ID, g.key)
		delete(t.ghosts, k)
	}

	if err := t.appendRedo(wal.Record{Kind: wal.KindTxnCommit, TxnID: uint64(t.id)}); err != nil {
		return err
	}

	for _, hl := range t.heldOrder {
		k := ghostKey{indexID: hl.indexID, key: string(hl.key)}
		if !t.unlocked[k] {
			t.locks.Unlock(t.id, hl.indexID, hl.key)
			t.unlocked[k] = true
		}
	}
	t.heldOrder = nil

	if err := t.undo.Discard(); err != nil {
		return err
	}
	t.closed = true
	t.prepared = false
	return nil
}

// Reset rolls back every mutation via the undo log, releasing each
// record's lock as it is applied, then releases anything left over
// (read-only locks the undo log never touched) and writes a ROLLBACK
// redo record.
func (t *Transaction) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.New(errs.KindClosed, "txn.Transaction.Reset")
	}

	err := t.undo.Rollback(func(rec wal.UndoRecord) error {
		index, ok := t.resolve(rec.IndexID)
		if !ok {
			return errs.New(errs.KindCorrupt, "txn.Transaction.Reset: unknown index "+strconv.FormatUint(rec.IndexID, 10))
		}
		switch rec.Kind {
		case wal.UndoDeleteKey:
			if _, _, err := index.Tree.Delete(rec.Key); err != nil {
				return err
			}
		case wal.UndoRestoreValue, wal.UndoReinsert:
			if _, _, err := index.Tree.Insert(rec.Key, rec.OldValue); err != nil {
				return err
			}
		}
		k := ghostKey{indexID: rec.IndexID, key: string(rec.Key)}
		if !t.unlocked[k] {
			t.locks.Unlock(t.id, rec.IndexID, rec.Key)
			t.unlocked[k] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	for k, g := range t.ghosts {
		if !t.unlocked[k] {
			t.locks.Unlock(t.id, g.index.ID, g.key)
			t.unlocked[k] = true
		}
	}
	t.ghosts = make(map[ghostKey]*ghostEntry)

	for _, hl := range t.heldOrder {
		k := ghostKey{indexID: hl.indexID, key: string(hl.key)}
		if !t.unlocked[k] {
			t.locks.Unlock(t.id, hl.indexID, hl.key)
			t.unlocked[k] = true
		}
	}
	t.heldOrder = nil

	if err := t.appendRedo(wal.Record{Kind: wal.KindTxnRollback, TxnID: uint64(t.id)}); err != nil {
		return err
	}
	t.closed = true
	t.prepared = false
	return nil
}
