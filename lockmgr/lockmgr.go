// Package lockmgr implements the lock manager (spec.md §4.5, C5): a
// fixed-capacity array of hash-table segments mapping (indexId, key)
// to a lock state machine with shared/upgradable/exclusive modes, fair
// FIFO wait queues, deadlock detection, and ghost markers for deferred
// physical delete.
//
// Grounded on the teacher's own latch usage pattern for "one lock per
// resource, segmented for concurrency" (bufmgr.go's frame latches), but
// the state machine, fairness rules, and deadlock detector are built
// directly from spec.md §4.5's transition table and prose, since no
// retrieved example implements multi-granularity row locking — the
// nearest relative in the pack, intellect4all-storage-engines, only
// ever takes a single RWMutex per page, never a key-granular lock.
package lockmgr

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/emberkv/ember/errs"
)

// OwnerID identifies a lock requester, typically a transaction id.
type OwnerID uint64

// Mode is the granularity requested or held.
type Mode uint8

const (
	ModeShared Mode = iota
	ModeUpgradable
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeUpgradable:
		return "upgradable"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Result is tryLock's return taxonomy (spec.md §4.5).
type Result uint8

const (
	ResultAcquired Result = iota
	ResultUpgraded
	ResultOwnedShared
	ResultOwnedUpgradable
	ResultOwnedExclusive
	ResultTimedOut
	ResultInterrupted
	ResultIllegal
	ResultDeadlock
)

func (r Result) String() string {
	switch r {
	case ResultAcquired:
		return "acquired"
	case ResultUpgraded:
		return "upgraded"
	case ResultOwnedShared:
		return "owned_shared"
	case ResultOwnedUpgradable:
		return "owned_upgradable"
	case ResultOwnedExclusive:
		return "owned_exclusive"
	case ResultTimedOut:
		return "timed_out"
	case ResultInterrupted:
		return "interrupted"
	case ResultIllegal:
		return "illegal"
	case ResultDeadlock:
		return "deadlock"
	default:
		return "unknown"
	}
}

// UpgradeRule governs whether a shared(self)->upgradable request is
// allowed when another owner also holds shared (spec.md §4.5).
type UpgradeRule uint8

const (
	RuleStrict UpgradeRule = iota
	RuleLenient
	RuleUnchecked
)

type waiter struct {
	owner OwnerID
	mode  Mode
	ready chan Result
}

// lockEntry is the per-(indexId,key) state machine.
type lockEntry struct {
	mu sync.Mutex

	indexID uint64
	key     []byte

	owners map[OwnerID]Mode // every current holder and the mode it holds

	hasUpgradable   bool
	upgradableOwner OwnerID
	hasExclusive    bool
	exclusiveOwner  OwnerID

	upgradeQueue []*waiter // fresh (non-reentrant) upgradable requests
	mixedQueue   []*waiter // fresh shared+exclusive requests, combined FIFO

	ghost bool
}

type segment struct {
	mu    sync.Mutex
	table map[string]*lockEntry
}

// Manager is a fixed-capacity array of lock segments.
type Manager struct {
	segs    []*segment
	segMask uint64
	rule    UpgradeRule

	detectMu   sync.Mutex
	waitingFor map[OwnerID]*lockEntry
}

// New constructs a Manager with 1<<segmentBits segments.
func New(segmentBits uint, rule UpgradeRule) *Manager {
	if segmentBits == 0 {
		segmentBits = 6
	}
	n := uint64(1) << segmentBits
	m := &Manager{
		segs:       make([]*segment, n),
		segMask:    n - 1,
		rule:       rule,
		waitingFor: make(map[OwnerID]*lockEntry),
	}
	for i := range m.segs {
		m.segs[i] = &segment{table: make(map[string]*lockEntry)}
	}
	return m
}

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// scramble is a 64-bit mixer (splitmix64's finalizer), matching
// spec.md §4.5's "lookup by scramble(indexId ⊕ hash(key))".
func scramble(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func entryMapKey(indexID uint64, key []byte) string {
	return strconv.FormatUint(indexID, 36) + "|" + string(key)
}

func (m *Manager) getEntry(indexID uint64, key []byte) *lockEntry {
	h := scramble(indexID ^ hashKey(key))
	seg := m.segs[h&m.segMask]
	mapKey := entryMapKey(indexID, key)

	seg.mu.Lock()
	defer seg.mu.Unlock()
	e, ok := seg.table[mapKey]
	if !ok {
		e = &lockEntry{
			indexID: indexID,
			key:     append([]byte(nil), key...),
			owners:  make(map[OwnerID]Mode),
		}
		seg.table[mapKey] = e
	}
	return e
}

func (e *lockEntry) otherSharedOwnersLocked(self OwnerID) bool {
	for o, mode := range e.owners {
		if o != self && mode == ModeShared {
			return true
		}
	}
	return false
}

// attemptLocked tries to grant mode to owner immediately. It returns
// (result, false) when the request was resolved (granted or rejected)
// without waiting, or (_, true) when the caller must queue and block.
func (e *lockEntry) attemptLocked(owner OwnerID, mode Mode, rule UpgradeRule) (Result, bool) {
	if cur, ok := e.owners[owner]; ok {
		switch cur {
		case ModeExclusive:
			return ResultOwnedExclusive, false

		case ModeUpgradable:
			if mode != ModeExclusive {
				return ResultOwnedUpgradable, false
			}
			if e.otherSharedOwnersLocked(owner) {
				return 0, true
			}
			e.owners[owner] = ModeExclusive
			e.hasExclusive = true
			e.exclusiveOwner = owner
			e.hasUpgradable = false
			return ResultUpgraded, false

		case ModeShared:
			switch mode {
			case ModeShared:
				return ResultOwnedShared, false
			case ModeUpgradable:
				if e.hasUpgradable {
					return 0, true
				}
				if rule == RuleStrict && e.otherSharedOwnersLocked(owner) {
					return ResultIllegal, false
				}
				e.owners[owner] = ModeUpgradable
				e.hasUpgradable = true
				e.upgradableOwner = owner
				return ResultAcquired, false
			case ModeExclusive:
				// spec.md's transition table has no direct shared->exclusive
				// edge; callers must go through upgradable first.
				return ResultIllegal, false
			}
		}
	}

	switch mode {
	case ModeShared:
		if e.hasExclusive {
			return 0, true
		}
		e.owners[owner] = ModeShared
		return ResultAcquired, false

	case ModeUpgradable:
		if e.hasExclusive || e.hasUpgradable {
			return 0, true
		}
		e.owners[owner] = ModeUpgradable
		e.hasUpgradable = true
		e.upgradableOwner = owner
		return ResultAcquired, false

	case ModeExclusive:
		if e.hasExclusive || e.hasUpgradable || len(e.owners) > 0 {
			return 0, true
		}
		e.owners[owner] = ModeExclusive
		e.hasExclusive = true
		e.exclusiveOwner = owner
		return ResultAcquired, false
	}
	return ResultIllegal, false
}

// wakeLocked grants as many queued waiters as the current state
// allows, in FIFO order, per spec.md §4.5's fairness rule: on release
// of exclusive, one upgradable waiter plus all contiguous shared
// waiters; on release of upgradable, one upgradable waiter.
func (e *lockEntry) wakeLocked() {
	for !e.hasUpgradable && !e.hasExclusive && len(e.upgradeQueue) > 0 {
		w := e.upgradeQueue[0]
		e.upgradeQueue = e.upgradeQueue[1:]
		e.owners[w.owner] = ModeUpgradable
		e.hasUpgradable = true
		e.upgradableOwner = w.owner
		w.ready <- ResultAcquired
	}

	for len(e.mixedQueue) > 0 {
		w := e.mixedQueue[0]
		if w.mode == ModeShared {
			if e.hasExclusive {
				break
			}
			e.mixedQueue = e.mixedQueue[1:]
			e.owners[w.owner] = ModeShared
			w.ready <- ResultAcquired
			continue
		}
		if e.hasExclusive || e.hasUpgradable || len(e.owners) > 0 {
			break
		}
		e.mixedQueue = e.mixedQueue[1:]
		e.owners[w.owner] = ModeExclusive
		e.hasExclusive = true
		e.exclusiveOwner = w.owner
		w.ready <- ResultAcquired
		break
	}
}

func (e *lockEntry) removeWaiterLocked(w *waiter) {
	if i := slices.Index(e.upgradeQueue, w); i >= 0 {
		e.upgradeQueue = slices.Delete(e.upgradeQueue, i, i+1)
		return
	}
	if i := slices.Index(e.mixedQueue, w); i >= 0 {
		e.mixedQueue = slices.Delete(e.mixedQueue, i, i+1)
	}
}

func (m *Manager) setWaiting(owner OwnerID, e *lockEntry) {
	m.detectMu.Lock()
	m.waitingFor[owner] = e
	m.detectMu.Unlock()
}

func (m *Manager) clearWaiting(owner OwnerID) {
	m.detectMu.Lock()
	delete(m.waitingFor, owner)
	m.detectMu.Unlock()
}

// detectDeadlock walks the owner -> heldLocks -> blockedOwners graph
// (spec.md §4.5) starting from the owners currently blocking the
// caller, reporting the owner whose held lock closes the cycle back to
// the caller, if any.
func (m *Manager) detectDeadlock(owner OwnerID, blockers []OwnerID) (OwnerID, bool) {
	visited := make(map[OwnerID]bool)
	queue := append([]OwnerID(nil), blockers...)
	var guilty OwnerID

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if b == owner {
			return guilty, true
		}
		if visited[b] {
			continue
		}
		visited[b] = true
		guilty = b

		m.detectMu.Lock()
		e, waiting := m.waitingFor[b]
		m.detectMu.Unlock()
		if !waiting {
			continue
		}
		e.mu.Lock()
		next := maps.Keys(e.owners)
		e.mu.Unlock()
		queue = append(queue, next...)
	}
	return 0, false
}

// TryLock attempts to acquire mode on (indexID, key) for owner,
// blocking up to timeout (negative means wait forever, zero means
// don't wait at all).
func (m *Manager) TryLock(owner OwnerID, indexID uint64, key []byte, mode Mode, timeout time.Duration) Result {
	e := m.getEntry(indexID, key)

	e.mu.Lock()
	res, mustWait := e.attemptLocked(owner, mode, m.rule)
	if !mustWait {
		e.mu.Unlock()
		return res
	}

	if timeout == 0 {
		e.mu.Unlock()
		return ResultTimedOut
	}

	w := &waiter{owner: owner, mode: mode, ready: make(chan Result, 1)}
	if mode == ModeUpgradable {
		e.upgradeQueue = append(e.upgradeQueue, w)
	} else {
		e.mixedQueue = append(e.mixedQueue, w)
	}
	blockers := maps.Keys(e.owners)
	e.mu.Unlock()

	m.setWaiting(owner, e)
	defer m.clearWaiting(owner)

	if _, found := m.detectDeadlock(owner, blockers); found {
		e.mu.Lock()
		e.removeWaiterLocked(w)
		e.mu.Unlock()
		return ResultDeadlock
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	// timeout < 0 leaves timeoutCh nil, so the select below blocks on
	// w.ready alone until the lock is granted or a deadlock is broken.

	select {
	case r := <-w.ready:
		return r
	case <-timeoutCh:
		e.mu.Lock()
		e.removeWaiterLocked(w)
		e.mu.Unlock()
		return ResultTimedOut
	}
}

// Unlock releases owner's hold on (indexID, key), waking queued
// waiters the new state permits.
func (m *Manager) Unlock(owner OwnerID, indexID uint64, key []byte) {
	e := m.getEntry(indexID, key)
	e.mu.Lock()
	defer e.mu.Unlock()

	mode, ok := e.owners[owner]
	if !ok {
		return
	}
	delete(e.owners, owner)
	switch mode {
	case ModeExclusive:
		e.hasExclusive = false
	case ModeUpgradable:
		e.hasUpgradable = false
	}
	e.ghost = false
	e.wakeLocked()
}

// SetGhost marks (indexID, key) as a deferred physical delete: owner
// must currently hold it exclusively (spec.md §4.5 "Ghosts").
func (m *Manager) SetGhost(owner OwnerID, indexID uint64, key []byte) error {
	e := m.getEntry(indexID, key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owners[owner] != ModeExclusive {
		return errs.New(errs.KindIllegalUpgrade, "lockmgr.Manager.SetGhost")
	}
	e.ghost = true
	return nil
}

// ConsumeGhost reports and clears whether (indexID, key) has a pending
// ghost delete, called by the commit path once the ghosted key has been
// deleted from the tree, before the owning lock is released (Unlock
// also clears the flag).
func (m *Manager) ConsumeGhost(indexID uint64, key []byte) bool {
	e := m.getEntry(indexID, key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ghost {
		e.ghost = false
		return true
	}
	return false
}
