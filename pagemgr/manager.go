// Package pagemgr implements the page manager (spec.md §4.2, C2): the
// allocator sitting directly above the paged store, handing out fresh
// page ids and reclaiming freed ones through three queues — regular
// free, recycle free, and reserve — plus compaction and the
// checkpoint-facing commit protocol.
//
// Grounded on the teacher's page-zero free chain (bufmgr.go: NewPage
// walks a singly linked list of freed pages rooted at page zero,
// PageFree pushes onto it), generalized into the three-queue design and
// buffered-append behavior spec.md §4.2 calls for.
package pagemgr

import (
	"sync"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

// Mode selects which of the three queues AllocPage draws from first,
// per spec.md §4.2's allocation pseudocode.
type Mode int

const (
	// ModeNormal draws from the regular free list first, then the
	// recycle list, then extends the file.
	ModeNormal Mode = iota
	// ModeRecycle favors the recycle free list, used when a caller is
	// itself in the middle of recycling pages (the teacher's own
	// PageFree reentrancy note) and wants to avoid growing the file.
	ModeRecycle
	// ModeReserve draws from the reserve queue first, then the regular
	// and recycle lists, then extends the file; used for commit-
	// critical allocations (e.g. undo log pages) that must not fail
	// with ENOSPC mid-transaction (spec.md §4.2 "Reserve list").
	ModeReserve
)

// Manager hands out and reclaims page ids above a pagestore.Device. It
// owns three queues (spec.md §4.2): the regular free list (pages freed
// by ordinary deletes), the recycle free list (pages freed during
// compaction, deliberately held back a generation so in-flight readers
// relying on the old B-link layout remain valid), and the reserve queue
// (a standing pool kept topped up for allocations that must not fail).
type Manager struct {
	dev      pagestore.Device
	pageSize uint32

	// appendLocks[0..2] guard appends to the regular, recycle and
	// reserve queues; removeLock serialises node-backed removal. The
	// two are not taken in one fixed order: fillReserve holds
	// appendLocks[2] before AllocPage takes removeLock, while AllocPage,
	// holding removeLock, takes appendLocks[0] to return an exhausted
	// queue-node page to the regular list.
	appendLocks [3]sync.Mutex
	removeLock  sync.Mutex

	regular *queue
	recycle *queue
	reserve *queue

	mu       sync.Mutex // guards nextID / highWater bookkeeping below
	nextID   page.ID
	reserveTarget int // reserve queue is topped back up to this size after each drain
}

// Open constructs a Manager over dev. highWater is the first page id
// not yet allocated to any queue or tree node (persisted in the header
// page by the caller); reserveTarget is the steady-state size of the
// reserve queue (spec.md §4.2 recommends a small constant, e.g. 8).
func Open(dev pagestore.Device, pageSize uint32, highWater page.ID, reserveTarget int) *Manager {
	m := &Manager{
		dev:           dev,
		pageSize:      pageSize,
		nextID:        highWater,
		reserveTarget: reserveTarget,
	}
	m.regular = newQueue(dev, pageSize)
	m.recycle = newQueue(dev, pageSize)
	m.reserve = newQueue(dev, pageSize)
	return m
}

func (m *Manager) extend() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if err := m.dev.SetPageCount(uint64(m.nextID)); err != nil {
		return 0, errs.Wrap(errs.KindIO, "pagemgr.Manager.extend", err)
	}
	return id, nil
}

// AllocPage implements spec.md §4.2's algorithm: try the unappend fast
// path on the queue the mode favors, then that queue's node-backed
// remove, then fall back through the other queues, and finally extend
// the file.
func (m *Manager) AllocPage(mode Mode) (page.ID, error) {
	order := m.queueOrder(mode)

	for _, q := range order {
		if id, ok := q.tryUnappend(); ok {
			return id, nil
		}
	}

	m.removeLock.Lock()
	defer m.removeLock.Unlock()
	for _, q := range order {
		id, ok, err := q.tryRemove(m.freeNodePage)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}

	return m.extend()
}

func (m *Manager) queueOrder(mode Mode) []*queue {
	switch mode {
	case ModeRecycle:
		return []*queue{m.recycle, m.regular, m.reserve}
	case ModeReserve:
		return []*queue{m.reserve, m.regular, m.recycle}
	default:
		return []*queue{m.regular, m.recycle}
	}
}

// freeNodePage returns an exhausted queue-node page to the regular free
// list, rather than leaking it, mirroring the teacher's PageFree.
func (m *Manager) freeNodePage(id page.ID) error {
	return m.appendTo(m.regular, 0, id)
}

// DeletePage returns id to the regular free list, available for
// immediate reuse (spec.md §4.2: pages freed by ordinary delete are not
// held back, since no B-link reader can still be mid-traversal onto a
// page this transaction's own delete made unreachable once committed).
func (m *Manager) DeletePage(id page.ID) error {
	return m.appendTo(m.regular, 0, id)
}

// RecyclePage returns id to the recycle free list: used by compaction
// when relocating a node, so the vacated page isn't handed back out
// until the next checkpoint boundary confirms no concurrent reader can
// still reach it by its old id (spec.md §4.2 "Recycle list").
func (m *Manager) RecyclePage(id page.ID) error {
	return m.appendTo(m.recycle, 1, id)
}

func (m *Manager) appendTo(q *queue, lockIdx int, id page.ID) error {
	m.appendLocks[lockIdx].Lock()
	defer m.appendLocks[lockIdx].Unlock()
	return q.append(id, m.extend)
}

// fillReserve tops the reserve queue back up to reserveTarget by
// drawing through AllocPage(ModeNormal) (the regular free list, then
// the recycle list, then extending the file), run at
// commit boundaries per spec.md §4.2 so reserve-mode allocations never
// observe an empty queue mid-transaction.
func (m *Manager) fillReserve() error {
	m.appendLocks[2].Lock()
	defer m.appendLocks[2].Unlock()

	for {
		ids, err := m.reserve.all()
		if err != nil {
			return err
		}
		if len(ids) >= m.reserveTarget {
			return nil
		}
		id, err := m.AllocPage(ModeNormal)
		if err != nil {
			return err
		}
		if err := m.reserve.append(id, m.extend); err != nil {
			return err
		}
	}
}

// CommitStart is called by the checkpoint protocol (spec.md §4.6)
// before a checkpoint begins writing dirty pages: it tops up the
// reserve queue so the checkpoint's own bookkeeping allocations (new
// header generation, undo log continuation pages) cannot fail.
func (m *Manager) CommitStart() error {
	return m.fillReserve()
}

// CommitEnd is called once a checkpoint has durably completed. Pages
// parked in the recycle queue during the checkpoint's compaction window
// are now safe to fold into the regular free list, since no reader can
// still be referencing the pre-checkpoint page layout.
func (m *Manager) CommitEnd() error {
	m.appendLocks[1].Lock()
	ids, err := m.recycle.all()
	m.appendLocks[1].Unlock()
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.appendLocks[1].Lock()
		_, _ = m.recycle.removeIfPresent(id)
		m.appendLocks[1].Unlock()
		if err := m.DeletePage(id); err != nil {
			return err
		}
	}
	return nil
}

// CompactionStart marks the beginning of a compaction pass (spec.md
// §4.2 "Compaction"). The page manager itself holds no extra state
// across a pass beyond what CompactionScanFreeList and
// CompactionVerify use; it exists as an explicit call so the tree
// layer's compaction driver has a clear hand-off point that mirrors the
// commit protocol's Start/End shape.
func (m *Manager) CompactionStart() error { return nil }

// CompactionScanFreeList reports every page id currently sitting in any
// of the three queues, for the compaction driver to treat as already
// reclaimed (and thus skip relocating).
func (m *Manager) CompactionScanFreeList() ([]page.ID, error) {
	var out []page.ID
	for _, q := range []*queue{m.regular, m.recycle, m.reserve} {
		ids, err := q.all()
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// CompactionVerify reports whether id is present in any queue — used by
// the compaction driver to double-check a page it's about to relocate
// hasn't concurrently been freed out from under it.
func (m *Manager) CompactionVerify(id page.ID) (bool, error) {
	for _, q := range []*queue{m.regular, m.recycle, m.reserve} {
		found, err := q.contains(id)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// CompactionEnd closes out a compaction pass. It does no work; the call
// exists for symmetry with CompactionStart and as the driver's explicit
// pass-complete signal.
func (m *Manager) CompactionEnd() error { return nil }

// HighWater reports the first page id not yet handed to any queue or
// allocated, for the caller to persist in the header page.
func (m *Manager) HighWater() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// State is the manager's full recoverable position: the high water
// mark plus each queue's head/tail node ids, matching the header
// page's pageManagerState field (spec.md §6). Flush must be called
// first so no buffered-but-undrained append is lost across a restart.
type State struct {
	HighWater                page.ID
	RegularHead, RegularTail page.ID
	RecycleHead, RecycleTail page.ID
	ReserveHead, ReserveTail page.ID
}

// Flush drains every queue's in-memory append buffer out to a node
// page, so State reflects every RecyclePage/DeletePage call made so
// far regardless of whether a buffer happened to hit its drain
// threshold. Called by the checkpoint writer immediately before it
// reads State to fill the header.
func (m *Manager) Flush() error {
	for i, q := range []*queue{m.regular, m.recycle, m.reserve} {
		m.appendLocks[i].Lock()
		err := q.flush(m.extend)
		m.appendLocks[i].Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// State reports the manager's current recoverable position.
func (m *Manager) State() State {
	rh, rt := m.regular.headTail()
	ch, ct := m.recycle.headTail()
	sh, st := m.reserve.headTail()
	return State{
		HighWater:   m.HighWater(),
		RegularHead: rh, RegularTail: rt,
		RecycleHead: ch, RecycleTail: ct,
		ReserveHead: sh, ReserveTail: st,
	}
}

// Restore reopens a Manager from a State previously read back out of
// the header page, picking up each queue's chain exactly where the
// last checkpoint left it rather than starting from empty queues.
func Restore(dev pagestore.Device, pageSize uint32, reserveTarget int, st State) *Manager {
	m := Open(dev, pageSize, st.HighWater, reserveTarget)
	m.regular.restore(st.RegularHead, st.RegularTail)
	m.recycle.restore(st.RecycleHead, st.RecycleTail)
	m.reserve.restore(st.ReserveHead, st.ReserveTail)
	return m
}
