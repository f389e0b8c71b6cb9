package pagemgr

import (
	"encoding/binary"
	"sync"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

// queue is one of the three page id queues from spec.md §4.2: a linked
// list of queue-node pages, each holding `(nextQueueNodeId, firstPageId,
// delta-encoded-ids...)`, fronted by an in-memory append buffer that
// drains to a fresh tail node once full.
//
// Grounded on the teacher's own free-page chain (bufmgr.go's
// pageZero.chain / NewPage / PageFree), generalized from "one singly
// linked chain of whole pages" into the spec's buffered-append design
// so repeated frees don't each cost a page write.
type queue struct {
	appendMu sync.Mutex // guards buffer; taken by every append, unappend and drain

	dev      pagestore.Device
	pageSize uint32

	head page.ID // first queue-node page (0 = empty)
	tail page.ID // most recently drained queue-node page (0 = none yet)

	buffer []page.ID // not yet written to a queue-node page
}

// queueNode is the decoded form of one queue-node page.
type queueNode struct {
	next page.ID
	ids  []page.ID
}

const maxQueueNodeEntries = 1024 // upper bound on ids per queue-node page; append drains earlier when the page cannot hold that many worst-case deltas

func newQueue(dev pagestore.Device, pageSize uint32) *queue {
	return &queue{dev: dev, pageSize: pageSize}
}

// append buffers pageId for later removal. Per spec.md §4.2 this is a
// pure in-memory operation until the buffer fills.
func (q *queue) append(id page.ID, alloc func() (page.ID, error)) error {
	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	q.buffer = append(q.buffer, id)
	// A node page holds a 16-byte header, the count and one zigzag
	// varint delta per id; drain before the worst case outgrows it.
	limit := (int(q.pageSize) - 16 - binary.MaxVarintLen64) / binary.MaxVarintLen64
	if limit > maxQueueNodeEntries {
		limit = maxQueueNodeEntries
	}
	if len(q.buffer) >= limit {
		return q.drainLocked(alloc)
	}
	return nil
}

// drainLocked writes the current buffer out to a new tail queue-node
// page, chaining it behind the previous tail.
func (q *queue) drainLocked(alloc func() (page.ID, error)) error {
	if len(q.buffer) == 0 {
		return nil
	}
	nodeID, err := alloc()
	if err != nil {
		return err
	}
	node := queueNode{next: 0, ids: q.buffer}
	buf := make([]byte, q.pageSize)
	encodeQueueNode(buf, node)
	if err := q.dev.WritePage(nodeID, buf); err != nil {
		return err
	}
	if err := q.linkTail(nodeID); err != nil {
		return err
	}
	q.buffer = nil
	return nil
}

func (q *queue) linkTail(nodeID page.ID) error {
	if q.head == 0 {
		q.head = nodeID
		q.tail = nodeID
		return nil
	}
	buf := make([]byte, q.pageSize)
	if err := q.dev.ReadPage(q.tail, buf); err != nil {
		return err
	}
	node := decodeQueueNode(buf)
	node.next = nodeID
	encodeQueueNode(buf, node)
	if err := q.dev.WritePage(q.tail, buf); err != nil {
		return err
	}
	q.tail = nodeID
	return nil
}

// tryUnappend pops the most recently appended (but not yet drained) id
// — the fast path for recently freed pages the spec describes.
func (q *queue) tryUnappend() (page.ID, bool) {
	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	if len(q.buffer) == 0 {
		return 0, false
	}
	id := q.buffer[len(q.buffer)-1]
	q.buffer = q.buffer[:len(q.buffer)-1]
	return id, true
}

// tryRemove pops from the head queue-node page, freeing the node page
// itself (via freeNode) once it is exhausted. Caller must hold the
// page manager's single cross-queue removeLock (spec.md §4.2).
func (q *queue) tryRemove(freeNode func(page.ID) error) (page.ID, bool, error) {
	if q.head == 0 {
		return 0, false, nil
	}
	buf := make([]byte, q.pageSize)
	if err := q.dev.ReadPage(q.head, buf); err != nil {
		return 0, false, err
	}
	node := decodeQueueNode(buf)
	if len(node.ids) == 0 {
		// exhausted node: unlink and recurse into the next one.
		old := q.head
		q.head = node.next
		if q.head == 0 {
			q.tail = 0
		}
		if err := freeNode(old); err != nil {
			return 0, false, err
		}
		return q.tryRemove(freeNode)
	}
	id := node.ids[len(node.ids)-1]
	node.ids = node.ids[:len(node.ids)-1]
	encodeQueueNode(buf, node)
	if err := q.dev.WritePage(q.head, buf); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// encodeQueueNode writes node into buf using the format spec.md §4.2
// describes: next node id, then delta-encoded (zigzag varint) page ids
// relative to the previous one in the list, count-prefixed.
func encodeQueueNode(buf []byte, node queueNode) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(node.next))
	off := 16
	off += binary.PutUvarint(buf[off:], uint64(len(node.ids)))
	var prev int64
	for _, id := range node.ids {
		delta := int64(id) - prev
		off += binary.PutVarint(buf[off:], delta)
		prev = int64(id)
	}
}

func decodeQueueNode(buf []byte) queueNode {
	next := page.ID(binary.LittleEndian.Uint64(buf[0:8]))
	off := 16
	count, n := binary.Uvarint(buf[off:])
	off += n
	ids := make([]page.ID, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		delta, n := binary.Varint(buf[off:])
		off += n
		prev += delta
		ids = append(ids, page.ID(prev))
	}
	return queueNode{next: next, ids: ids}
}

// contains reports whether id is present anywhere in the queue
// (buffer or any node page), used by CompactionVerify.
func (q *queue) contains(id page.ID) (bool, error) {
	q.appendMu.Lock()
	for _, b := range q.buffer {
		if b == id {
			q.appendMu.Unlock()
			return true, nil
		}
	}
	q.appendMu.Unlock()

	cur := q.head
	buf := make([]byte, q.pageSize)
	for cur != 0 {
		if err := q.dev.ReadPage(cur, buf); err != nil {
			return false, err
		}
		node := decodeQueueNode(buf)
		for _, pid := range node.ids {
			if pid == id {
				return true, nil
			}
		}
		cur = node.next
	}
	return false, nil
}

// removeIfPresent drops id from wherever it sits in the queue,
// returning true if it was found; used by CommitEnd to move ids out of
// the recycle queue.
func (q *queue) removeIfPresent(id page.ID) (bool, error) {
	q.appendMu.Lock()
	for i, b := range q.buffer {
		if b == id {
			q.buffer = append(q.buffer[:i], q.buffer[i+1:]...)
			q.appendMu.Unlock()
			return true, nil
		}
	}
	q.appendMu.Unlock()

	cur := q.head
	buf := make([]byte, q.pageSize)
	for cur != 0 {
		if err := q.dev.ReadPage(cur, buf); err != nil {
			return false, err
		}
		node := decodeQueueNode(buf)
		for i, pid := range node.ids {
			if pid == id {
				node.ids = append(node.ids[:i], node.ids[i+1:]...)
				encodeQueueNode(buf, node)
				if err := q.dev.WritePage(cur, buf); err != nil {
					return false, err
				}
				return true, nil
			}
		}
		cur = node.next
	}
	return false, nil
}

// headTail reports the queue's current head and tail node page ids, for
// the manager to fold into the header's persisted pageManagerState.
func (q *queue) headTail() (head, tail page.ID) {
	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	return q.head, q.tail
}

// restore seeds head/tail on a freshly constructed queue that has not
// yet appended anything, used when reopening a manager from a header's
// persisted pageManagerState.
func (q *queue) restore(head, tail page.ID) {
	q.head = head
	q.tail = tail
}

// flush drains any buffered ids out to a node page so the queue's
// on-disk chain reflects every append made so far, even if the buffer
// never hit maxQueueNodeEntries. Called before the manager's state is
// persisted at a checkpoint boundary.
func (q *queue) flush(alloc func() (page.ID, error)) error {
	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	return q.drainLocked(alloc)
}

// all collects every page id currently queued (buffer and node pages),
// used by compactionScanFreeList and by tests.
func (q *queue) all() ([]page.ID, error) {
	q.appendMu.Lock()
	out := append([]page.ID(nil), q.buffer...)
	q.appendMu.Unlock()

	cur := q.head
	buf := make([]byte, q.pageSize)
	for cur != 0 {
		if err := q.dev.ReadPage(cur, buf); err != nil {
			return nil, err
		}
		node := decodeQueueNode(buf)
		out = append(out, node.ids...)
		cur = node.next
	}
	return out, nil
}
