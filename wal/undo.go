// Package wal implements the undo and redo logs (spec.md §4.6, C6).
//
// The undo log is a per-transaction, page-backed stack of records
// describing how to reverse one mutation each; the redo log is a
// single append-only byte stream shared by every transaction, rotated
// across files and checksummed at segment boundaries.
//
// Grounded on the teacher's own page-backed free chain (bufmgr.go) for
// "store a linked list of application records as a chain of whole
// pages, fronted by an in-memory buffer" — the same shape pagemgr's
// queue uses for the free lists, reused here for per-transaction undo
// records instead of page ids.
package wal

import (
	"encoding/binary"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagestore"
)

// UndoKind is the reversal action an UndoRecord replays (spec.md §4.6:
// "(op, indexId, key, oldValue?)", expressed here as the concrete
// inverse operation rather than the original one, since that's what
// Rollback actually needs to perform).
type UndoKind uint8

const (
	// UndoDeleteKey reverses an insert of a key that did not previously
	// exist: rollback deletes it.
	UndoDeleteKey UndoKind = iota
	// UndoRestoreValue reverses an update of an existing key: rollback
	// writes OldValue back.
	UndoRestoreValue
	// UndoReinsert reverses a delete: rollback reinserts Key/OldValue.
	UndoReinsert
)

// UndoRecord describes one mutation's reversal.
type UndoRecord struct {
	Kind     UndoKind
	IndexID  uint64
	Key      []byte
	OldValue []byte // meaningful for UndoRestoreValue and UndoReinsert
}

// undoBufferLimit is the number of buffered records kept in memory
// before they are drained to a page, mirroring pagemgr's
// maxQueueNodeEntries drain threshold.
const undoBufferLimit = 256

// UndoLog is one transaction's reversal stack: committed or buffered
// records, plus a chain of pages holding whatever has been flushed out
// of memory.
type UndoLog struct {
	dev      pagestore.Device
	pageSize uint32
	alloc    func() (page.ID, error)
	free     func(page.ID) error

	head   page.ID // most recently flushed page; 0 if none
	buffer []UndoRecord
}

// NewUndoLog constructs an empty undo log. alloc/free are bound to a
// pagemgr.Manager's AllocPage(pagemgr.ModeNormal)/DeletePage by the
// caller, kept as plain funcs here so this package does not need to
// import pagemgr's Mode type.
func NewUndoLog(dev pagestore.Device, pageSize uint32, alloc func() (page.ID, error), free func(page.ID) error) *UndoLog {
	return &UndoLog{dev: dev, pageSize: pageSize, alloc: alloc, free: free}
}

// Push appends a record to the log, draining to one or more pages once
// the in-memory buffer is full.
func (u *UndoLog) Push(rec UndoRecord) error {
	u.buffer = append(u.buffer, rec)
	if len(u.buffer) >= undoBufferLimit {
		return u.flush()
	}
	return nil
}

func (u *UndoLog) flush() error {
	for len(u.buffer) > 0 {
		// Pack as many records as one page holds by their worst-case size.
		size, n := 8+binary.MaxVarintLen64, 0
		for ; n < len(u.buffer); n++ {
			r := u.buffer[n]
			if size += 2 + 3*binary.MaxVarintLen64 + len(r.Key) + len(r.OldValue); size > int(u.pageSize) {
				break
			}
		}
		if n == 0 {
			return errs.New(errs.KindLargeValue, "wal.UndoLog.flush")
		}
		id, err := u.alloc()
		if err != nil {
			return err
		}
		buf := make([]byte, u.pageSize)
		encodeUndoPage(buf, u.head, u.buffer[:n])
		if err := u.dev.WritePage(id, buf); err != nil {
			return errs.Wrap(errs.KindIO, "wal.UndoLog.flush", err)
		}
		u.head = id
		u.buffer = u.buffer[n:]
	}
	u.buffer = nil
	return nil
}

// Rollback replays every record from most to least recent, calling
// apply for each, then frees all pages the log occupied (spec.md
// §4.6: "records are replayed in reverse order, each releasing the
// corresponding exclusive lock after applying").
func (u *UndoLog) Rollback(apply func(UndoRecord) error) error {
	for i := len(u.buffer) - 1; i >= 0; i-- {
		if err := apply(u.buffer[i]); err != nil {
			return err
		}
	}
	u.buffer = nil

	cur := u.head
	buf := make([]byte, u.pageSize)
	for cur != 0 {
		if err := u.dev.ReadPage(cur, buf); err != nil {
			return errs.Wrap(errs.KindIO, "wal.UndoLog.Rollback", err)
		}
		prev, records := decodeUndoPage(buf)
		for i := len(records) - 1; i >= 0; i-- {
			if err := apply(records[i]); err != nil {
				return err
			}
		}
		old := cur
		cur = prev
		if err := u.free(old); err != nil {
			return err
		}
	}
	u.head = 0
	return nil
}

// Discard frees every page the log occupies without replaying
// anything, for the commit path (spec.md §4.6: "on commit, ghost
// entries are materialised and then the undo log pages are freed").
func (u *UndoLog) Discard() error {
	u.buffer = nil
	cur := u.head
	buf := make([]byte, u.pageSize)
	for cur != 0 {
		if err := u.dev.ReadPage(cur, buf); err != nil {
			return errs.Wrap(errs.KindIO, "wal.UndoLog.Discard", err)
		}
		prev, _ := decodeUndoPage(buf)
		old := cur
		cur = prev
		if err := u.free(old); err != nil {
			return err
		}
	}
	u.head = 0
	return nil
}

func encodeUndoPage(buf []byte, prev page.ID, records []UndoRecord) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(prev))
	off := 8
	off += binary.PutUvarint(buf[off:], uint64(len(records)))
	for _, r := range records {
		buf[off] = byte(r.Kind)
		off++
		off += binary.PutUvarint(buf[off:], r.IndexID)
		off += binary.PutUvarint(buf[off:], uint64(len(r.Key)))
		off += copy(buf[off:], r.Key)
		if r.OldValue == nil {
			buf[off] = 0
			off++
		} else {
			buf[off] = 1
			off++
			off += binary.PutUvarint(buf[off:], uint64(len(r.OldValue)))
			off += copy(buf[off:], r.OldValue)
		}
	}
}

func decodeUndoPage(buf []byte) (page.ID, []UndoRecord) {
	prev := page.ID(binary.LittleEndian.Uint64(buf[0:8]))
	off := 8
	count, n := binary.Uvarint(buf[off:])
	off += n
	records := make([]UndoRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		kind := UndoKind(buf[off])
		off++
		indexID, n := binary.Uvarint(buf[off:])
		off += n
		keyLen, n := binary.Uvarint(buf[off:])
		off += n
		key := append([]byte(nil), buf[off:off+int(keyLen)]...)
		off += int(keyLen)
		hasValue := buf[off]
		off++
		var val []byte
		if hasValue == 1 {
			valLen, n := binary.Uvarint(buf[off:])
			off += n
			val = append([]byte(nil), buf[off:off+int(valLen)]...)
			off += int(valLen)
		}
		records = append(records, UndoRecord{Kind: kind, IndexID: indexID, Key: key, OldValue: val})
	}
	return prev, records
}
