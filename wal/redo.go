package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/emberkv/ember/errs"
)

// RecordKind identifies one redo log entry's shape (spec.md §4.6).
type RecordKind uint8

const (
	KindStore RecordKind = iota
	KindDelete
	KindTxnBegin
	KindTxnRollback
	KindTxnCommit
	KindTxnPrepare
	KindCheckpoint
)

// boundaryOp marks a CRC32C footer written at every flush, so a reader
// replaying the log after a crash can detect a torn write at the tail
// and stop there rather than misinterpreting garbage as a record
// (spec.md §6: "CRC32C on every log segment boundary").
const boundaryOp = 0xFF

// DurabilityMode controls how aggressively Append pushes a record to
// stable storage (spec.md §4.6).
type DurabilityMode uint8

const (
	// NoRedo skips the redo log entirely; the transaction is not
	// crash-recoverable.
	NoRedo DurabilityMode = iota
	// NoFlush buffers the record in the writer's in-process buffer only.
	NoFlush
	// NoSync pushes to the OS (write(2)) but does not fsync.
	NoSync
	// Sync fsyncs before Append returns.
	Sync
)

// Record is one decoded redo log entry.
type Record struct {
	Kind      RecordKind
	TxnID     uint64
	IndexID   uint64
	Key       []byte
	Value     []byte
	HandlerID uint64 // KindTxnPrepare only
	Sequence  uint64 // KindCheckpoint only
}

// Position is a logical, monotonically increasing byte offset into the
// redo stream across all rotated segment files.
type Position uint64

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Writer appends records to a rotating, CRC-checksummed redo stream.
// Grounded on the teacher's own file handling (FileDevice's directio
// usage for the page store): a single *os.File wrapped in a
// bufio.Writer, rotated at a configured size rather than left to grow
// unbounded.
type Writer struct {
	mu sync.Mutex

	dir  string
	base string

	segmentSize int64
	sequence    uint64

	file   *os.File
	buf    *bufio.Writer
	hasher hash.Hash32

	pos      Position // cumulative logical position across all segments
	segBytes int64    // bytes written to the current segment since it opened
}

// OpenWriter opens (creating if needed) the next segment file under
// dir named "<base>.redo.<sequence>", starting a fresh sequence at 0.
func OpenWriter(dir, base string, segmentSize int64) (*Writer, error) {
	w := &Writer{dir: dir, base: base, segmentSize: segmentSize}
	if err := w.rotateLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) segmentPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.redo.%d", w.base, w.sequence))
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		if err := w.flushLocked(true); err != nil {
			return err
		}
		if err := w.file.Close(); err != nil {
			return errs.Wrap(errs.KindIO, "wal.Writer.rotateLocked", err)
		}
		w.sequence++
	}
	f, err := os.OpenFile(w.segmentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIO, "wal.Writer.rotateLocked", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.hasher = crc32.New(crc32cTable)
	w.segBytes = 0
	return nil
}

// Append encodes rec and writes it per mode, returning the logical
// position just past the record.
func (w *Writer) Append(rec Record, mode DurabilityMode) (Position, error) {
	if mode == NoRedo {
		return w.currentPosition(), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var b bytes.Buffer
	encodeRecord(&b, rec)
	n, err := w.buf.Write(b.Bytes())
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "wal.Writer.Append", err)
	}
	w.hasher.Write(b.Bytes())
	w.pos += Position(n)
	w.segBytes += int64(n)

	if w.segBytes >= w.segmentSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	} else if mode != NoFlush {
		if err := w.flushLocked(mode == Sync); err != nil {
			return 0, err
		}
	}
	return w.pos, nil
}

func (w *Writer) currentPosition() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// flushLocked writes the CRC32C boundary footer, flushes the bufio
// writer, and optionally fsyncs. Caller holds w.mu.
func (w *Writer) flushLocked(sync bool) error {
	sum := w.hasher.Sum32()
	footer := make([]byte, 5)
	footer[0] = boundaryOp
	binary.LittleEndian.PutUint32(footer[1:], sum)
	if _, err := w.buf.Write(footer); err != nil {
		return errs.Wrap(errs.KindIO, "wal.Writer.flushLocked", err)
	}
	w.pos += Position(len(footer))
	w.segBytes += int64(len(footer))
	w.hasher.Reset()

	if err := w.buf.Flush(); err != nil {
		return errs.Wrap(errs.KindIO, "wal.Writer.flushLocked", err)
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			return errs.Wrap(errs.KindIO, "wal.Writer.flushLocked", err)
		}
	}
	return nil
}

// Sync forces a boundary + flush + fsync regardless of the per-record
// durability mode used so far; called at checkpoint (spec.md §4.6).
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(true)
}

// Position reports the current logical write position.
func (w *Writer) Position() Position { return w.currentPosition() }

// Sequence reports the segment sequence number currently being
// written, so a checkpoint can safely delete only segments strictly
// below it.
func (w *Writer) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close flushes and closes the current segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(true); err != nil {
		return err
	}
	return w.file.Close()
}

func writeUvarint(b *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	b.Write(tmp[:n])
}

func encodeRecord(b *bytes.Buffer, r Record) {
	b.WriteByte(byte(r.Kind))
	writeUvarint(b, r.TxnID)
	switch r.Kind {
	case KindStore:
		writeUvarint(b, r.IndexID)
		writeUvarint(b, uint64(len(r.Key)))
		b.Write(r.Key)
		writeUvarint(b, uint64(len(r.Value)))
		b.Write(r.Value)
	case KindDelete:
		writeUvarint(b, r.IndexID)
		writeUvarint(b, uint64(len(r.Key)))
		b.Write(r.Key)
	case KindTxnPrepare:
		writeUvarint(b, r.HandlerID)
	case KindCheckpoint:
		writeUvarint(b, r.Sequence)
	case KindTxnBegin, KindTxnRollback, KindTxnCommit:
		// no further fields
	}
}
