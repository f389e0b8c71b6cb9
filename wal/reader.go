package wal

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/emberkv/ember/errs"
)

// Reader replays a redo stream written by Writer, used at recovery
// (spec.md §4.6). It walks segment files in sequence order and stops
// at the first torn write it finds — a missing or mismatched CRC32C
// boundary footer — rather than erroring, since a torn tail is the
// expected shape of an unclean shutdown, not corruption.
type Reader struct {
	dir  string
	base string

	sequence int
	file     *os.File

	hasher   hash.Hash32
	pending  []byte // bytes read since the last boundary, CRC-accumulated
}

func OpenReader(dir, base string) (*Reader, error) {
	return OpenReaderFrom(dir, base, 0)
}

// OpenReaderFrom starts replay at segment seq rather than 0, used at
// recovery to skip segments a prior checkpoint already folded into the
// durable tree and whose files have since been removed.
func OpenReaderFrom(dir, base string, seq int) (*Reader, error) {
	r := &Reader{dir: dir, base: base, hasher: crc32.New(crc32cTable)}
	if err := r.openSegment(seq); err != nil {
		if os.IsNotExist(err) {
			r.sequence = seq - 1
			return r, nil
		}
		return nil, errs.Wrap(errs.KindIO, "wal.OpenReaderFrom", err)
	}
	return r, nil
}

// Sequence reports the segment sequence number the reader most
// recently opened (or is about to open, if no segment has existed
// yet), used by the checkpoint writer to record the next unconsumed
// segment before deleting everything below it.
func (r *Reader) Sequence() int { return r.sequence }

func (r *Reader) segmentPath(seq int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.redo.%d", r.base, seq))
}

func (r *Reader) openSegment(seq int) error {
	f, err := os.Open(r.segmentPath(seq))
	if err != nil {
		return err
	}
	if r.file != nil {
		_ = r.file.Close()
	}
	r.file = f
	r.sequence = seq
	r.hasher.Reset()
	r.pending = nil
	return nil
}

// Next returns the next Record, or io.EOF once every segment file has
// been fully and validly consumed.
func (r *Reader) Next() (Record, error) {
	for {
		if r.file == nil {
			if err := r.openSegment(r.sequence + 1); err != nil {
				return Record{}, io.EOF
			}
		}
		rec, ok, err := r.nextFromCurrentSegment()
		if err != nil {
			return Record{}, err
		}
		if ok {
			return rec, nil
		}
		if err := r.openSegment(r.sequence + 1); err != nil {
			return Record{}, io.EOF
		}
	}
}

func (r *Reader) nextFromCurrentSegment() (Record, bool, error) {
	opByte, err := r.readByte()
	if err != nil {
		return Record{}, false, nil // clean or torn EOF: move to next segment
	}
	if opByte == boundaryOp {
		want := make([]byte, 4)
		if _, err := io.ReadFull(r.file, want); err != nil {
			return Record{}, false, nil
		}
		got := r.hasher.Sum32()
		r.hasher.Reset()
		if got != binary.LittleEndian.Uint32(want) {
			// checksum mismatch: treat everything from here as a torn
			// tail rather than fatal corruption, matching the recovery
			// tolerance spec.md §7 describes for I/O during normal
			// operation (a checksum fault is not the same as a
			// structural KindCorrupt error the live engine would raise).
			return Record{}, false, nil
		}
		return r.nextFromCurrentSegment()
	}

	r.hasher.Write([]byte{opByte})
	kind := RecordKind(opByte)
	rec := Record{Kind: kind}

	rec.TxnID, err = r.readUvarint()
	if err != nil {
		return Record{}, false, nil
	}

	switch kind {
	case KindStore:
		if rec.IndexID, err = r.readUvarint(); err != nil {
			return Record{}, false, nil
		}
		if rec.Key, err = r.readBytes(); err != nil {
			return Record{}, false, nil
		}
		if rec.Value, err = r.readBytes(); err != nil {
			return Record{}, false, nil
		}
	case KindDelete:
		if rec.IndexID, err = r.readUvarint(); err != nil {
			return Record{}, false, nil
		}
		if rec.Key, err = r.readBytes(); err != nil {
			return Record{}, false, nil
		}
	case KindTxnPrepare:
		if rec.HandlerID, err = r.readUvarint(); err != nil {
			return Record{}, false, nil
		}
	case KindCheckpoint:
		if rec.Sequence, err = r.readUvarint(); err != nil {
			return Record{}, false, nil
		}
	case KindTxnBegin, KindTxnRollback, KindTxnCommit:
	default:
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (r *Reader) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.file, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) readUvarint() (uint64, error) {
	var buf [binary.MaxVarintLen64]byte
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		r.hasher.Write([]byte{b})
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, errs.New(errs.KindCorrupt, "wal.Reader.readUvarint")
}

func (r *Reader) readBytes() ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.file, buf); err != nil {
		return nil, err
	}
	r.hasher.Write(buf)
	return buf, nil
}

// Close releases the reader's open segment file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
