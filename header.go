package ember

import (
	"encoding/binary"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/wal"
	"github.com/google/uuid"
)

// Header is the decoded form of one of the two alternating header
// pages (spec.md §6). checkpointSequence is compared across both
// slots at recovery; the higher one wins.
type Header struct {
	Version            uint32
	PageSize           uint32
	CheckpointSequence uint64
	RedoLogPosition    wal.Position
	TransactionIDSeq   uint64
	RegistryRootPageID page.ID
	PageManagerState   pagemgr.State
	SessionID          uuid.UUID
	// CheckpointSegment is the lowest redo segment recovery needs: the
	// writer's segment when this checkpoint was written, or an earlier
	// one where a still-open transaction began. Recovery resumes reading
	// from this segment rather than segment 0.
	CheckpointSegment uint64
}

const (
	headerMagic   uint64 = 0x454d4245522d4442 // "EMBER-DB"
	headerVersion uint32 = 1

	offMagic              = 0
	offVersion            = 8
	offPageSize           = 12
	offCheckpointSequence = 16
	offRedoLogPosition    = 24
	offTxnIDSeq           = 32
	offRegistryRoot       = 40
	offPageManagerState   = 48
	pageManagerStateSize  = 56 // 7 uint64 fields of pagemgr.State
	offSessionID          = offPageManagerState + pageManagerStateSize
	offCheckpointSegment  = offSessionID + 16
	headerEncodedSize     = offCheckpointSegment + 8
)

func encodeHeader(buf []byte, h Header) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[offMagic:], headerMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[offCheckpointSequence:], h.CheckpointSequence)
	binary.LittleEndian.PutUint64(buf[offRedoLogPosition:], uint64(h.RedoLogPosition))
	binary.LittleEndian.PutUint64(buf[offTxnIDSeq:], h.TransactionIDSeq)
	binary.LittleEndian.PutUint64(buf[offRegistryRoot:], uint64(h.RegistryRootPageID))

	st := h.PageManagerState
	fields := []page.ID{
		st.HighWater, st.RegularHead, st.RegularTail,
		st.RecycleHead, st.RecycleTail, st.ReserveHead, st.ReserveTail,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(buf[offPageManagerState+i*8:], uint64(f))
	}

	sid, err := h.SessionID.MarshalBinary()
	if err == nil {
		copy(buf[offSessionID:offSessionID+16], sid)
	}
	binary.LittleEndian.PutUint64(buf[offCheckpointSegment:], h.CheckpointSegment)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerEncodedSize {
		return Header{}, errs.New(errs.KindCorrupt, "ember.decodeHeader")
	}
	if binary.LittleEndian.Uint64(buf[offMagic:]) != headerMagic {
		return Header{}, errs.New(errs.KindCorrupt, "ember.decodeHeader")
	}
	h := Header{
		Version:            binary.LittleEndian.Uint32(buf[offVersion:]),
		PageSize:           binary.LittleEndian.Uint32(buf[offPageSize:]),
		CheckpointSequence: binary.LittleEndian.Uint64(buf[offCheckpointSequence:]),
		RedoLogPosition:    wal.Position(binary.LittleEndian.Uint64(buf[offRedoLogPosition:])),
		TransactionIDSeq:   binary.LittleEndian.Uint64(buf[offTxnIDSeq:]),
		RegistryRootPageID: page.ID(binary.LittleEndian.Uint64(buf[offRegistryRoot:])),
	}
	fields := make([]page.ID, 7)
	for i := range fields {
		fields[i] = page.ID(binary.LittleEndian.Uint64(buf[offPageManagerState+i*8:]))
	}
	h.PageManagerState = pagemgr.State{
		HighWater:   fields[0],
		RegularHead: fields[1], RegularTail: fields[2],
		RecycleHead: fields[3], RecycleTail: fields[4],
		ReserveHead: fields[5], ReserveTail: fields[6],
	}
	_ = h.SessionID.UnmarshalBinary(buf[offSessionID : offSessionID+16])
	h.CheckpointSegment = binary.LittleEndian.Uint64(buf[offCheckpointSegment:])
	return h, nil
}

// readHeaders loads both header slots (page 0 and page 1), tolerating
// either being absent or corrupt (a fresh file has neither). It
// returns the one with the higher checkpointSequence, or ok=false if
// neither decodes.
func readHeaders(dev interface {
	ReadPage(id page.ID, buf []byte) error
	PageCount() uint64
}, pageSize uint32) (h Header, slot int, ok bool) {
	var best Header
	bestSlot := -1
	for slot := 0; slot < 2; slot++ {
		if dev.PageCount() <= uint64(slot) {
			continue
		}
		buf := make([]byte, pageSize)
		if err := dev.ReadPage(page.ID(slot), buf); err != nil {
			continue
		}
		hdr, err := decodeHeader(buf)
		if err != nil {
			continue
		}
		if bestSlot == -1 || hdr.CheckpointSequence > best.CheckpointSequence {
			best, bestSlot = hdr, slot
		}
	}
	if bestSlot == -1 {
		return Header{}, 0, false
	}
	return best, bestSlot, true
}
