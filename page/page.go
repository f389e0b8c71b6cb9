// Package page implements the on-disk/in-memory node layout described
// in spec.md §3 ("Node") and §4.7 ("B+ tree"): a sorted search vector of
// fixed-width slots pointing into a two-ended free region holding
// varint-prefixed key/value entries.
//
// The layout generalizes the teacher's Page (bltree.go/bufmgr.go): the
// teacher packs slot type (Unique/Duplicate/Librarian), a dead bit, and
// an offset into one 16-bit word per slot, and grows keys/values toward
// the middle of the page from either end. Ember keeps the "grow the
// search vector forward from the header, grow entry bytes backward from
// the page end" shape and the Cnt/Act/Min/Garbage/Right bookkeeping
// fields (same names, same roles), but drops the teacher's librarian
// and duplicate-key slot kinds — spec.md's data model has no notion of
// duplicate keys (§3: "Duplicate keys are discarded" is the teacher's
// own btree product behavior, not a requirement here) — in favor of a
// plain tombstone (Dead) bit per slot.
package page

import (
	"encoding/binary"
	"fmt"
)

// Type identifies what a page's bytes represent (spec.md §3 "Node").
type Type uint8

const (
	TypeLeaf Type = iota
	TypeInternal
	TypeFragment
	TypeInode
	TypeUndoLog
	TypeQueue
)

func (t Type) String() string {
	switch t {
	case TypeLeaf:
		return "leaf"
	case TypeInternal:
		return "internal"
	case TypeFragment:
		return "fragment"
	case TypeInode:
		return "inode"
	case TypeUndoLog:
		return "undo"
	case TypeQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// CachedState is the double-buffered dirty marker from spec.md §3,
// used by the cache/checkpoint protocol to know which generation of
// dirty pages a checkpoint in progress must still flush.
type CachedState uint8

const (
	Clean CachedState = iota
	DirtyA
	DirtyB
)

// ID is a page identifier. 0 and 1 are reserved header pages
// (spec.md §3).
type ID uint64

const (
	HeaderPageA ID = 0
	HeaderPageB ID = 1
	// FirstUserPage is the lowest page id available to callers; pages
	// below it are reserved for the alternating header.
	FirstUserPage ID = 2
)

// Fixed on-page header layout. Offsets are absolute within the page
// buffer; HeaderSize bytes are reserved before the search vector
// begins.
const (
	offPageID   = 0  // 8 bytes
	offType     = 8  // 1 byte
	offLvl      = 9  // 1 byte
	offFlags    = 10 // 1 byte (bit0 = Kill, bit1 = Free)
	offCnt      = 12 // 4 bytes: number of search-vector slots
	offAct      = 16 // 4 bytes: number of live (non-dead) slots
	offMin      = 20 // 4 bytes: offset of the start of the entry data region
	offGarbage  = 24 // 4 bytes: bytes reclaimable by compaction
	offRight    = 28 // 8 bytes: right-sibling page id (B-link pointer)
	offInodeCap = 36 // 4 bytes: fan-out cap, meaningful for TypeInode pages only
	HeaderSize  = 48
)

// SlotSize is the width in bytes of one search-vector entry: a 2-byte
// offset into the entry-data region plus a 1-byte flags/type byte,
// rounded up to a 4-byte-aligned width.
const SlotSize = 4

const (
	slotFlagDead = 1 << 0
)

// Page is one fixed-size node, resident in memory. Data is exactly
// PageSize bytes including the header; callers allocate it via New or
// Load.
type Page struct {
	PageSize uint32
	Data     []byte

	// State is the engine-level double-buffered dirty marker (spec.md
	// §3); it does not live in Data because it is process-local
	// bookkeeping for the cache/checkpoint protocol, not durable state.
	State CachedState
}

// New allocates a zeroed page of the given size and type.
func New(pageSize uint32, id ID, typ Type) *Page {
	p := &Page{PageSize: pageSize, Data: make([]byte, pageSize)}
	p.SetID(id)
	p.SetType(typ)
	p.SetMin(pageSize)
	return p
}

// Load wraps an existing byte buffer (read from a device or cache slot)
// as a Page without copying.
func Load(pageSize uint32, data []byte) *Page {
	if uint32(len(data)) != pageSize {
		panic(fmt.Sprintf("page: Load given %d bytes, want %d", len(data), pageSize))
	}
	return &Page{PageSize: pageSize, Data: data}
}

func (p *Page) ID() ID         { return ID(binary.LittleEndian.Uint64(p.Data[offPageID:])) }
func (p *Page) SetID(id ID)    { binary.LittleEndian.PutUint64(p.Data[offPageID:], uint64(id)) }
func (p *Page) Type() Type     { return Type(p.Data[offType]) }
func (p *Page) SetType(t Type) { p.Data[offType] = byte(t) }
func (p *Page) Lvl() uint8     { return p.Data[offLvl] }
func (p *Page) SetLvl(l uint8) { p.Data[offLvl] = l }

func (p *Page) Kill() bool { return p.Data[offFlags]&0x1 != 0 }
func (p *Page) SetKill(v bool) {
	if v {
		p.Data[offFlags] |= 0x1
	} else {
		p.Data[offFlags] &^= 0x1
	}
}

func (p *Page) Free() bool { return p.Data[offFlags]&0x2 != 0 }
func (p *Page) SetFree(v bool) {
	if v {
		p.Data[offFlags] |= 0x2
	} else {
		p.Data[offFlags] &^= 0x2
	}
}

func (p *Page) Cnt() uint32      { return binary.LittleEndian.Uint32(p.Data[offCnt:]) }
func (p *Page) SetCnt(n uint32)  { binary.LittleEndian.PutUint32(p.Data[offCnt:], n) }
func (p *Page) Act() uint32      { return binary.LittleEndian.Uint32(p.Data[offAct:]) }
func (p *Page) SetAct(n uint32)  { binary.LittleEndian.PutUint32(p.Data[offAct:], n) }
func (p *Page) Min() uint32      { return binary.LittleEndian.Uint32(p.Data[offMin:]) }
func (p *Page) SetMin(n uint32)  { binary.LittleEndian.PutUint32(p.Data[offMin:], n) }
func (p *Page) Garbage() uint32  { return binary.LittleEndian.Uint32(p.Data[offGarbage:]) }
func (p *Page) SetGarbage(n uint32) { binary.LittleEndian.PutUint32(p.Data[offGarbage:], n) }
func (p *Page) Right() ID       { return ID(binary.LittleEndian.Uint64(p.Data[offRight:])) }
func (p *Page) SetRight(id ID)  { binary.LittleEndian.PutUint64(p.Data[offRight:], uint64(id)) }
func (p *Page) InodeCap() uint32 { return binary.LittleEndian.Uint32(p.Data[offInodeCap:]) }
func (p *Page) SetInodeCap(n uint32) {
	binary.LittleEndian.PutUint32(p.Data[offInodeCap:], n)
}

// SearchVecEnd is the offset one past the last used slot.
func (p *Page) SearchVecEnd() uint32 { return HeaderSize + p.Cnt()*SlotSize }

// FreeSpace is the number of bytes available for a new slot plus its
// entry data without compaction.
func (p *Page) FreeSpace() uint32 {
	end := p.SearchVecEnd()
	if p.Min() < end {
		return 0
	}
	return p.Min() - end
}

func (p *Page) slotOff(slot uint32) uint32 { return HeaderSize + (slot-1)*SlotSize }

// Offset returns the data-region offset stored in slot (1-based).
func (p *Page) Offset(slot uint32) uint32 {
	o := p.slotOff(slot)
	return uint32(binary.LittleEndian.Uint16(p.Data[o:]))
}

func (p *Page) setOffset(slot uint32, off uint32) {
	o := p.slotOff(slot)
	binary.LittleEndian.PutUint16(p.Data[o:], uint16(off))
}

// Dead reports whether slot (1-based) is a tombstone.
func (p *Page) Dead(slot uint32) bool {
	o := p.slotOff(slot) + 2
	return p.Data[o]&slotFlagDead != 0
}

// SetDead marks slot (1-based) live or dead.
func (p *Page) SetDead(slot uint32, dead bool) {
	o := p.slotOff(slot) + 2
	if dead {
		p.Data[o] |= slotFlagDead
	} else {
		p.Data[o] &^= slotFlagDead
	}
}

// ClearSlot zeroes a slot's bookkeeping bytes (used when shrinking Cnt).
func (p *Page) ClearSlot(slot uint32) {
	o := p.slotOff(slot)
	for i := uint32(0); i < SlotSize; i++ {
		p.Data[o+i] = 0
	}
}

// entry layout: varint keyLen, key, varint valueLen-or-header, value...
// readUvarint/putUvarint operate against p.Data starting at off and
// return the new offset, following the same "return next offset"
// convention as the teacher's inline slot packing in insertSlot.

func putUvarint(buf []byte, off uint32, v uint64) uint32 {
	n := binary.PutUvarint(buf[off:], v)
	return off + uint32(n)
}

func readUvarint(buf []byte, off uint32) (uint64, uint32) {
	v, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		panic("page: corrupt varint")
	}
	return v, off + uint32(n)
}

// Key returns the key bytes stored for slot (1-based).
func (p *Page) Key(slot uint32) []byte {
	off := p.Offset(slot)
	kl, off := readUvarint(p.Data, off)
	return p.Data[off : off+uint32(kl)]
}

// rawValue returns the raw (possibly fragment-descriptor-encoded) value
// bytes stored for slot.
func (p *Page) rawValue(slot uint32) []byte {
	off := p.Offset(slot)
	kl, off := readUvarint(p.Data, off)
	off += uint32(kl)
	vl, off := readUvarint(p.Data, off)
	return p.Data[off : off+uint32(vl)]
}

// Value returns the raw value payload for slot (1-based). Interpreting
// it as inline vs. fragmented is the tree package's job (see
// tree/fragment.go), since that requires the page manager to resolve
// fragment/inode page ids.
func (p *Page) Value(slot uint32) []byte { return p.rawValue(slot) }

// entrySize reports the number of bytes the data region, as laid out,
// occupies for a (key, value) pair.
func entrySize(key, value []byte) uint32 {
	return uint32(uvarintLen(uint64(len(key)))) + uint32(len(key)) +
		uint32(uvarintLen(uint64(len(value)))) + uint32(len(value))
}

// EntrySize reports the bytes a (key, value) pair would occupy in the
// data region, for callers (the tree package) that need to check
// FreeSpace before attempting InsertSlot; InsertSlot also needs
// SlotSize bytes for the new slot itself.
func EntrySize(key, value []byte) uint32 { return entrySize(key, value) }

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// InsertSlot installs a new (key, value) pair before the given 1-based
// slot position, shifting later slots up by one. The caller must have
// already verified FreeSpace() is large enough (see Compact).
func (p *Page) InsertSlot(slot uint32, key, value []byte) {
	need := entrySize(key, value)
	if p.FreeSpace() < need+SlotSize {
		panic("page: InsertSlot called without adequate free space")
	}

	min := p.Min() - need
	off := min
	off = putUvarint(p.Data, off, uint64(len(key)))
	copy(p.Data[off:], key)
	off += uint32(len(key))
	off = putUvarint(p.Data, off, uint64(len(value)))
	copy(p.Data[off:], value)
	p.SetMin(min)

	cnt := p.Cnt()
	for i := cnt; i >= slot && i >= 1; i-- {
		p.setOffset(i+1, p.Offset(i))
		p.SetDead(i+1, p.Dead(i))
		if i == 1 {
			break
		}
	}
	p.setOffset(slot, min)
	p.SetDead(slot, false)
	p.SetCnt(cnt + 1)
	p.SetAct(p.Act() + 1)
}

// SetValue overwrites slot's value in place. Callers must ensure the
// new value is no larger than the old one; Tree.Insert's update
// path (tree package) handles the grow case by deleting and
// re-inserting instead.
func (p *Page) SetValue(slot uint32, value []byte) {
	off := p.Offset(slot)
	kl, voff := readUvarint(p.Data, off)
	voff += uint32(kl)
	oldLen, dataOff := readUvarint(p.Data, voff)
	if uint64(len(value)) > oldLen {
		panic("page: SetValue given a larger value than the slot holds")
	}
	n := binary.PutUvarint(p.Data[voff:], uint64(len(value)))
	if uint32(n) != dataOff-voff {
		// varint width changed; shift value bytes to the (new) data offset.
		newDataOff := voff + uint32(n)
		copy(p.Data[newDataOff:], value)
		return
	}
	copy(p.Data[dataOff:], value)
}

// RemoveSlot drops slot from the search vector, shifting later slots
// down by one, and accounts its entry bytes as garbage until Compact
// reclaims them, mirroring the teacher's DeleteKey bookkeeping
// (bltree.go): `Garbage += len(key)+len(value)+overhead; Act--`.
func (p *Page) RemoveSlot(slot uint32) {
	if p.Dead(slot) {
		return
	}
	key := p.Key(slot)
	val := p.rawValue(slot)
	p.SetGarbage(p.Garbage() + entrySize(key, val))
	cnt := p.Cnt()
	for i := slot; i < cnt; i++ {
		p.setOffset(i, p.Offset(i+1))
		p.SetDead(i, p.Dead(i+1))
	}
	p.ClearSlot(cnt)
	p.SetCnt(cnt - 1)
	p.SetAct(p.Act() - 1)
}

// Compact rewrites the page in place, dropping dead slots and
// defragmenting the data region. Grounded on the teacher's cleanPage
// (bltree.go), simplified because Ember has no librarian slots to
// preserve.
func (p *Page) Compact() {
	type kept struct {
		key, val []byte
	}
	cnt := p.Cnt()
	entries := make([]kept, 0, cnt)
	for s := uint32(1); s <= cnt; s++ {
		if p.Dead(s) {
			continue
		}
		k := append([]byte(nil), p.Key(s)...)
		v := append([]byte(nil), p.rawValue(s)...)
		entries = append(entries, kept{k, v})
	}

	for i := range p.Data[HeaderSize:] {
		p.Data[HeaderSize+i] = 0
	}
	p.SetMin(p.PageSize)
	p.SetCnt(0)
	p.SetAct(0)
	p.SetGarbage(0)

	min := p.PageSize
	for i, e := range entries {
		need := entrySize(e.key, e.val)
		min -= need
		off := min
		off = putUvarint(p.Data, off, uint64(len(e.key)))
		copy(p.Data[off:], e.key)
		off += uint32(len(e.key))
		off = putUvarint(p.Data, off, uint64(len(e.val)))
		copy(p.Data[off:], e.val)
		p.setOffset(uint32(i+1), min)
	}
	p.SetMin(min)
	p.SetCnt(uint32(len(entries)))
	p.SetAct(uint32(len(entries)))
}

// CopyFrom overwrites p's contents with src's, preserving p's PageSize
// and identity fields. Used by split/merge to relocate a node's logical
// contents onto a different physical page (teacher's MemCpyPage).
func (p *Page) CopyFrom(src *Page) {
	id := p.ID()
	copy(p.Data, src.Data)
	p.SetID(id)
}

// Reset reinitializes p as an empty page of the given type, keeping its id.
func (p *Page) Reset(typ Type) {
	id := p.ID()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.SetID(id)
	p.SetType(typ)
	p.SetMin(p.PageSize)
}
