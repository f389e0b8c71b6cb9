package tree

import (
	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
)

// Fragment descriptor kinds (spec.md §4.7 "Fragmented values"): direct
// chooses a flat array of page ids when the value fits in at most
// DirectMaxPages fragment pages; indirect roots an inode tree
// otherwise. Ember's inode tree is capped at two levels rather than
// the spec's unbounded `ceil(log_fanout(...))` depth — a deliberate
// simplification recorded in DESIGN.md, since no retrieved example
// implements multi-level indirect addressing to ground a deeper
// recursion against.
const (
	fragKindDirect   byte = 1
	fragKindIndirect byte = 2
)

// encodeFragmentedValue writes value's overflow bytes out to newly
// allocated pages and returns the stored-value bytes (tag +
// descriptor) to place in the leaf slot.
func (t *Tree) encodeFragmentedValue(value []byte) ([]byte, error) {
	prefixLen := t.cfg.InlinePrefixLen
	if prefixLen > len(value) {
		prefixLen = len(value)
	}
	prefix := value[:prefixLen]
	rest := value[prefixLen:]

	capacity := int(t.pageSize)
	numPages := (len(rest) + capacity - 1) / capacity

	leafIDs := make([]page.ID, 0, numPages)
	for i := 0; i < numPages; i++ {
		id, err := t.mgr.AllocPage(pagemgr.ModeNormal)
		if err != nil {
			return nil, err
		}
		start := i * capacity
		end := start + capacity
		if end > len(rest) {
			end = len(rest)
		}
		chunk := make([]byte, capacity)
		copy(chunk, rest[start:end])
		if err := t.dev.WritePage(id, chunk); err != nil {
			return nil, errs.Wrap(errs.KindIO, "tree.Tree.encodeFragmentedValue", err)
		}
		leafIDs = append(leafIDs, id)
	}

	out := []byte{storedFragmented}
	out = appendUvarint(out, uint64(len(value)))
	out = appendUvarint(out, uint64(len(prefix)))
	out = append(out, prefix...)

	if len(leafIDs) <= t.cfg.DirectMaxPages {
		out = append(out, fragKindDirect)
		out = appendUvarint(out, uint64(len(leafIDs)))
		for _, id := range leafIDs {
			out = append(out, encodeChild(id)...)
		}
		return out, nil
	}

	fanout := capacity / 8
	rootID, levels, err := t.buildInodeTree(leafIDs, fanout)
	if err != nil {
		return nil, err
	}
	out = append(out, fragKindIndirect)
	out = append(out, encodeChild(rootID)...)
	out = appendUvarint(out, uint64(levels))
	out = appendUvarint(out, uint64(fanout))
	return out, nil
}

// buildInodeTree writes leafIDs out as one or two levels of inode
// pages (each a flat array of up to fanout 8-byte child ids) and
// returns the root inode page id and tree depth.
func (t *Tree) buildInodeTree(leafIDs []page.ID, fanout int) (page.ID, int, error) {
	writeLevel := func(ids []page.ID) ([]page.ID, error) {
		var out []page.ID
		for i := 0; i < len(ids); i += fanout {
			end := i + fanout
			if end > len(ids) {
				end = len(ids)
			}
			buf := make([]byte, t.pageSize)
			for j, id := range ids[i:end] {
				copy(buf[j*8:], encodeChild(id))
			}
			id, err := t.mgr.AllocPage(pagemgr.ModeNormal)
			if err != nil {
				return nil, err
			}
			if err := t.dev.WritePage(id, buf); err != nil {
				return nil, errs.Wrap(errs.KindIO, "tree.Tree.buildInodeTree", err)
			}
			out = append(out, id)
		}
		return out, nil
	}

	level1, err := writeLevel(leafIDs)
	if err != nil {
		return 0, 0, err
	}
	if len(level1) == 1 {
		return level1[0], 1, nil
	}
	level2, err := writeLevel(level1)
	if err != nil {
		return 0, 0, err
	}
	if len(level2) != 1 {
		return 0, 0, errs.New(errs.KindLargeValue, "tree.Tree.buildInodeTree: value exceeds two-level inode capacity")
	}
	return level2[0], 2, nil
}

// decodeFragmentedValue reconstructs the full value from a stored
// fragment descriptor (desc excludes the leading storedFragmented tag
// byte, already consumed by the caller).
func (t *Tree) decodeFragmentedValue(desc []byte) ([]byte, error) {
	off := 0
	var totalLen, prefixLen uint64
	totalLen, off = readUvarint(desc, off)
	prefixLen, off = readUvarint(desc, off)
	prefix := desc[off : off+int(prefixLen)]
	off += int(prefixLen)

	result := make([]byte, 0, totalLen)
	result = append(result, prefix...)
	remaining := int(totalLen) - int(prefixLen)

	kind := desc[off]
	off++
	switch kind {
	case fragKindDirect:
		var count uint64
		count, off = readUvarint(desc, off)
		for i := uint64(0); i < count; i++ {
			id := page.ID(le64(desc[off : off+8]))
			off += 8
			chunk, err := t.readFragmentPage(id)
			if err != nil {
				return nil, err
			}
			take := len(chunk)
			if take > remaining {
				take = remaining
			}
			result = append(result, chunk[:take]...)
			remaining -= take
		}
	case fragKindIndirect:
		rootID := page.ID(le64(desc[off : off+8]))
		off += 8
		var levels, fanout uint64
		levels, off = readUvarint(desc, off)
		fanout, off = readUvarint(desc, off)
		leafIDs, err := t.collectInodeLeaves(rootID, int(levels), int(fanout))
		if err != nil {
			return nil, err
		}
		for _, id := range leafIDs {
			if remaining <= 0 {
				break
			}
			chunk, err := t.readFragmentPage(id)
			if err != nil {
				return nil, err
			}
			take := len(chunk)
			if take > remaining {
				take = remaining
			}
			result = append(result, chunk[:take]...)
			remaining -= take
		}
	}
	return result, nil
}

func (t *Tree) readFragmentPage(id page.ID) ([]byte, error) {
	if cached, ok := t.fragCache.Get(id); ok {
		return cached.Data, nil
	}
	buf := make([]byte, t.pageSize)
	if err := t.dev.ReadPage(id, buf); err != nil {
		return nil, errs.Wrap(errs.KindIO, "tree.Tree.readFragmentPage", err)
	}
	t.fragCache.Put(id, page.Load(t.pageSize, buf))
	return buf, nil
}

func (t *Tree) collectInodeLeaves(id page.ID, levels, fanout int) ([]page.ID, error) {
	buf := make([]byte, t.pageSize)
	if err := t.dev.ReadPage(id, buf); err != nil {
		return nil, errs.Wrap(errs.KindIO, "tree.Tree.collectInodeLeaves", err)
	}
	ids := decodeIDList(buf, fanout)
	if levels <= 1 {
		return ids, nil
	}
	var out []page.ID
	for _, childID := range ids {
		sub, err := t.collectInodeLeaves(childID, levels-1, fanout)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func decodeIDList(buf []byte, fanout int) []page.ID {
	ids := make([]page.ID, 0, fanout)
	for i := 0; i < fanout && (i+1)*8 <= len(buf); i++ {
		id := page.ID(le64(buf[i*8 : i*8+8]))
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// freeFragmentedValue releases every page a fragment descriptor
// references, called when a fragmented value's leaf entry is deleted
// or overwritten.
func (t *Tree) freeFragmentedValue(desc []byte) error {
	off := 0
	_, off = readUvarint(desc, off) // totalLen
	var prefixLen uint64
	prefixLen, off = readUvarint(desc, off)
	off += int(prefixLen)

	kind := desc[off]
	off++
	switch kind {
	case fragKindDirect:
		var count uint64
		count, off = readUvarint(desc, off)
		for i := uint64(0); i < count; i++ {
			id := page.ID(le64(desc[off : off+8]))
			off += 8
			t.fragCache.Evict(id)
			if err := t.mgr.DeletePage(id); err != nil {
				return err
			}
		}
	case fragKindIndirect:
		rootID := page.ID(le64(desc[off : off+8]))
		off += 8
		var levels, fanout uint64
		levels, off = readUvarint(desc, off)
		fanout, off = readUvarint(desc, off)
		return t.freeInodeTree(rootID, int(levels), int(fanout))
	}
	return nil
}

func (t *Tree) freeInodeTree(id page.ID, levels, fanout int) error {
	buf := make([]byte, t.pageSize)
	if err := t.dev.ReadPage(id, buf); err != nil {
		return errs.Wrap(errs.KindIO, "tree.Tree.freeInodeTree", err)
	}
	ids := decodeIDList(buf, fanout)
	if levels > 1 {
		for _, childID := range ids {
			if err := t.freeInodeTree(childID, levels-1, fanout); err != nil {
				return err
			}
		}
	} else {
		for _, leafID := range ids {
			t.fragCache.Evict(leafID)
			if err := t.mgr.DeletePage(leafID); err != nil {
				return err
			}
		}
	}
	return t.mgr.DeletePage(id)
}
