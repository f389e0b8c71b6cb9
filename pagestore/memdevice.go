package pagestore

import (
	"sync"

	"github.com/dsnet/golib/memfile"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
)

// MemDevice backs the `baseFile == ""` in-memory mode from spec.md §6.
// It layers the fixed-size page protocol over github.com/dsnet/golib/memfile,
// the same in-memory ReaderAt/WriterAt the teacher's embedding story
// relies on for tests and for embedders who don't want a real file.
type MemDevice struct {
	mu        sync.Mutex
	f         *memfile.File
	pageSize  uint32
	pageCount uint64
	readOnly  bool
}

// NewMemDevice creates an empty in-memory device with the given page size.
func NewMemDevice(pageSize uint32) *MemDevice {
	return &MemDevice{
		f:        memfile.New(nil),
		pageSize: pageSize,
	}
}

func (d *MemDevice) ReadPage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(id) >= d.pageCount {
		return errs.New(errs.KindCorrupt, "pagestore.MemDevice.ReadPage")
	}
	off := int64(id) * int64(d.pageSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.MemDevice.ReadPage", err)
	}
	if uint32(n) != d.pageSize {
		return errs.New(errs.KindIO, "pagestore.MemDevice.ReadPage: short read")
	}
	return nil
}

func (d *MemDevice) WritePage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errs.New(errs.KindReadOnly, "pagestore.MemDevice.WritePage")
	}
	off := int64(id) * int64(d.pageSize)
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.MemDevice.WritePage", err)
	}
	if uint64(id) >= d.pageCount {
		d.pageCount = uint64(id) + 1
	}
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) PageCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageCount
}

func (d *MemDevice) SetPageCount(n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errs.New(errs.KindReadOnly, "pagestore.MemDevice.SetPageCount")
	}
	d.pageCount = n
	return nil
}

func (d *MemDevice) ReadOnly() bool { return d.readOnly }

// SetReadOnly flips the device between mutable and refuse-all-writes.
func (d *MemDevice) SetReadOnly(ro bool) { d.readOnly = ro }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
