package pagestore

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
)

// FileDevice is the durable Device backing a real baseFile (spec.md
// §6). Reads and writes go through github.com/ncw/directio when the
// configured page size is a multiple of the platform's O_DIRECT
// alignment, so the engine's own cache (C3) is the only page cache in
// play — the OS page cache is bypassed, same rationale the teacher's
// embedding story gives for wanting direct I/O under an external
// buffer pool. Smaller page sizes (which can't satisfy O_DIRECT
// alignment) fall back to a regular *os.File; both paths share the
// same locking and page-bounds logic.
type FileDevice struct {
	mu        sync.Mutex
	file      *os.File
	locked    bool
	direct    bool
	pageSize  uint32
	pageCount uint64
	readOnly  bool
}

// OpenFileDevice opens (creating if absent) path as a page store of the
// given page size. An advisory exclusive file lock is taken so a
// second Open of the same path in this process (or another) fails
// instead of corrupting the file (spec.md §9 "Global state").
func OpenFileDevice(path string, pageSize uint32, readOnly bool) (*FileDevice, error) {
	direct := pageSize%uint32(directio.AlignSize) == 0
	var f *os.File
	var err error
	if readOnly {
		if direct {
			f, err = directio.OpenFile(path, os.O_RDONLY, 0o644)
		} else {
			f, err = os.OpenFile(path, os.O_RDONLY, 0o644)
		}
	} else {
		if direct {
			f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		} else {
			f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "pagestore.OpenFileDevice", err)
	}

	d := &FileDevice{file: f, direct: direct, pageSize: pageSize, readOnly: readOnly}
	if !readOnly {
		if err := d.lockExclusive(); err != nil {
			f.Close()
			return nil, err
		}
	}

	info, err := f.Stat()
	if err != nil {
		d.Close()
		return nil, errs.Wrap(errs.KindIO, "pagestore.OpenFileDevice", err)
	}
	d.pageCount = uint64(info.Size()) / uint64(pageSize)

	return d, nil
}

func (d *FileDevice) alignedBuf() []byte {
	if d.direct {
		return directio.AlignedBlock(int(d.pageSize))
	}
	return make([]byte, d.pageSize)
}

func (d *FileDevice) ReadPage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(id) >= d.pageCount {
		return errs.New(errs.KindCorrupt, "pagestore.FileDevice.ReadPage: page id beyond pageCount")
	}
	tmp := d.alignedBuf()
	if _, err := d.file.ReadAt(tmp, int64(id)*int64(d.pageSize)); err != nil && err != io.EOF {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.ReadPage", err)
	}
	copy(buf, tmp)
	return nil
}

func (d *FileDevice) WritePage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errs.New(errs.KindReadOnly, "pagestore.FileDevice.WritePage")
	}
	tmp := d.alignedBuf()
	copy(tmp, buf)
	if _, err := d.file.WriteAt(tmp, int64(id)*int64(d.pageSize)); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.WritePage", err)
	}
	if uint64(id) >= d.pageCount {
		d.pageCount = uint64(id) + 1
	}
	return nil
}

func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.Sync", err)
	}
	return nil
}

func (d *FileDevice) PageCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageCount
}

func (d *FileDevice) SetPageCount(n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errs.New(errs.KindReadOnly, "pagestore.FileDevice.SetPageCount")
	}
	if err := d.file.Truncate(int64(n) * int64(d.pageSize)); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.SetPageCount", err)
	}
	d.pageCount = n
	return nil
}

func (d *FileDevice) ReadOnly() bool { return d.readOnly }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		d.unlock()
	}
	if err := d.file.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.Close", err)
	}
	return nil
}
