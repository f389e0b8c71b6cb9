//go:build !windows

package pagestore

import (
	"golang.org/x/sys/unix"

	"github.com/emberkv/ember/errs"
)

// lockExclusive takes a non-blocking advisory exclusive lock on the
// backing file, so a second Open of the same path in this process (or
// another) is rejected rather than silently corrupting the file
// (spec.md §9 "Global state"). Grounded on
// sharvitKashikar-FiloDB/database/filodb_mmap_unix.go's use of
// golang.org/x/sys/unix for file-level syscalls.
func (d *FileDevice) lockExclusive() error {
	if err := unix.Flock(int(d.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errs.Wrap(errs.KindIO, "pagestore.FileDevice.lockExclusive", err)
	}
	d.locked = true
	return nil
}

func (d *FileDevice) unlock() {
	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	d.locked = false
}
