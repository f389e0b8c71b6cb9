//go:build windows

package pagestore

// Windows opens files without FILE_SHARE_WRITE by default through
// os.OpenFile in practice, so a second concurrent Open already fails at
// the OS level; no additional advisory lock is wired here. Mirrors
// sharvitKashikar-FiloDB's filodb_mmap_windows.go split: platform
// differences live in a separate file, not in conditional branches
// inside shared code.
func (d *FileDevice) lockExclusive() error {
	d.locked = true
	return nil
}

func (d *FileDevice) unlock() {
	d.locked = false
}
