package pagestore

import (
	"bytes"
	"testing"

	"github.com/emberkv/ember/page"
)

func TestMemDevice_WriteReadRoundTrip(t *testing.T) {
	d := NewMemDevice(4096)
	buf := bytes.Repeat([]byte{0xAB}, 4096)
	if err := d.WritePage(3, buf); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}
	if got := d.PageCount(); got != 4 {
		t.Errorf("PageCount() = %d, want 4", got)
	}

	out := make([]byte, 4096)
	if err := d.ReadPage(3, out); err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	if !bytes.Equal(out, buf) {
		t.Errorf("ReadPage() did not round-trip WritePage()")
	}
}

func TestMemDevice_ReadBeyondPageCount(t *testing.T) {
	d := NewMemDevice(4096)
	if err := d.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	buf := make([]byte, 4096)
	if err := d.ReadPage(page.ID(5), buf); err == nil {
		t.Errorf("ReadPage() error = nil, want an error for out-of-range page")
	}
}

func TestMemDevice_ReadOnlyRejectsWrite(t *testing.T) {
	d := NewMemDevice(4096)
	d.SetReadOnly(true)
	if err := d.WritePage(0, make([]byte, 4096)); err == nil {
		t.Errorf("WritePage() error = nil on read-only device, want error")
	}
}
