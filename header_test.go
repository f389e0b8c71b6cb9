package ember

import (
	"testing"

	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/pagestore"
	"github.com/emberkv/ember/wal"
	"github.com/google/uuid"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	want := Header{
		Version:            headerVersion,
		PageSize:           4096,
		CheckpointSequence: 7,
		RedoLogPosition:    wal.Position(12345),
		TransactionIDSeq:   42,
		RegistryRootPageID: page.ID(9),
		PageManagerState: pagemgr.State{
			HighWater:   page.ID(100),
			RegularHead: page.ID(2), RegularTail: page.ID(3),
			RecycleHead: page.ID(4), RecycleTail: page.ID(5),
			ReserveHead: page.ID(6), ReserveTail: page.ID(7),
		},
		SessionID:         uuid.New(),
		CheckpointSegment: 3,
	}

	buf := make([]byte, headerEncodedSize)
	encodeHeader(buf, want)

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader() error = %v", err)
	}
	if got != want {
		t.Fatalf("decodeHeader() = %+v, want %+v", got, want)
	}
}

func TestDecodeHeader_RejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerEncodedSize)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatalf("decodeHeader() error = nil for all-zero buffer, want error")
	}
}

func TestDecodeHeader_RejectsShortBuffer(t *testing.T) {
	if _, err := decodeHeader(make([]byte, 4)); err == nil {
		t.Fatalf("decodeHeader() error = nil for short buffer, want error")
	}
}

func TestReadHeaders_PicksHigherCheckpointSequence(t *testing.T) {
	dev := pagestore.NewMemDevice(4096)
	if err := dev.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}

	older := Header{Version: headerVersion, PageSize: 4096, CheckpointSequence: 1}
	newer := Header{Version: headerVersion, PageSize: 4096, CheckpointSequence: 2}

	bufOlder := make([]byte, 4096)
	encodeHeader(bufOlder, older)
	if err := dev.WritePage(0, bufOlder); err != nil {
		t.Fatalf("WritePage(0) error = %v", err)
	}

	bufNewer := make([]byte, 4096)
	encodeHeader(bufNewer, newer)
	if err := dev.WritePage(1, bufNewer); err != nil {
		t.Fatalf("WritePage(1) error = %v", err)
	}

	hdr, slot, ok := readHeaders(dev, 4096)
	if !ok {
		t.Fatalf("readHeaders() ok = false, want true")
	}
	if slot != 1 {
		t.Fatalf("readHeaders() slot = %d, want 1", slot)
	}
	if hdr.CheckpointSequence != 2 {
		t.Fatalf("readHeaders() CheckpointSequence = %d, want 2", hdr.CheckpointSequence)
	}
}

func TestReadHeaders_FreshFileNotOK(t *testing.T) {
	dev := pagestore.NewMemDevice(4096)
	if err := dev.SetPageCount(2); err != nil {
		t.Fatalf("SetPageCount() error = %v", err)
	}
	if _, _, ok := readHeaders(dev, 4096); ok {
		t.Fatalf("readHeaders() ok = true on a fresh, never-written file")
	}
}
