// Package ember is the engine façade (spec.md §6): Options, Database,
// the named-index registry, and Open/Close. It wires C1-C8
// (pagestore, pagemgr, cache, latch, lockmgr, wal, tree, txn) into one
// embeddable key-value store.
//
// Grounded on the teacher's own top-level surface (bltree.go's
// NewBLTree constructor and bufmgr.go's NewBufMgr), generalized from a
// single fixed-shape constructor into a configuration object plus an
// Open/Close lifecycle, since the teacher has no durability,
// checkpoint, or multi-index concerns of its own to configure.
package ember

import (
	"time"

	"github.com/emberkv/ember/lockmgr"
	"github.com/emberkv/ember/wal"
)

// Options configures a Database, covering every row of the engine's
// documented configuration table. There is no builder or flag binding
// here; those belong to a CLI layer this package does not provide.
type Options struct {
	// PageSize is the physical page size, fixed for the life of the
	// store. Open uses the value as given; it does not read the page
	// size from an existing file's header.
	PageSize uint32

	// MinCacheSize / MaxCacheSize bound each index's node cache. The
	// engine currently gives every index cache MaxCacheSize frames
	// outright rather than growing between the two; Min is kept for
	// parity with the documented option and reserved for a future
	// adaptive policy.
	MinCacheSize int
	MaxCacheSize int

	// DurabilityMode is the default redo durability for transactions
	// that don't request an override.
	DurabilityMode wal.DurabilityMode

	// LockTimeout is the default lock wait for transactions that don't
	// request an override. Negative means wait forever; zero means
	// don't wait at all.
	LockTimeout time.Duration

	// LockUpgradeRule governs shared-to-upgradable upgrade legality
	// across the whole lock table.
	LockUpgradeRule lockmgr.UpgradeRule

	// CheckpointRate is the target interval between automatic
	// checkpoints, driving the cron schedule. Zero disables the
	// automatic scheduler; callers may still call Checkpoint directly.
	CheckpointRate time.Duration
	// CheckpointSizeThreshold is the redo bytes written since the last
	// checkpoint that triggers an automatic checkpoint early.
	CheckpointSizeThreshold int64
	// CheckpointDelayThreshold is a wall-clock cap that forces a
	// checkpoint even if CheckpointSizeThreshold hasn't been reached.
	CheckpointDelayThreshold time.Duration

	// ReadOnly refuses all mutation; opening the file itself is still
	// allowed.
	ReadOnly bool

	// BaseFile is the backing data file path. Empty means run
	// in-memory (pagestore.MemDevice), matching the
	// baseFile == nil rule.
	BaseFile string
	// DataFiles names additional striped data files. Unused by the
	// current single-file pagestore.FileDevice; reserved for the
	// documented option.
	DataFiles []string

	// Listener receives checkpoint/recovery/compaction milestones. A
	// nil Listener is replaced by noopListener at Open.
	Listener EventListener
}

// DefaultOptions returns the engine's documented defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:                 4096,
		MinCacheSize:             64,
		MaxCacheSize:             256,
		DurabilityMode:           wal.Sync,
		LockTimeout:              5 * time.Second,
		LockUpgradeRule:          lockmgr.RuleStrict,
		CheckpointRate:           30 * time.Second,
		CheckpointSizeThreshold:  4 << 20,
		CheckpointDelayThreshold: 5 * time.Minute,
	}
}
