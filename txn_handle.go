package ember

import (
	"github.com/emberkv/ember/txn"
	"github.com/google/uuid"
)

// Txn is a Database-scoped handle on a txn.Transaction: it carries a
// diagnostic correlation id (spec.md Domain Stack: "transactions carry
// a uuid for log/diagnostic correlation distinct from their monotonic
// transactionId") and reports completion back to the database's
// reader-version tracking so a checkpoint never frees a redo segment
// an older, still-open transaction might need to roll back against.
type Txn struct {
	*txn.Transaction
	db          *Database
	owner       uint64
	correlation uuid.UUID
}

// Correlation reports this transaction's diagnostic uuid, distinct
// from the lock manager's monotonic owner id.
func (t *Txn) Correlation() uuid.UUID { return t.correlation }

// Commit commits the underlying transaction and releases it from the
// database's open-transaction set.
func (t *Txn) Commit() error {
	defer t.db.end(t.owner)
	return t.Transaction.Commit()
}

// Reset rolls the underlying transaction back and releases it from the
// database's open-transaction set.
func (t *Txn) Reset() error {
	defer t.db.end(t.owner)
	return t.Transaction.Reset()
}
