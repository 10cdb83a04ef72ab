package txn

import (
	"sync"

	"github.com/cuemby/mvstore/internal/mverr"
)

// Transaction is one MVCC unit of work (spec.md §4.8). logID is the
// transaction's own write sequence counter: every Set/Remove through a
// TransactionMap consumes the next logID and appends one undo entry
// under it, so RollbackToSavepoint(sp) just has to replay every undo
// entry with logID > sp in reverse order.
type Transaction struct {
	mu sync.Mutex

	id           int64
	mgr          *Manager
	startVersion int64
	logID        int64
	status       Status
	name         string
}

// ID returns the transaction's id, stable across Manager reopen.
func (t *Transaction) ID() int64 { return t.id }

// Status reports whether the transaction is OPEN, PREPARED, or CLOSED.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetName attaches a human-readable label, persisted alongside the
// transaction so an operator inspecting a reopened store can tell
// what a recovered OPEN/PREPARED entry was for.
func (t *Transaction) SetName(name string) {
	t.mu.Lock()
	t.name = name
	dirty := t.logID > 0
	t.mu.Unlock()
	if dirty {
		t.mgr.persist(t)
	}
}

// nextLogID reserves the next undo-log slot and ensures the transaction
// has a durable openTransactions entry (spec.md §3's "entry exists iff
// the transaction has written at least one log entry").
func (t *Transaction) nextLogID() int64 {
	t.mu.Lock()
	first := t.logID == 0
	t.logID++
	id := t.logID
	t.mu.Unlock()
	if first {
		t.mgr.persist(t)
	}
	return id
}

// OpenMap opens (or creates) a transaction-aware view of the named map.
// Every TransactionMap obtained from the same Transaction shares its
// undo log, so a rollback undoes writes across all of them together.
func (t *Transaction) OpenMap(name string) (*TransactionMap, error) {
	underlying, err := t.mgr.underlyingMap(name)
	if err != nil {
		return nil, err
	}
	return &TransactionMap{mapName: name, underlying: underlying, tx: t, mgr: t.mgr}, nil
}

// Prepare moves the transaction to PREPARED, the durable point past
// which a crash-and-reopen must still be able to Commit or Rollback it
// (spec.md Scenario B's two-phase commit).
func (t *Transaction) Prepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusOpen {
		return mverr.New(mverr.Closed, "txn.Prepare", nil)
	}
	t.status = StatusPrepared
	t.mgr.persist(t)
	if _, err := t.mgr.store.Commit(); err != nil {
		return err
	}
	return nil
}

// Commit makes every write performed through this transaction visible
// to new readers and discards its undo log. Every REMOVE it performed
// left a tombstone triple behind for rollback's sake; once the
// transaction is committing for good, any row still holding one of its
// own tombstones is deleted outright (spec.md §4.8) rather than kept
// around as dead weight for every future size traversal.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.status == StatusClosed {
		t.mu.Unlock()
		return nil
	}
	logID := t.logID
	t.status = StatusClosed
	t.mu.Unlock()

	for i := logID; i >= 1; i-- {
		e, err := t.mgr.undoEntry(t.id, i)
		if err == nil && e != nil && e.op == opRemove {
			t.cleanupTombstone(e)
		}
		t.mgr.removeUndo(t.id, i)
	}
	t.mgr.forget(t)
	return nil
}

// cleanupTombstone deletes e's row from its underlying map if it still
// holds the tombstone this transaction wrote — i.e. nothing committed
// after it overwrote the key.
func (t *Transaction) cleanupTombstone(e *undoEntry) {
	um, err := t.mgr.underlyingMap(e.mapName)
	if err != nil {
		return
	}
	raw, err := um.Get(e.key)
	if err != nil || raw == nil {
		return
	}
	triple := raw.([3]any)
	if triple[0].(int64) == t.id && triple[2] == nil {
		_, _ = um.Remove(e.key)
	}
}

// Rollback undoes every write the transaction made and discards it.
func (t *Transaction) Rollback() error {
	if err := t.RollbackToSavepoint(0); err != nil {
		return err
	}
	t.mu.Lock()
	t.status = StatusClosed
	t.mu.Unlock()
	return nil
}

// SetSavepoint marks the transaction's current logID so a later
// RollbackToSavepoint can undo everything written since.
func (t *Transaction) SetSavepoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logID
}

// RollbackToSavepoint undoes every write since sp, in reverse order,
// restoring each touched key to the value its undo entry recorded.
// sp==0 undoes the whole transaction but leaves it OPEN for reuse
// unless the caller follows up with Commit/Rollback-to-close; Rollback
// itself calls this and then closes the transaction.
func (t *Transaction) RollbackToSavepoint(sp int64) error {
	t.mu.Lock()
	cur := t.logID
	t.mu.Unlock()

	for i := cur; i > sp; i-- {
		e, err := t.mgr.undoEntry(t.id, i)
		if err != nil {
			return mverr.New(mverr.Internal, "txn.RollbackToSavepoint", err)
		}
		if e == nil {
			continue
		}
		um, err := t.mgr.underlyingMap(e.mapName)
		if err != nil {
			return err
		}
		if !e.oldExists {
			if _, err := um.Remove(e.key); err != nil {
				return mverr.New(mverr.Internal, "txn.RollbackToSavepoint", err)
			}
		} else {
			triple := [3]any{e.oldTxID, e.oldLogID, valueOf(e.oldValue)}
			if _, err := um.Put(e.key, triple); err != nil {
				return mverr.New(mverr.Internal, "txn.RollbackToSavepoint", err)
			}
		}
		t.mgr.removeUndo(t.id, i)
	}

	t.mu.Lock()
	t.logID = sp
	t.mu.Unlock()

	if sp == 0 {
		t.mgr.forget(t)
	} else {
		t.mgr.persist(t)
	}
	return nil
}

func valueOf(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

