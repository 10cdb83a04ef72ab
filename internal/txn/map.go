package txn

import (
	"time"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/mverr"
)

// TransactionMap is a transaction's view of one underlying store map
// (spec.md §4.8's TransactionMap). Every row in the underlying map holds
// a (txId, logId, value) triple rather than a bare value; Get resolves
// that triple against the reader's own transaction and every other
// transaction's open/closed status to decide what is visible.
type TransactionMap struct {
	mapName    string
	underlying *btree.Map
	tx         *Transaction
	mgr        *Manager
}

// Get returns the value currently visible to tx for key, or ok=false if
// the key is absent (or has been tombstoned).
func (tm *TransactionMap) Get(key string) (string, bool, error) {
	raw, err := tm.underlying.Get(key)
	if err != nil {
		return "", false, mverr.New(mverr.Internal, "txn.Get", err)
	}
	if raw == nil {
		return "", false, nil
	}
	triple := raw.([3]any)
	txID, logID, val := triple[0].(int64), triple[1].(int64), triple[2]

	if txID == tm.tx.id || !tm.mgr.isOpen(txID) {
		if val == nil {
			return "", false, nil
		}
		return val.(string), true, nil
	}

	// Another transaction holds this key open; read committed visibility
	// (spec.md §4.8) means we see the value as it stood immediately
	// before that transaction's write.
	old, err := tm.mgr.oldValueOf(txID, logID, tm.mapName, key)
	if err != nil {
		return "", false, mverr.New(mverr.Internal, "txn.Get", err)
	}
	if old == nil {
		return "", false, nil
	}
	return *old, true, nil
}

// TrySet attempts to write key=value once, without retrying. It returns
// false (no error) on a conflict — onlyIfUnchanged true additionally
// refuses the write if this same transaction already wrote key earlier
// (the row's current triple already carries tm.tx.id), since that means
// the value has changed since the transaction's read baseline; false
// allows any prior state as long as no other OPEN transaction currently
// owns the key (spec.md §4.8's conflict rule: a key can be written by at
// most one open transaction at a time).
func (tm *TransactionMap) TrySet(key, value string, onlyIfUnchanged bool) (bool, error) {
	raw, err := tm.underlying.Get(key)
	if err != nil {
		return false, mverr.New(mverr.Internal, "txn.TrySet", err)
	}

	if onlyIfUnchanged && raw != nil {
		if triple := raw.([3]any); triple[0].(int64) == tm.tx.id && triple[1].(int64) > 0 {
			return false, nil
		}
	}

	var oldExists bool
	var oldTxID, oldLogID int64
	var oldVal *string

	if raw != nil {
		triple := raw.([3]any)
		ownerTx, ownerLog, ownerVal := triple[0].(int64), triple[1].(int64), triple[2]
		if ownerTx != tm.tx.id && tm.mgr.isOpen(ownerTx) {
			return false, nil // another open transaction owns this row
		}
		oldExists = true
		oldTxID, oldLogID = ownerTx, ownerLog
		if ownerVal != nil {
			s := ownerVal.(string)
			oldVal = &s
		}
	}

	logID := tm.tx.nextLogID()
	newTriple := [3]any{tm.tx.id, logID, any(value)}

	var putErr error
	if raw == nil {
		_, putErr = tm.underlying.PutIfAbsent(key, newTriple)
	} else {
		var ok bool
		ok, putErr = tm.underlying.Replace(key, raw, newTriple)
		if putErr == nil && !ok {
			return false, nil // lost a race with a concurrent writer
		}
	}
	if putErr != nil {
		return false, mverr.New(mverr.Internal, "txn.TrySet", putErr)
	}

	tm.mgr.appendUndo(tm.tx.id, logID, &undoEntry{
		op:        opPut,
		mapName:   tm.mapName,
		key:       key,
		oldExists: oldExists,
		oldTxID:   oldTxID,
		oldLogID:  oldLogID,
		oldValue:  oldVal,
	})
	return true, nil
}

// TryRemove is TrySet's tombstone counterpart: it records a nil value
// rather than deleting the underlying row outright, so rollback can
// still restore whatever the row held before.
func (tm *TransactionMap) TryRemove(key string) (bool, error) {
	raw, err := tm.underlying.Get(key)
	if err != nil {
		return false, mverr.New(mverr.Internal, "txn.TryRemove", err)
	}
	if raw == nil {
		return true, nil
	}
	triple := raw.([3]any)
	ownerTx, ownerLog, ownerVal := triple[0].(int64), triple[1].(int64), triple[2]
	if ownerTx != tm.tx.id && tm.mgr.isOpen(ownerTx) {
		return false, nil
	}

	logID := tm.tx.nextLogID()
	newTriple := [3]any{tm.tx.id, logID, any(nil)}
	ok, err := tm.underlying.Replace(key, raw, newTriple)
	if err != nil {
		return false, mverr.New(mverr.Internal, "txn.TryRemove", err)
	}
	if !ok {
		return false, nil
	}

	var oldVal *string
	if ownerVal != nil {
		s := ownerVal.(string)
		oldVal = &s
	}
	tm.mgr.appendUndo(tm.tx.id, logID, &undoEntry{
		op:        opRemove,
		mapName:   tm.mapName,
		key:       key,
		oldExists: true,
		oldTxID:   ownerTx,
		oldLogID:  ownerLog,
		oldValue:  oldVal,
	})
	return true, nil
}

// Set is TrySet(key, value, false) with bounded retry: spec.md §4.8's
// set operation blocks while another transaction owns the key, up to
// lockTimeout, before reporting a LockTimeout error.
func (tm *TransactionMap) Set(key, value string) error {
	return tm.retry(func() (bool, error) { return tm.TrySet(key, value, false) }, key)
}

// Remove is the tombstoning counterpart of Set.
func (tm *TransactionMap) Remove(key string) error {
	return tm.retry(func() (bool, error) { return tm.TryRemove(key) }, key)
}

func (tm *TransactionMap) retry(attempt func() (bool, error), key string) error {
	deadline := time.Now().Add(tm.mgr.lockTimeout)
	for {
		ok, err := attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return conflictError(key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
