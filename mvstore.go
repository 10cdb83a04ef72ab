/*
Package mvstore is the module's only public surface: a persistent,
log-structured, multi-version key-value store built as a forest of
copy-on-write B-trees sharing one append-only file, plus an MVCC
transaction layer on top. Everything under internal/ is an implementation
detail reachable only through this facade and cmd/mvstore.
*/
package mvstore

import (
	"time"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/codec"
	"github.com/cuemby/mvstore/internal/store"
	"github.com/cuemby/mvstore/internal/storemetrics"
	"github.com/cuemby/mvstore/internal/txn"
)

// DataType re-exports internal/codec's pluggable key/value type system so
// callers never need to import an internal package directly.
type DataType = codec.DataType

var (
	// StringType encodes values as length-prefixed UTF-8.
	StringType = codec.StringType{}
	// ByteArrayType encodes values as length-prefixed raw bytes.
	ByteArrayType = codec.ByteArrayType{}
)

// Map is a snapshot-isolated, copy-on-write B-tree map opened from a
// Store (spec.md §4.4).
type Map = btree.Map

// Transaction is one MVCC unit of work opened from a Store (spec.md
// §4.8).
type Transaction = txn.Transaction

// TransactionMap is a Transaction's view of one underlying Map.
type TransactionMap = txn.TransactionMap

// Store is a persistent, log-structured, multi-version key-value store.
// It wraps internal/store.Store (the chunk/commit engine) and
// internal/txn.Manager (the MVCC layer) behind one handle.
type Store struct {
	s   *store.Store
	txm *txn.Manager
}

// Open opens or creates the store described by b.
func Open(b *Builder) (*Store, error) {
	s, err := store.Open(b.inner)
	if err != nil {
		return nil, err
	}
	txm, err := txn.Open(s, b.lockTimeout)
	if err != nil {
		s.CloseImmediately()
		return nil, err
	}
	return &Store{s: s, txm: txm}, nil
}

// OpenMap opens (creating if necessary) a plain, non-transactional map
// with the given key and value types.
func (db *Store) OpenMap(name string, keyType, valueType DataType) (*Map, error) {
	return db.s.OpenMap(name, keyType, valueType)
}

// Begin starts a new transaction (spec.md §4.8's begin).
func (db *Store) Begin() *Transaction {
	return db.txm.Begin()
}

// OpenTransactions lists every transaction currently OPEN or PREPARED
// that has written at least one entry, ordered by id: after a reopen this
// includes those left by a previous process, for an application
// recovering after a crash (spec.md Scenario B).
func (db *Store) OpenTransactions() []*Transaction {
	return db.txm.OpenTransactions()
}

// Commit flushes every dirty map's current root into a new chunk and
// advances the store's version (spec.md §4.5).
func (db *Store) Commit() (int64, error) {
	return db.s.Commit()
}

// CurrentVersion returns the store's current (possibly uncommitted)
// version.
func (db *Store) CurrentVersion() int64 {
	return db.s.CurrentVersion()
}

// ChunkCount returns the number of chunks currently referenced by the
// store.
func (db *Store) ChunkCount() int {
	return db.s.ChunkCount()
}

// CacheHitRatio returns the page cache's hit ratio since open.
func (db *Store) CacheHitRatio() float64 {
	return db.s.CacheHitRatio()
}

// IncrementVersion advances the current version without committing
// (spec.md Scenario A's incrementVersion).
func (db *Store) IncrementVersion() int64 {
	return db.s.IncrementVersion()
}

// RollbackTo discards every commit after version v (spec.md §4.5's
// rollbackTo).
func (db *Store) RollbackTo(v int64) error {
	return db.s.RollbackTo(v)
}

// Compact reclaims space from chunks whose live-data fill rate is below
// targetFillRate (spec.md §4.6).
func (db *Store) Compact(targetFillRate float64) error {
	return db.s.Compact(targetFillRate)
}

// Close commits any unsaved changes and releases the underlying file.
func (db *Store) Close() error {
	return db.s.Close()
}

// CloseImmediately closes the store without a final commit (spec.md
// §7's closeImmediately).
func (db *Store) CloseImmediately() {
	db.s.CloseImmediately()
}

// snapshot adapts a Store to storemetrics.Snapshot without
// internal/storemetrics importing internal/store or internal/txn.
type snapshot struct{ db *Store }

func (v snapshot) ChunkCount() int              { return v.db.s.ChunkCount() }
func (v snapshot) CacheHitRatio() float64       { return v.db.s.CacheHitRatio() }
func (v snapshot) CurrentVersion() int64        { return v.db.s.CurrentVersion() }
func (v snapshot) OpenTransactionCount() int    { return v.db.txm.OpenTransactionCount() }

// Metrics starts a storemetrics.Collector sampling this store every
// period (period <= 0 selects the collector's default).
func (db *Store) Metrics(period time.Duration) *storemetrics.Collector {
	c := storemetrics.NewCollector(snapshot{db: db}, period)
	c.Start()
	return c
}
