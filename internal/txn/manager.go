package txn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/codec"
	"github.com/cuemby/mvstore/internal/log"
	"github.com/cuemby/mvstore/internal/mverr"
)

// DefaultLockTimeout is used when Open is called without an explicit
// timeout (spec.md §6's lockTimeout setting).
const DefaultLockTimeout = 2 * time.Second

// backingStore is the subset of *store.Store the transaction layer needs.
// Declared here (rather than importing internal/store's concrete type
// directly into every signature) so txn_test.go can exercise Manager
// against a lighter fake; internal/store.Store satisfies it as-is.
type backingStore interface {
	OpenMap(name string, keyType, valueType codec.DataType) (*btree.Map, error)
	CurrentVersion() int64
	Commit() (int64, error)
}

const (
	openTransactionsMapName = "openTransactions"
	undoLogMapName          = "undoLog"
)

// Manager is the store-wide transaction coordinator (spec.md §4.8):
// it assigns transaction ids, persists which transactions are open or
// prepared so two-phase commits survive a close/reopen (Scenario B), and
// owns the shared undo log every Transaction's writes append to.
type Manager struct {
	mu sync.Mutex

	store     backingStore
	openTxMap *btree.Map // openTransactionsMapName: txID -> status/start/log/name
	undoMap   *btree.Map // undoLogMapName: (txID,logID) -> undoEntry

	lastTxID    int64
	open        map[int64]*Transaction
	lockTimeout time.Duration
}

// Open constructs a Manager over s, reconstructing any transactions left
// OPEN or PREPARED by a previous process (spec.md Scenario B). A
// lockTimeout <= 0 selects DefaultLockTimeout.
func Open(s backingStore, lockTimeout time.Duration) (*Manager, error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	openTxMap, err := s.OpenMap(openTransactionsMapName, txIDKeyType{}, codec.StringType{})
	if err != nil {
		return nil, mverr.New(mverr.Internal, "txn.Open", err)
	}
	undoMap, err := s.OpenMap(undoLogMapName, undoKeyType{}, undoEntryType{})
	if err != nil {
		return nil, mverr.New(mverr.Internal, "txn.Open", err)
	}

	m := &Manager{
		store:       s,
		openTxMap:   openTxMap,
		undoMap:     undoMap,
		open:        map[int64]*Transaction{},
		lockTimeout: lockTimeout,
	}

	it, err := btree.NewKeyIterator(openTxMap, nil)
	if err != nil {
		return nil, mverr.New(mverr.Internal, "txn.Open", err)
	}
	for it.HasNext() {
		k, v, err := it.Next()
		if err != nil {
			return nil, mverr.New(mverr.Internal, "txn.Open", err)
		}
		id := k.(int64)
		h, err := codec.DecodeInline(v.(string))
		if err != nil {
			return nil, mverr.New(mverr.FileCorrupt, "txn.Open", err)
		}
		startVersion, _ := h.Int("start")
		logID, _ := h.Int("log")
		statusV, _ := h.Int("status")
		tx := &Transaction{
			id:           id,
			mgr:          m,
			startVersion: startVersion,
			logID:        logID,
			status:       Status(statusV),
			name:         h["name"],
		}
		m.open[id] = tx
		if id >= m.lastTxID {
			m.lastTxID = id + 1
		}
		log.WithComponent("txn").Info().Int64("tx", id).Str("status", tx.status.String()).
			Msg("recovered open transaction")
	}
	return m, nil
}

// Begin starts a new transaction at the store's current version.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	id := m.lastTxID
	m.lastTxID++
	m.mu.Unlock()

	return &Transaction{
		id:           id,
		mgr:          m,
		startVersion: m.store.CurrentVersion(),
		status:       StatusOpen,
	}
}

// OpenTransactions lists every transaction currently OPEN or PREPARED,
// ordered by id — what a reopened store must expose for Scenario B.
func (m *Manager) OpenTransactions() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.open))
	for _, tx := range m.open {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OpenTransactionCount returns how many transactions are currently OPEN
// or PREPARED, for storemetrics.Snapshot.
func (m *Manager) OpenTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Manager) isOpen(txID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.open[txID]
	return ok && tx.status != StatusClosed
}

// persist writes tx's current status/logId into the durable
// openTransactions map, satisfying spec.md §3's invariant that an entry
// exists iff the transaction has written at least one log entry.
func (m *Manager) persist(tx *Transaction) {
	m.mu.Lock()
	m.open[tx.id] = tx
	m.mu.Unlock()

	h := codec.Header{}
	h.SetInt("status", int64(tx.status))
	h.SetInt("start", tx.startVersion)
	h.SetInt("log", tx.logID)
	h["name"] = tx.name
	_, _ = m.openTxMap.Put(tx.id, h.Inline())
}

func (m *Manager) forget(tx *Transaction) {
	m.mu.Lock()
	delete(m.open, tx.id)
	m.mu.Unlock()
	_, _ = m.openTxMap.Remove(tx.id)
}

func (m *Manager) appendUndo(txID, logID int64, e *undoEntry) {
	_, _ = m.undoMap.Put([2]int64{txID, logID}, e)
}

func (m *Manager) undoEntry(txID, logID int64) (*undoEntry, error) {
	v, err := m.undoMap.Get([2]int64{txID, logID})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*undoEntry), nil
}

func (m *Manager) removeUndo(txID, logID int64) {
	_, _ = m.undoMap.Remove([2]int64{txID, logID})
}

// oldValueOf reconstructs the value a reader must see for key when the
// row's current triple belongs to a still-open transaction other than
// the reader's own: whatever the undo log recorded as the triple's value
// immediately before that transaction first wrote it. Because the
// conflict rule in TrySet refuses a second open writer on the same key,
// the only in-flight "before" values are the same transaction's own
// earlier writes, so the walk back follows undo entries only while they
// still name txID.
func (m *Manager) oldValueOf(txID, logID int64, mapName, key string) (*string, error) {
	e, err := m.undoEntry(txID, logID)
	for err == nil && e != nil && e.oldExists && e.oldTxID == txID {
		e, err = m.undoEntry(txID, e.oldLogID)
	}
	if err != nil || e == nil || e.mapName != mapName || e.key != key {
		return nil, err
	}
	if !e.oldExists {
		return nil, nil
	}
	return e.oldValue, nil
}

func (m *Manager) underlyingMap(name string) (*btree.Map, error) {
	return m.store.OpenMap(name, codec.StringType{}, tripleType{})
}

func conflictError(key string) error {
	return mverr.New(mverr.LockTimeout, "txn.set", fmt.Errorf("lock timeout on key %q", key))
}
