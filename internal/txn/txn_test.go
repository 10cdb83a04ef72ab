package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/codec"
)

// fakeBackend is a minimal in-memory btree.Backend, shared across every
// map a fakeStore opens so versions stay consistent store-wide; it keeps
// no dirty-map state and loads no pages.
type fakeBackend struct {
	version int64
}

func (b *fakeBackend) CurrentVersion() int64    { return b.version }
func (b *fakeBackend) RetainVersion() int64     { return 0 }
func (b *fakeBackend) RegisterDirty(int)        {}
func (b *fakeBackend) OnRemovePage(int64)       {}
func (b *fakeBackend) ReadPage(int, int64) (*btree.Page, error) {
	return nil, nil
}

// fakeStore is a minimal backingStore: maps are created once by name and
// reused, versions never advance past what the test sets directly, and
// Commit just bumps the version counter.
type fakeStore struct {
	backend *fakeBackend
	maps    map[string]*btree.Map
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{backend: &fakeBackend{version: 1}, maps: map[string]*btree.Map{}}
}

func (s *fakeStore) OpenMap(name string, keyType, valueType codec.DataType) (*btree.Map, error) {
	if m, ok := s.maps[name]; ok {
		return m, nil
	}
	s.nextID++
	m := btree.NewMap(s.nextID, name, keyType, valueType, s.backend)
	s.maps[name] = m
	return m, nil
}

func (s *fakeStore) CurrentVersion() int64 { return s.backend.version }

func (s *fakeStore) Commit() (int64, error) {
	s.backend.version++
	return s.backend.version, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	m, err := Open(fs, 0)
	require.NoError(t, err)
	return m, fs
}

func TestTransactionSetGetCommit(t *testing.T) {
	mgr, _ := newTestManager(t)

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)

	require.NoError(t, tm.Set("1", "Hello"))
	v, ok, err := tm.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)

	require.NoError(t, tx.Commit())
	require.Equal(t, StatusClosed, tx.Status())

	tx2 := mgr.Begin()
	tm2, err := tx2.OpenMap("kv")
	require.NoError(t, err)
	v, ok, err = tm2.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)
}

func TestTransactionRollbackUndoesWrites(t *testing.T) {
	mgr, _ := newTestManager(t)

	seed := mgr.Begin()
	tmSeed, err := seed.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tmSeed.Set("1", "Hello"))
	require.NoError(t, seed.Commit())

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tm.Set("1", "World"))
	v, ok, err := tm.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "World", v)

	require.NoError(t, tx.Rollback())
	require.Equal(t, StatusClosed, tx.Status())

	after := mgr.Begin()
	tmAfter, err := after.OpenMap("kv")
	require.NoError(t, err)
	v, ok, err = tmAfter.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)
}

func TestTransactionSavepointRollsBackPartialWork(t *testing.T) {
	mgr, _ := newTestManager(t)

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)

	require.NoError(t, tm.Set("1", "Hello"))
	sp := tx.SetSavepoint()
	require.NoError(t, tm.Set("2", "World"))

	v, ok, err := tm.Get("2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "World", v)

	require.NoError(t, tx.RollbackToSavepoint(sp))

	_, ok, err = tm.Get("2")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = tm.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)
	require.Equal(t, StatusOpen, tx.Status())

	require.NoError(t, tx.Commit())
}

func TestTrySetOnlyIfUnchangedRefusesOwnEarlierWrite(t *testing.T) {
	mgr, _ := newTestManager(t)

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)

	ok, err := tm.TrySet("1", "Hello", true)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-writing a key this same transaction already wrote must be
	// refused when onlyIfUnchanged is requested.
	ok, err = tm.TrySet("1", "World", true)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.Commit())
}

func TestConcurrentTransactionConflictOnSameKey(t *testing.T) {
	mgr, _ := newTestManager(t)

	tx1 := mgr.Begin()
	tm1, err := tx1.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tm1.Set("1", "Hello"))

	tx2 := mgr.Begin()
	tm2, err := tx2.OpenMap("kv")
	require.NoError(t, err)

	ok, err := tm2.TrySet("1", "Other", false)
	require.NoError(t, err)
	require.False(t, ok, "tx2 must not write a key tx1 still has open")

	// tx2 reads nothing yet, since tx1's write hasn't committed.
	_, ok, err = tm2.Get("1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx1.Commit())

	ok, err = tm2.TrySet("1", "Other", false)
	require.NoError(t, err)
	require.True(t, ok, "key is free once tx1 commits")
	require.NoError(t, tx2.Commit())
}

func TestManagerRecoversOpenTransactionsAcrossReopen(t *testing.T) {
	mgr, fs := newTestManager(t)

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tm.Set("1", "Hello"))
	require.NoError(t, tx.Prepare())

	reopened, err := Open(fs, 0)
	require.NoError(t, err)

	recovered := reopened.OpenTransactions()
	require.Len(t, recovered, 1)
	require.Equal(t, tx.ID(), recovered[0].ID())
	require.Equal(t, StatusPrepared, recovered[0].Status())

	require.NoError(t, recovered[0].Commit())

	after := reopened.Begin()
	tmAfter, err := after.OpenMap("kv")
	require.NoError(t, err)
	v, ok, err := tmAfter.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)
}

func TestRemoveTombstonesAndRollbackRestores(t *testing.T) {
	mgr, _ := newTestManager(t)

	seed := mgr.Begin()
	tmSeed, err := seed.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tmSeed.Set("1", "Hello"))
	require.NoError(t, seed.Commit())

	tx := mgr.Begin()
	tm, err := tx.OpenMap("kv")
	require.NoError(t, err)
	require.NoError(t, tm.Remove("1"))

	_, ok, err := tm.Get("1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.Rollback())

	after := mgr.Begin()
	tmAfter, err := after.OpenMap("kv")
	require.NoError(t, err)
	v, ok, err := tmAfter.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", v)
}
