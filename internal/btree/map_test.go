package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/mvstore/internal/codec"
)

// fakeBackend is an in-memory Backend sufficient for map-level tests: it
// never actually writes pages to disk, so ReadPage is only exercised
// through pages the test wires up itself.
type fakeBackend struct {
	version int64
	dirty   map[int]bool
	pages   map[int64]*Page
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{version: 1, dirty: map[int]bool{}, pages: map[int64]*Page{}}
}

func (b *fakeBackend) CurrentVersion() int64 { return b.version }
func (b *fakeBackend) RetainVersion() int64  { return 0 }
func (b *fakeBackend) RegisterDirty(mapID int) { b.dirty[mapID] = true }
func (b *fakeBackend) OnRemovePage(pos int64)  {}
func (b *fakeBackend) ReadPage(mapID int, pos int64) (*Page, error) {
	p, ok := b.pages[pos]
	if !ok {
		return nil, fmt.Errorf("no such page %d", pos)
	}
	return p, nil
}

func newTestMap(t *testing.T) (*Map, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	m := NewMap(1, "test", codec.StringType{}, codec.StringType{}, backend)
	m.PageSplitSize = 256 // force splits quickly so the split path is exercised
	return m, backend
}

func TestMapPutGet(t *testing.T) {
	m, _ := newTestMap(t)
	old, err := m.Put("b", "2")
	require.NoError(t, err)
	require.Nil(t, old)

	v, err := m.Get("b")
	require.NoError(t, err)
	require.Equal(t, "2", v)

	old, err = m.Put("b", "3")
	require.NoError(t, err)
	require.Equal(t, "2", old)
}

func TestMapRemove(t *testing.T) {
	m, _ := newTestMap(t)
	_, err := m.Put("k", "v")
	require.NoError(t, err)

	old, err := m.Remove("k")
	require.NoError(t, err)
	require.Equal(t, "v", old)

	v, err := m.Get("k")
	require.NoError(t, err)
	require.Nil(t, v)

	old, err = m.Remove("k")
	require.NoError(t, err)
	require.Nil(t, old)
}

func TestMapReplaceCAS(t *testing.T) {
	m, _ := newTestMap(t)
	_, err := m.Put("k", "v1")
	require.NoError(t, err)

	ok, err := m.Replace("k", "wrong", "v2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Replace("k", "v1", "v2")
	require.NoError(t, err)
	require.True(t, ok)

	v, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}

func TestMapPutIfAbsent(t *testing.T) {
	m, _ := newTestMap(t)
	old, err := m.PutIfAbsent("k", "v1")
	require.NoError(t, err)
	require.Nil(t, old)

	old, err = m.PutIfAbsent("k", "v2")
	require.NoError(t, err)
	require.Equal(t, "v1", old)

	v, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

// TestMapSplitAndRankConsistency is the core correctness property from the
// spec: getKey(getKeyIndex(k)) == k for every key, even after the tree has
// split across multiple levels.
func TestMapSplitAndRankConsistency(t *testing.T) {
	m, _ := newTestMap(t)
	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		_, err := m.Put(key, fmt.Sprintf("val-%d", i))
		require.NoError(t, err)
	}

	size, err := m.Size()
	require.NoError(t, err)
	require.EqualValues(t, n, size)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		idx, err := m.GetKeyIndex(key)
		require.NoError(t, err)
		require.GreaterOrEqualf(t, idx, int64(0), "key %s should be found", key)

		got, err := m.GetKey(idx)
		require.NoError(t, err)
		require.Equal(t, key, got)
	}
}

func TestMapGetKeyIndexAbsentIsNegated(t *testing.T) {
	m, _ := newTestMap(t)
	for _, k := range []string{"b", "d", "f"} {
		_, err := m.Put(k, k)
		require.NoError(t, err)
	}

	idx, err := m.GetKeyIndex("c")
	require.NoError(t, err)
	require.Less(t, idx, int64(0))

	insertion := -(idx) - 1
	require.EqualValues(t, 1, insertion) // "c" belongs between "b"(0) and "d"(1)
}

func TestMapNavigation(t *testing.T) {
	m, _ := newTestMap(t)
	for _, k := range []string{"b", "d", "f", "h"} {
		_, err := m.Put(k, k)
		require.NoError(t, err)
	}

	first, err := m.FirstKey()
	require.NoError(t, err)
	require.Equal(t, "b", first)

	last, err := m.LastKey()
	require.NoError(t, err)
	require.Equal(t, "h", last)

	ceil, err := m.CeilingKey("c")
	require.NoError(t, err)
	require.Equal(t, "d", ceil)

	floor, err := m.FloorKey("c")
	require.NoError(t, err)
	require.Equal(t, "b", floor)

	higher, err := m.HigherKey("d")
	require.NoError(t, err)
	require.Equal(t, "f", higher)

	lower, err := m.LowerKey("d")
	require.NoError(t, err)
	require.Equal(t, "b", lower)

	ceilExact, err := m.CeilingKey("d")
	require.NoError(t, err)
	require.Equal(t, "d", ceilExact)

	none, err := m.HigherKey("h")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestMapOpenVersionSnapshotIsolation(t *testing.T) {
	m, backend := newTestMap(t)
	_, err := m.Put("k", "v1")
	require.NoError(t, err)
	v1 := backend.version

	backend.version++
	_, err = m.Put("k", "v2")
	require.NoError(t, err)

	cur, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", cur)

	snap, err := m.OpenVersion(v1)
	require.NoError(t, err)
	old, err := snap.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v1", old)
}

func TestMapKeyIteratorOrderAndSkip(t *testing.T) {
	m, _ := newTestMap(t)
	const n = 200
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%04d", i)
		_, err := m.Put(key, key)
		require.NoError(t, err)
	}

	it, err := NewKeyIterator(m, nil)
	require.NoError(t, err)
	count := 0
	var prev string
	for it.HasNext() {
		k, _, err := it.Next()
		require.NoError(t, err)
		ks := k.(string)
		if count > 0 {
			require.Less(t, prev, ks)
		}
		prev = ks
		count++
	}
	require.Equal(t, n, count)

	it2, err := NewKeyIterator(m, nil)
	require.NoError(t, err)
	require.NoError(t, it2.Skip(10))
	k, _, err := it2.Next()
	require.NoError(t, err)
	require.Equal(t, "k-0010", k)
}

func TestMapRemoveCollapsesAcrossSplits(t *testing.T) {
	m, _ := newTestMap(t)
	const n = 300
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("r-%04d", i)
		keys = append(keys, key)
		_, err := m.Put(key, key)
		require.NoError(t, err)
	}

	for _, k := range keys {
		_, err := m.Remove(k)
		require.NoError(t, err)
	}

	size, err := m.Size()
	require.NoError(t, err)
	require.EqualValues(t, 0, size)

	first, err := m.FirstKey()
	require.NoError(t, err)
	require.Nil(t, first)
}
