package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/mvstore/internal/codec"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.mvstore")
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewBuilder(path).WriteDelay(0).Open()
	require.NoError(t, err)
	return s
}

func TestOpenCreatesFreshStore(t *testing.T) {
	s := openTestStore(t, tempStorePath(t))
	defer s.Close()

	require.NotNil(t, s)
	require.GreaterOrEqual(t, s.CurrentVersion(), int64(1))
}

func TestCommitThenReopenPreservesData(t *testing.T) {
	path := tempStorePath(t)

	s := openTestStore(t, path)
	m, err := s.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	_, err = m.Put("1", "Hello")
	require.NoError(t, err)
	_, err = m.Put("2", "World")
	require.NoError(t, err)

	_, err = s.Commit()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	m2, err := reopened.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	v, err := m2.Get("1")
	require.NoError(t, err)
	require.Equal(t, "Hello", v)

	v, err = m2.Get("2")
	require.NoError(t, err)
	require.Equal(t, "World", v)
}

func TestMultipleCommitsAccumulate(t *testing.T) {
	path := tempStorePath(t)

	s := openTestStore(t, path)
	m, err := s.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.Put(string(rune('a'+i)), "v")
		require.NoError(t, err)
		_, err = s.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()
	m2, err := reopened.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	sz, err := m2.Size()
	require.NoError(t, err)
	require.Equal(t, int64(5), sz)
}

func TestRollbackToDiscardsLaterCommits(t *testing.T) {
	path := tempStorePath(t)

	s := openTestStore(t, path)
	m, err := s.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	_, err = m.Put("1", "Hello")
	require.NoError(t, err)
	v1, err := s.Commit()
	require.NoError(t, err)

	_, err = m.Put("1", "World")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	got, err := m.Get("1")
	require.NoError(t, err)
	require.Equal(t, "World", got)

	require.NoError(t, s.RollbackTo(v1))

	got, err = m.Get("1")
	require.NoError(t, err)
	require.Equal(t, "Hello", got)

	require.NoError(t, s.Close())
}

func TestCompactPreservesData(t *testing.T) {
	path := tempStorePath(t)

	s := openTestStore(t, path)
	m, err := s.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := m.Put(string(rune('a'+i%26))+string(rune(i)), "value")
		require.NoError(t, err)
		_, err = s.Commit()
		require.NoError(t, err)
	}

	require.NoError(t, s.Compact(0.9))

	sz, err := m.Size()
	require.NoError(t, err)
	require.Equal(t, int64(20), sz)

	require.NoError(t, s.Close())
}

func TestBackgroundWriterFlushesWithoutExplicitCommit(t *testing.T) {
	path := tempStorePath(t)

	s, err := NewBuilder(path).WriteDelay(0).Open()
	require.NoError(t, err)
	m, err := s.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)
	_, err = m.Put("1", "Hello")
	require.NoError(t, err)

	pos, err := s.writeChunk(true)
	require.NoError(t, err)
	require.Greater(t, pos, int64(0))

	s.CloseImmediately()

	reopened, err := NewBuilder(path).WriteDelay(0).Open()
	require.NoError(t, err)
	defer reopened.Close()

	m2, err := reopened.OpenMap("kv", codec.StringType{}, codec.StringType{})
	require.NoError(t, err)
	_, err = m2.Get("1")
	require.NoError(t, err)
}
