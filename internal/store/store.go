/*
Package store implements the chunk/commit engine described in spec.md
§4.5–§4.7: it serializes committed B-tree snapshots into self-describing,
page-aligned chunks on a single append-oriented file, maintains a
distinguished meta map (id 0) indexing every other map's root and the
chunk table, reclaims dead chunk space once its retention time has
elapsed, and runs a background writer that flushes unsaved changes
without waiting for an explicit commit.

This mirrors the teacher's pkg/storage in spirit — a B-tree-backed,
ACID, snapshot-isolated engine behind a small surface — generalized from
a single embedded bbolt handle into the full multi-map, versioned,
compacting chunk store spec.md describes.
*/
package store

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/codec"
	"github.com/cuemby/mvstore/internal/log"
	"github.com/cuemby/mvstore/internal/mverr"
	"github.com/cuemby/mvstore/internal/pagecache"
	"github.com/cuemby/mvstore/internal/pagefile"
)

// Defaults from spec.md §6.
const (
	DefaultPageSplitSize    = 6 * 1024
	DefaultCacheSizeBytes   = 16 * 1024 * 1024
	DefaultWriteDelay       = 1000 * time.Millisecond
	DefaultRetentionTime    = 45000 * time.Millisecond
	MaxUnsavedPages         = 4096
	defaultWriteBufferBytes = 4 * 1024 * 1024
)

// Store is a persistent, log-structured, multi-version key-value store:
// a forest of copy-on-write B-tree maps sharing one append-oriented file.
type Store struct {
	mu sync.Mutex

	file       *pagefile.File
	cache      *pagecache.Cache
	compressor Compressor
	readOnly   bool

	sessionID uuid.UUID

	backend *backend

	maps       map[int]*btree.Map
	mapsByName map[string]int
	metaMap    *btree.Map
	dirtyMaps  map[int]bool

	chunks         map[int64]*chunk
	lastChunkID    int64
	lastMapID      int64
	rootChunkStart int64
	creationTime   int64

	currentVersion       int64
	lastStoredVersion    int64
	lastCommittedVersion int64
	retainVersion        int64

	pageSplitSize     int
	retentionTime     time.Duration
	writeDelay        time.Duration
	writeBufferBytes  int
	reuseSpace        bool
	backgroundHandler func(error)

	freeSpace *freeSpaceTracker
	commitSF  singleflight.Group

	unsavedPages int
	unsavedBytes int64

	writerStop chan struct{}
	writerDone chan struct{}

	closed    bool
	closeOnce sync.Once
}

// Open opens or creates a store per the Builder's configuration.
func Open(b *Builder) (*Store, error) {
	key := b.encryptionKeyBytes()
	f, err := pagefile.Open(b.fileName, b.readOnly, key)
	if err != nil {
		return nil, err
	}

	cacheBytes := b.cacheSizeMB * 1024 * 1024
	if cacheBytes == 0 {
		cacheBytes = DefaultCacheSizeBytes
	}

	s := &Store{
		file:              f,
		cache:             pagecache.New(cacheBytes),
		readOnly:          b.readOnly,
		sessionID:         uuid.New(),
		maps:              map[int]*btree.Map{},
		mapsByName:        map[string]int{},
		dirtyMaps:         map[int]bool{},
		chunks:            map[int64]*chunk{},
		pageSplitSize:      orDefault(b.pageSplitSize, DefaultPageSplitSize),
		retentionTime:     DefaultRetentionTime,
		writeDelay:        b.writeDelay,
		writeBufferBytes:  orDefault(b.writeBufferSizeMB*1024*1024, defaultWriteBufferBytes),
		reuseSpace:        true,
		backgroundHandler: b.backgroundExceptionHandler,
		freeSpace:         newFreeSpaceTracker(),
	}
	if b.compressData {
		s.compressor = NewFlateCompressor()
	}
	s.backend = &backend{s: s}

	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}

	if s.writeDelay > 0 && !s.readOnly {
		s.startBackgroundWriter()
	}

	log.WithComponent("store").Info().
		Str("session", s.sessionID.String()).
		Int64("version", s.currentVersion).
		Msg("store opened")
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Store) currentVersionLocked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersion
}

func (s *Store) retainVersionLocked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retainVersion
}

func (s *Store) chunkFor(id int64) (*chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	return c, ok
}

// IncrementVersion advances currentVersion without performing a commit,
// so subsequent mutations are stamped at a strictly newer version
// (spec.md Scenario A's `incrementVersion`).
func (s *Store) IncrementVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentVersion++
	return s.currentVersion
}

// CurrentVersion returns the store's current (possibly uncommitted)
// version.
func (s *Store) CurrentVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersion
}

// ChunkCount returns the number of chunks currently referenced by the
// store, for storemetrics.Snapshot.
func (s *Store) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// CacheHitRatio returns the page cache's hit ratio accumulated since
// open, for storemetrics.Snapshot.
func (s *Store) CacheHitRatio() float64 {
	stats := s.cache.Stats()
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0
	}
	return float64(stats.Hits) / float64(total)
}

// OpenMap opens (creating if necessary) the named map with the given key
// and value types.
func (s *Store) OpenMap(name string, keyType, valueType codec.DataType) (*btree.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openMapLocked(name, keyType, valueType)
}

func (s *Store) openMapLocked(name string, keyType, valueType codec.DataType) (*btree.Map, error) {
	if id, ok := s.mapsByName[name]; ok {
		return s.maps[id], nil
	}

	nameKey := metaNameKey(name)
	var id int
	if v, err := s.metaGetLocked(nameKey); err == nil && v != "" {
		fmt.Sscanf(v, "%d", &id)
	} else {
		s.lastMapID++
		id = int(s.lastMapID)
		s.metaPutLocked(nameKey, fmt.Sprintf("%d", id))
		s.metaPutLocked(metaMapKey(id), name)
	}

	m := btree.NewMap(id, name, keyType, valueType, s.backend)
	m.PageSplitSize = s.pageSplitSize

	if rootKey, err := s.metaGetLocked(metaRootKey(id)); err == nil && rootKey != "" {
		var pos int64
		fmt.Sscanf(rootKey, "%d", &pos)
		root, err := s.readPage(id, pos)
		if err != nil {
			return nil, err
		}
		m.SetRoot(root)
	}

	s.maps[id] = m
	s.mapsByName[name] = id
	return m, nil
}

func (s *Store) metaGetLocked(key string) (string, error) {
	if s.metaMap == nil {
		return "", nil
	}
	v, err := s.metaMap.Get(key)
	if err != nil || v == nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) metaPutLocked(key, value string) {
	if s.metaMap == nil {
		return
	}
	_, _ = s.metaMap.Put(key, value)
}

func (s *Store) readPage(mapID int, pos int64) (*btree.Page, error) {
	if pos == noDiskPos {
		return nil, mverr.New(mverr.Internal, "store.readPage", fmt.Errorf("position not written"))
	}
	if cached, ok := s.cache.Get(pos); ok {
		return cached.(*cachedPage).page, nil
	}

	s.mu.Lock()
	c, ok := s.chunks[chunkIDOf(pos)]
	s.mu.Unlock()
	if !ok {
		return nil, mverr.New(mverr.FileCorrupt, "store.readPage", fmt.Errorf("no chunk for position %d", pos))
	}

	offset := c.block*pagefileBlockSize + offsetOf(pos)
	full, err := s.readPageFull(offset)
	if err != nil {
		return nil, err
	}

	keyType, valueType := s.typesFor(mapID)
	page, _, err := decodePage(bytes.NewReader(full), s.versionForChunk(chunkIDOf(pos)), pos, keyType, valueType, s.compressor)
	if err != nil {
		return nil, err
	}
	s.cache.Put(pos, &cachedPage{page: page})
	return page, nil
}

// cachedPage adapts a decoded *btree.Page to pagecache.Page.
type cachedPage struct {
	page *btree.Page
}

func (c *cachedPage) Memory() int {
	return c.page.EstimatedMemory()
}

func (s *Store) versionForChunk(chunkID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[chunkID]; ok {
		return c.version
	}
	return s.currentVersion
}

func (s *Store) typesFor(mapID int) (codec.DataType, codec.DataType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mapID == metaMapID {
		return codec.StringType{}, codec.StringType{}
	}
	if m, ok := s.maps[mapID]; ok {
		return m.KeyType, m.ValueType
	}
	return codec.StringType{}, codec.StringType{}
}

// readPageFull reads a page at offset without knowing its length ahead
// of time, by reading progressively larger windows until the declared
// payload length is fully covered. Kept simple (bounded doubling rather
// than a second length-prefix pass) since pages are capped near
// pageSplitSize bytes.
func (s *Store) readPageFull(offset int64) ([]byte, error) {
	size := 256
	for {
		buf := make([]byte, size)
		if err := s.file.ReadFully(offset, buf); err != nil {
			if size >= 1<<20 {
				return nil, err
			}
			size *= 4
			continue
		}
		r := bytes.NewReader(buf)
		if _, err := codec.ReadVarInt(r); err != nil {
			size *= 4
			continue
		}
		if _, err := r.ReadByte(); err != nil {
			size *= 4
			continue
		}
		plen, err := codec.ReadVarInt(r)
		if err != nil {
			size *= 4
			continue
		}
		headerLen := len(buf) - r.Len()
		total := headerLen + int(plen)
		if total <= len(buf) {
			return buf[:total], nil
		}
		size = total + 16
	}
}

// Close flushes any unsaved changes (unless the store is read-only) and
// releases the underlying file. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.writerStop != nil {
			close(s.writerStop)
			<-s.writerDone
		}

		if !s.readOnly {
			if _, cerr := s.Commit(); cerr != nil {
				log.WithComponent("store").Error().Err(cerr).Msg("commit on close failed")
			}
		}

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		err = s.file.Close()
	})
	return err
}

// CloseImmediately closes the store without attempting a final commit,
// ignoring all errors (spec.md §7's "closeImmediately").
func (s *Store) CloseImmediately() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.writerStop != nil {
		close(s.writerStop)
		<-s.writerDone
	}
	_ = s.file.Close()
}
