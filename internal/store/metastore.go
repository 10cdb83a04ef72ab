package store

import (
	"strconv"
	"strings"

	"github.com/cuemby/mvstore/internal/btree"
)

// Meta map key conventions (spec.md §3's "Meta map" entity and §4.5's
// recovery algorithm). The meta map is map id 0 and always uses
// string keys and string values.
const (
	metaMapID = 0

	metaPrefixName         = "name."
	metaPrefixMap          = "map."
	metaPrefixRoot         = "root."
	metaPrefixChunk        = "chunk."
	metaPrefixSetting      = "setting."
	metaKeyRollbackOnOpen  = "rollbackOnOpen"
)

func metaNameKey(name string) string  { return metaPrefixName + name }
func metaMapKey(id int) string        { return metaPrefixMap + strconv.Itoa(id) }
func metaRootKey(id int) string       { return metaPrefixRoot + strconv.Itoa(id) }
func metaSettingKey(name string) string { return metaPrefixSetting + name }

func parseMetaMapID(key string) (int, bool) {
	if !strings.HasPrefix(key, metaPrefixMap) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(key, metaPrefixMap))
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseMetaChunkID(key string) (int64, bool) {
	if !strings.HasPrefix(key, metaPrefixChunk) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, metaPrefixChunk), 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// backend implements btree.Backend on behalf of the Store: every Map a
// Store opens shares one backend instance, so a commit operates uniformly
// across the meta map and every user map.
type backend struct {
	s *Store
}

func (b *backend) CurrentVersion() int64 { return b.s.currentVersionLocked() }
func (b *backend) RetainVersion() int64  { return b.s.retainVersionLocked() }

// RegisterDirty marks mapID dirty and counts the mutation against both
// of the store's implicit-commit budgets (spec.md §6/§9): a page count
// (MaxUnsavedPages) and an accounted byte total (writeBufferBytes,
// approximated here as pageSplitSize per dirtied page, since no exact
// page length is available at this call site). Crossing either flushes;
// the flush always runs on a separate goroutine since RegisterDirty is
// called from inside an in-progress Map mutation, and store() must never
// be invoked synchronously from there.
func (b *backend) RegisterDirty(mapID int) {
	b.s.mu.Lock()
	b.s.dirtyMaps[mapID] = true
	b.s.unsavedPages++
	b.s.unsavedBytes += int64(b.s.pageSplitSize)
	trigger := !b.s.closed && !b.s.readOnly &&
		(b.s.unsavedPages >= MaxUnsavedPages || b.s.unsavedBytes >= int64(b.s.writeBufferBytes))
	b.s.mu.Unlock()
	if trigger {
		go func() { _, _ = b.s.store(true) }()
	}
}

func (b *backend) OnRemovePage(pos int64) {
	if pos == noDiskPos {
		return
	}
	b.s.mu.Lock()
	v := b.s.currentVersion
	chunkID := chunkIDOf(pos)
	b.s.mu.Unlock()
	if c, ok := b.s.chunkFor(chunkID); ok {
		b.s.freeSpace.recordFreed(v, chunkID, pageByteLen(c, pos))
	}
}

func (b *backend) ReadPage(mapID int, pos int64) (*btree.Page, error) {
	return b.s.readPage(mapID, pos)
}

// noDiskPos mirrors btree's internal "not yet written" sentinel; pages at
// this position were never flushed and have nothing to free on disk.
const noDiskPos = -1

// pageByteLen is a coarse per-page accounting unit: without a length
// index kept alongside positions, every freed page is counted as one
// unit of the chunk's live-page count and a fixed nominal byte size for
// maxLenLive purposes. This is the same simplification the page cache
// documents for its ghost list: accounting stays correct in aggregate
// (pageCountLive reaches zero exactly when every page is freed) without
// tracking each page's exact original length.
func pageByteLen(c *chunk, pos int64) int64 {
	if c.pageCount == 0 {
		return 0
	}
	return c.maxLen / c.pageCount
}
