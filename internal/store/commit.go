package store

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/mvstore/internal/btree"
	"github.com/cuemby/mvstore/internal/codec"
	"github.com/cuemby/mvstore/internal/log"
	"github.com/cuemby/mvstore/internal/mverr"
)

// Commit persists every dirty map's current root into a new chunk and
// advances currentVersion, implementing spec.md §4.5's nine-step commit
// algorithm. It returns the version that was just written.
func (s *Store) Commit() (int64, error) {
	return s.store(false)
}

// store runs the commit algorithm, coalescing concurrent callers (an
// explicit Commit racing the background writer's tick) onto a single
// write via singleflight, matching the "store-wide mutex serializes the
// commit" rule of spec.md §5 while avoiding redundant chunk writes when
// two callers ask to flush at nearly the same instant. temp marks a
// background-writer flush of not-yet-explicitly-committed data (§4.7):
// the resulting chunk is tagged rollbackOnOpen so a crash before the
// next real Commit discards it on reopen.
func (s *Store) store(temp bool) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, mverr.New(mverr.Closed, "store.commit", fmt.Errorf("store is closed"))
	}
	if s.readOnly {
		v := s.currentVersion
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err, _ := s.commitSF.Do("commit", func() (interface{}, error) {
		return s.writeChunk(temp)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// writeChunk implements the body of spec.md §4.5. singleflight already
// guarantees only one writeChunk call is ever in flight (spec.md §5's
// "store-wide mutex serializes commit/compact/rollback"), so this holds
// s.mu only for the short critical sections that touch the store's plain
// Go maps (dirtyMaps, chunks, maps) — never while calling into the meta
// B-tree, whose own Put/Remove re-enter s.mu via Backend.RegisterDirty.
func (s *Store) writeChunk(temp bool) (int64, error) {
	s.mu.Lock()
	if len(s.dirtyMaps) == 0 && !temp {
		v := s.currentVersion
		s.mu.Unlock()
		return v, nil
	}
	storeVersion := s.currentVersion
	dirtyIDs := make([]int, 0, len(s.dirtyMaps))
	dirtyMapPtrs := make(map[int]*btree.Map, len(s.dirtyMaps))
	for id := range s.dirtyMaps {
		if id == metaMapID {
			continue
		}
		dirtyIDs = append(dirtyIDs, id)
		if m, ok := s.maps[id]; ok {
			dirtyMapPtrs[id] = m
		}
	}
	sort.Ints(dirtyIDs)
	s.dirtyMaps = map[int]bool{}

	s.lastChunkID++
	chunkID := s.lastChunkID
	metaMap := s.metaMap
	metaRootBefore := metaMap.Root()
	s.mu.Unlock()

	emptied := s.freeSpace.apply(storeVersion, s.chunksSnapshot())

	var body bytes.Buffer
	var pageCount int64

	writeRoot := func(mapID int, m *btree.Map) {
		root := m.Root()
		if root.Pos() != btreeNoPos {
			return // unchanged since the last write
		}
		root.Walk(func(p *btree.Page) {
			if p.Pos() != btreeNoPos {
				return
			}
			enc := encodePage(p, mapID, m.KeyType, m.ValueType, s.compressor)
			offset := int64(pagefileBlockSize) + int64(body.Len())
			body.Write(enc)
			p.SetPos(newPagePos(chunkID, offset))
			pageCount++
		})
	}

	for _, id := range dirtyIDs {
		m, ok := dirtyMapPtrs[id]
		if !ok {
			continue
		}
		writeRoot(id, m)
		_, _ = metaMap.Put(metaRootKey(id), fmt.Sprintf("%d", m.Root().Pos()))
	}

	// Step 8 (partial): reclaim chunks whose live count hit zero and
	// whose retention time has elapsed, before composing this chunk so
	// the meta map reflects their removal in the same commit.
	now := time.Now()
	var freedExtents []*chunk
	for _, id := range emptied {
		c, ok := s.chunkFor(id)
		if !ok {
			continue
		}
		if now.Sub(time.UnixMilli(c.time)) < s.retentionTime {
			continue // not yet overwritable; stays in the table
		}
		_, _ = metaMap.Remove(chunkMetaKey(id))
		s.deleteChunk(id)
		freedExtents = append(freedExtents, c)
	}
	for _, c := range s.chunksSnapshot() {
		if c.pageCountLive <= 0 && c.maxLenLive <= 0 {
			_, _ = metaMap.Put(chunkMetaKey(c.id), c.encode())
		}
	}

	// The rollbackOnOpen marker must land in metaMap *before* its root is
	// written below, so this same chunk's meta root carries it — writing
	// it only after the chunk is on disk (as a separate Put/Remove) would
	// leave it unpersisted until the next flush, and a crash in between
	// would recover as if this chunk were a real commit (temp) or as if a
	// stale marker from an earlier temp flush were still in force
	// (non-temp).
	if temp {
		_, _ = metaMap.Put(metaKeyRollbackOnOpen, fmt.Sprintf("%d", s.lastCommittedVersionLocked()))
	} else {
		_, _ = metaMap.Remove(metaKeyRollbackOnOpen)
	}

	// Meta map's own root is always written last (spec.md §4.5 step 4),
	// after every root.<id>/chunk.<hex> mutation above has been applied
	// to its in-memory B-tree.
	writeRoot(metaMapID, metaMap)

	totalLen := roundUpBlock(int64(pagefileBlockSize) + int64(body.Len()) + chunkFooterLength)

	var pos int64 = -1
	if s.reuseSpace {
		pos = s.file.Allocate(totalLen)
	}
	if pos < 0 {
		pos = s.file.Size()
	}

	c := &chunk{
		id:            chunkID,
		block:         pos / pagefileBlockSize,
		length:        totalLen,
		pageCount:     pageCount,
		pageCountLive: pageCount,
		maxLen:        int64(body.Len()),
		maxLenLive:    int64(body.Len()),
		metaRootPos:   metaMap.Root().Pos(),
		version:       storeVersion,
		time:          now.UnixMilli(),
		mapID:         metaMapID,
	}

	// abort fully unwinds everything this attempt did to in-memory state
	// before composing/writing the chunk body: every page position handed
	// out by writeRoot names a chunk that, past this point, was never
	// actually written, so a retry must see those pages as unwritten
	// again rather than "already persisted" — otherwise their data would
	// be silently dropped from the next chunk and their positions would
	// dangle into a chunk that doesn't exist. spec.md §7 requires the
	// in-memory commit to be fully aborted on any failure composing or
	// writing this chunk, not just on the final WriteFully.
	abort := func() {
		for _, id := range dirtyIDs {
			if m, ok := dirtyMapPtrs[id]; ok {
				resetPositionsForChunk(m.Root(), chunkID)
			}
		}
		// The meta map's mutations this attempt (root.<id>/chunk.<hex>
		// puts and removes) are discarded wholesale by restoring its
		// pre-attempt root rather than walked page-by-page: none of its
		// new pages are reachable once the root reference is gone.
		metaMap.SetRoot(metaRootBefore)

		s.mu.Lock()
		for _, id := range dirtyIDs {
			s.dirtyMaps[id] = true
		}
		for _, fc := range freedExtents {
			s.chunks[fc.id] = fc
		}
		s.lastChunkID--
		s.mu.Unlock()
	}

	headerBlock, err := c.headerBlock(pagefileBlockSize)
	if err != nil {
		abort()
		return 0, mverr.New(mverr.WritingFailed, "store.commit", err)
	}
	footerBlock, err := c.footerBlock(chunkFooterLength)
	if err != nil {
		abort()
		return 0, mverr.New(mverr.WritingFailed, "store.commit", err)
	}

	full := make([]byte, totalLen)
	copy(full, headerBlock)
	copy(full[pagefileBlockSize:], body.Bytes())
	copy(full[totalLen-chunkFooterLength:], footerBlock)

	if err := s.file.WriteFully(pos, full); err != nil {
		// An I/O failure aborts the in-memory commit without touching
		// any installed header, so the file's last committed state
		// (spec.md §7) remains whatever it was before this call.
		abort()
		return 0, mverr.New(mverr.WritingFailed, "store.commit", err)
	}
	s.file.MarkUsed(pos, totalLen)

	for _, fc := range freedExtents {
		s.file.Free(fc.block*pagefileBlockSize, fc.length)
	}

	s.mu.Lock()
	s.chunks[chunkID] = c
	s.rootChunkStart = pos
	if !temp {
		s.lastCommittedVersion = storeVersion
	}
	s.lastStoredVersion = storeVersion
	s.currentVersion = storeVersion + 1
	s.unsavedPages = 0
	s.unsavedBytes = 0
	creationTime := s.creationTime
	lastMapID := s.lastMapID
	s.mu.Unlock()

	sh := storeHeader{
		h:              3,
		blockSize:      pagefileBlockSize,
		format:         storeFormat,
		creationTime:   creationTime,
		chunk:          chunkID,
		rootChunkStart: pos,
		version:        storeVersion,
		lastMapID:      lastMapID,
	}
	if err := s.writeHeadersLocked(sh); err != nil {
		return 0, err
	}

	log.WithVersion(log.WithChunkID(log.WithComponent("store"), chunkID), storeVersion).
		Info().Bool("temp", temp).Int64("pages", pageCount).Msg("chunk committed")
	return storeVersion, nil
}

// chunksSnapshot returns a point-in-time copy of the chunk table for
// code that must iterate it without holding s.mu across calls that
// mutate the meta B-tree (which itself needs s.mu briefly).
func (s *Store) chunksSnapshot() map[int64]*chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*chunk, len(s.chunks))
	for id, c := range s.chunks {
		out[id] = c
	}
	return out
}

func (s *Store) deleteChunk(id int64) {
	s.mu.Lock()
	delete(s.chunks, id)
	s.mu.Unlock()
}

func (s *Store) lastCommittedVersionLocked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommittedVersion
}

// btreeNoPos mirrors btree's internal "not yet written" sentinel (-1);
// duplicated here since that constant is unexported by design.
const btreeNoPos int64 = -1

// resetPositionsForChunk walks root and clears the position of every page
// that was assigned one inside the chunk being aborted, restoring them to
// btreeNoPos so a retried writeChunk treats them as unwritten again
// instead of skipping them as "already persisted".
func resetPositionsForChunk(root *btree.Page, chunkID int64) {
	root.Walk(func(p *btree.Page) {
		if p.Pos() != btreeNoPos && chunkIDOf(p.Pos()) == chunkID {
			p.SetPos(btreeNoPos)
		}
	})
}

func roundUpBlock(n int64) int64 {
	if n%pagefileBlockSize == 0 {
		return n
	}
	return (n/pagefileBlockSize + 1) * pagefileBlockSize
}

// writeHeadersLocked renders sh and writes it to both primary header
// slots (offsets 0 and BlockSize) plus the file's trailing block, so
// recovery can find the newest header either by reading the first two
// blocks or, without scanning chunks, by reading the last block of the
// file (spec.md §3/§6).
func (s *Store) writeHeadersLocked(sh storeHeader) error {
	buf, err := sh.encode(pagefileBlockSize)
	if err != nil {
		return mverr.New(mverr.WritingFailed, "store.writeHeaders", err)
	}
	if err := s.file.WriteFully(0, buf); err != nil {
		return mverr.New(mverr.WritingFailed, "store.writeHeaders", err)
	}
	if err := s.file.WriteFully(pagefileBlockSize, buf); err != nil {
		return mverr.New(mverr.WritingFailed, "store.writeHeaders", err)
	}
	tail := s.file.Size() - pagefileBlockSize
	if tail >= 2*pagefileBlockSize {
		if err := s.file.WriteFully(tail, buf); err != nil {
			return mverr.New(mverr.WritingFailed, "store.writeHeaders", err)
		}
	}
	return nil
}

// recover implements spec.md §4.5's recovery algorithm: read the three
// header candidates in parallel, pick the newest valid one, reconstruct
// the chunk table from the meta map, and roll back if a prior background
// flush left a rollbackOnOpen marker.
func (s *Store) recover() error {
	size := s.file.Size()
	if size == 0 {
		return s.initFresh()
	}
	if size < 2*pagefileBlockSize {
		return mverr.New(mverr.FileCorrupt, "store.recover", fmt.Errorf("file too small (%d bytes)", size))
	}

	offsets := []int64{0, pagefileBlockSize}
	if size >= 3*pagefileBlockSize {
		offsets = append(offsets, size-pagefileBlockSize)
	}

	headers := make([]storeHeader, len(offsets))
	valid := make([]bool, len(offsets))

	var g errgroup.Group
	for i, off := range offsets {
		i, off := i, off
		g.Go(func() error {
			buf := make([]byte, pagefileBlockSize)
			if err := s.file.ReadFully(off, buf); err != nil {
				return nil // missing/unreadable candidate, just not valid
			}
			sh, ok, err := decodeStoreHeader(buf)
			if err != nil || !ok {
				return nil
			}
			headers[i] = sh
			valid[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var best storeHeader
	var found bool
	for i, ok := range valid {
		if !ok {
			continue
		}
		if !found || headers[i].chunk > best.chunk {
			best = headers[i]
			found = true
		}
	}
	if !found {
		return mverr.New(mverr.FileCorrupt, "store.recover", fmt.Errorf("no valid store header found"))
	}
	if best.format > storeFormat {
		if !s.readOnly {
			return mverr.New(mverr.UnsupportedFormat, "store.recover",
				fmt.Errorf("file format %d is newer than supported format %d", best.format, storeFormat))
		}
	}

	s.currentVersion = best.version + 1
	s.lastStoredVersion = best.version
	s.lastCommittedVersion = best.version
	s.lastChunkID = best.chunk
	s.creationTime = best.creationTime
	s.lastMapID = best.lastMapID
	s.rootChunkStart = best.rootChunkStart

	metaRootPos, err := s.readChunkMetaRootPos(best.rootChunkStart)
	if err != nil {
		return err
	}

	// Seed a provisional entry for the root chunk itself so readPage can
	// resolve metaRootPos's (chunkId, offset) before the meta-map-driven
	// chunk-table rebuild below has run; the iteration over "chunk."
	// entries further down overwrites it with accurate bookkeeping if
	// a later commit already recorded one.
	s.chunks[best.chunk] = &chunk{
		id:          best.chunk,
		block:       best.rootChunkStart / pagefileBlockSize,
		version:     best.version,
		metaRootPos: metaRootPos,
		time:        best.creationTime,
	}

	s.metaMap = btree.NewMap(metaMapID, "meta", codec.StringType{}, codec.StringType{}, s.backend)
	metaRoot, err := s.readPage(metaMapID, metaRootPos)
	if err != nil {
		return err
	}
	s.metaMap.SetRoot(metaRoot)
	s.maps[metaMapID] = s.metaMap

	it, err := btree.NewKeyIterator(s.metaMap, nil)
	if err != nil {
		return mverr.New(mverr.FileCorrupt, "store.recover", err)
	}
	for it.HasNext() {
		k, v, err := it.Next()
		if err != nil {
			return mverr.New(mverr.FileCorrupt, "store.recover", err)
		}
		key := k.(string)
		if id, ok := parseMetaChunkID(key); ok {
			c, err := decodeChunk(v.(string))
			if err != nil {
				return mverr.New(mverr.FileCorrupt, "store.recover", err)
			}
			if c.block < 0 {
				return mverr.New(mverr.FileCorrupt, "store.recover", fmt.Errorf("chunk %d has invalid start", id))
			}
			s.chunks[id] = c
			s.file.MarkUsed(c.block*pagefileBlockSize, c.length)
			continue
		}
		if id, ok := parseMetaMapID(key); ok && id != metaMapID {
			s.lastMapID = maxInt64(s.lastMapID, int64(id))
		}
	}
	s.file.MarkUsed(0, 2*pagefileBlockSize)

	if v, err := s.metaGetLocked(metaKeyRollbackOnOpen); err == nil && v != "" {
		var rv int64
		fmt.Sscanf(v, "%d", &rv)
		log.WithComponent("store").Warn().Int64("version", rv).Msg("rolling back uncommitted background flush")
		return s.rollbackToLocked(rv)
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// readChunkMetaRootPos reads just the header block at rootChunkStart and
// returns its metaRootPos field, without decoding the rest of the chunk.
func (s *Store) readChunkMetaRootPos(rootChunkStart int64) (int64, error) {
	buf := make([]byte, pagefileBlockSize)
	if err := s.file.ReadFully(rootChunkStart, buf); err != nil {
		return 0, mverr.New(mverr.FileCorrupt, "store.recover", err)
	}
	c, ok, err := decodeChunkBlock(buf)
	if err != nil {
		return 0, mverr.New(mverr.FileCorrupt, "store.recover", err)
	}
	if !ok {
		return 0, mverr.New(mverr.FileCorrupt, "store.recover", fmt.Errorf("root chunk header at %d failed checksum", rootChunkStart))
	}
	return c.metaRootPos, nil
}

// initFresh sets up an empty store's in-memory state for a brand-new
// file; nothing is written to disk until the first Commit.
func (s *Store) initFresh() error {
	s.currentVersion = 1
	s.lastStoredVersion = 0
	s.lastCommittedVersion = 0
	s.lastChunkID = 0
	s.lastMapID = 0
	s.creationTime = time.Now().UnixMilli()
	s.metaMap = btree.NewMap(metaMapID, "meta", codec.StringType{}, codec.StringType{}, s.backend)
	s.maps[metaMapID] = s.metaMap
	return nil
}

// RollbackTo discards every committed version newer than v across every
// open map, frees the file extents of chunks written after v, and
// rewrites the store headers so the rollback survives a crash
// immediately after (spec.md §4.5 "rollbackTo").
func (s *Store) RollbackTo(v int64) error {
	return s.rollbackToLocked(v)
}

// rollbackToLocked performs the rollback without ever holding s.mu while
// calling into the meta B-tree, for the same reentrancy reason writeChunk
// avoids it: Map.Remove reaches back into Backend.RegisterDirty/OnRemovePage,
// which each take s.mu briefly themselves.
func (s *Store) rollbackToLocked(v int64) error {
	s.mu.Lock()
	cur := s.currentVersion
	maps := make([]*btree.Map, 0, len(s.maps))
	for _, m := range s.maps {
		maps = append(maps, m)
	}
	metaMap := s.metaMap
	s.mu.Unlock()

	if v < 0 || v > cur {
		return mverr.New(mverr.UnknownVersion, "store.rollbackTo", fmt.Errorf("unknown version %d", v))
	}
	for _, m := range maps {
		if err := m.RollbackToVersion(v); err != nil {
			return mverr.New(mverr.Internal, "store.rollbackTo", err)
		}
	}

	var dropped []int64
	for id, c := range s.chunksSnapshot() {
		if c.version > v {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		c, ok := s.chunkFor(id)
		if !ok {
			continue
		}
		s.file.Free(c.block*pagefileBlockSize, c.length)
		s.deleteChunk(id)
		if metaMap != nil {
			_, _ = metaMap.Remove(chunkMetaKey(id))
		}
	}

	s.mu.Lock()
	var newestRemaining *chunk
	for _, c := range s.chunks {
		if newestRemaining == nil || c.version > newestRemaining.version {
			newestRemaining = c
		}
	}
	if newestRemaining != nil {
		s.rootChunkStart = newestRemaining.block * pagefileBlockSize
	}
	s.currentVersion = v + 1
	s.lastStoredVersion = v
	s.lastCommittedVersion = v
	s.dirtyMaps = map[int]bool{}
	creationTime := s.creationTime
	lastChunkID := s.lastChunkID
	lastMapID := s.lastMapID
	rootChunkStart := s.rootChunkStart
	s.mu.Unlock()

	if metaMap != nil {
		_, _ = metaMap.Remove(metaKeyRollbackOnOpen)
	}

	sh := storeHeader{
		h:              3,
		blockSize:      pagefileBlockSize,
		format:         storeFormat,
		creationTime:   creationTime,
		chunk:          lastChunkID,
		rootChunkStart: rootChunkStart,
		version:        v,
		lastMapID:      lastMapID,
	}
	return s.writeHeadersLocked(sh)
}

// Compact implements spec.md §4.5's compact(fillRate): chunks whose live
// ratio falls below target are prioritized by fillRate/age, and every
// live key they hold is rewritten (forcing copy-on-write) so the next
// Commit relocates that data into a fresh chunk.
func (s *Store) Compact(targetFillRate float64) error {
	candidates := s.pickCompactionChunksLocked(targetFillRate)

	s.mu.Lock()
	maps := make([]*btree.Map, 0, len(s.maps))
	for id, m := range s.maps {
		if id == metaMapID {
			continue
		}
		maps = append(maps, m)
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	target := map[int64]bool{}
	for _, id := range candidates {
		target[id] = true
	}
	inSet := func(pos int64) bool { return target[chunkIDOf(pos)] }

	for _, m := range maps {
		if m.IsClosed() {
			continue
		}
		if err := m.RewriteChunks(inSet); err != nil {
			return mverr.New(mverr.Internal, "store.compact", err)
		}
	}
	_, err := s.Commit()
	return err
}

func (s *Store) pickCompactionChunksLocked(targetFillRate float64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id    int64
		score float64
	}
	now := time.Now().UnixMilli()
	cands := make([]candidate, 0)
	for id, c := range s.chunks {
		if c.maxLen == 0 {
			continue
		}
		fr := c.fillRate()
		if fr >= targetFillRate {
			continue
		}
		age := now - c.time
		if age <= 0 {
			age = 1
		}
		cands = append(cands, candidate{id: id, score: fr / float64(age)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score < cands[j].score })
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}
