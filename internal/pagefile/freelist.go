package pagefile

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/mvstore/internal/log"
)

// interval is a half-open byte range [Start, Start+Length) known to be free.
type interval struct {
	start, length int64
}

// freeList is the in-memory free-space map described in spec.md §4.1: a
// sorted list of free byte ranges beginning at 2*BlockSize (the two
// store-header blocks are never free). Allocate uses first-fit; Free
// merges adjacent/overlapping ranges back into the list.
//
// used tracks every position currently believed allocated, keyed by an
// xxhash of the position rather than the position itself so a freeList
// covering a large file stays a small, fixed-width hash set. Free
// consults it to catch a position being freed twice, which would
// otherwise silently double-merge the same range into intervals.
type freeList struct {
	intervals []interval // sorted by start, ascending, non-overlapping
	used      map[uint64]struct{}
}

func newFreeList(fileSize int64) *freeList {
	fl := &freeList{used: make(map[uint64]struct{})}
	start := int64(2 * BlockSize)
	if fileSize > start {
		fl.intervals = []interval{{start: start, length: fileSize - start}}
	}
	return fl
}

func posKey(pos int64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pos >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

// Allocate finds the first free interval that fits length bytes and
// returns its start, shrinking or removing that interval. Returns -1 if no
// interval is large enough; the caller should then allocate at EOF.
func (fl *freeList) Allocate(length int64) int64 {
	for i, iv := range fl.intervals {
		if iv.length >= length {
			pos := iv.start
			if iv.length == length {
				fl.intervals = append(fl.intervals[:i], fl.intervals[i+1:]...)
			} else {
				fl.intervals[i].start += length
				fl.intervals[i].length -= length
			}
			fl.markUsedLocked(pos, length)
			return pos
		}
	}
	return -1
}

// MarkUsed removes [pos, pos+length) from the free list; it is a no-op for
// ranges that were never tracked as free (e.g. ranges beyond the
// originally scanned file size, or already marked used).
func (fl *freeList) MarkUsed(pos, length int64) {
	fl.markUsedLocked(pos, length)
	fl.removeRange(pos, length)
}

func (fl *freeList) markUsedLocked(pos, length int64) {
	fl.used[posKey(pos)] = struct{}{}
}

func (fl *freeList) removeRange(pos, length int64) {
	end := pos + length
	out := fl.intervals[:0]
	for _, iv := range fl.intervals {
		ivEnd := iv.start + iv.length
		if ivEnd <= pos || iv.start >= end {
			out = append(out, iv)
			continue
		}
		if iv.start < pos {
			out = append(out, interval{start: iv.start, length: pos - iv.start})
		}
		if ivEnd > end {
			out = append(out, interval{start: end, length: ivEnd - end})
		}
	}
	fl.intervals = out
}

// Free returns [pos, pos+length) to the free list, merging with any
// adjacent intervals so the list never accumulates needless fragmentation
// beyond what the allocation pattern itself causes. Freeing a position
// that markUsedLocked never recorded (or that a prior Free already
// cleared) is a double-free; it is logged and skipped rather than
// merged, since merging it would corrupt the interval list with a
// range the file may still be using.
func (fl *freeList) Free(pos, length int64) {
	key := posKey(pos)
	if _, ok := fl.used[key]; !ok {
		log.WithComponent("pagefile").Warn().Int64("pos", pos).Int64("length", length).
			Msg("double free detected, ignoring")
		return
	}
	delete(fl.used, key)

	fl.intervals = append(fl.intervals, interval{start: pos, length: length})
	sort.Slice(fl.intervals, func(i, j int) bool { return fl.intervals[i].start < fl.intervals[j].start })

	merged := fl.intervals[:1]
	for _, iv := range fl.intervals[1:] {
		last := &merged[len(merged)-1]
		if last.start+last.length >= iv.start {
			if end := iv.start + iv.length; end > last.start+last.length {
				last.length = end - last.start
			}
			continue
		}
		merged = append(merged, iv)
	}
	fl.intervals = merged
}

// FirstFree returns the start of the first free interval, or -1 if none.
func (fl *freeList) FirstFree() int64 {
	if len(fl.intervals) == 0 {
		return -1
	}
	return fl.intervals[0].start
}

// FillRate returns the fraction of bytes below the high-water mark that
// are currently in use (0..1).
func (fl *freeList) FillRate(fileSize int64) float64 {
	if fileSize <= 0 {
		return 0
	}
	var free int64
	for _, iv := range fl.intervals {
		free += iv.length
	}
	used := fileSize - free
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(fileSize)
}
