package btree

import "github.com/cuemby/mvstore/internal/codec"

// noPos marks a page that has not yet been written to disk: its position
// is only known once the chunk engine serializes it during a commit.
const noPos int64 = -1

// Page is one node of a copy-on-write B-tree. Leaves carry values;
// interior ("node") pages carry child pointers and, for each child, the
// number of keys in that child's subtree, so rank-based navigation
// (getKey/getKeyIndex) runs in O(log n) without scanning leaves.
//
// A Page is immutable once it has been assigned a disk position: every
// mutating operation copies the pages on the path from the root and
// leaves prior pages untouched, which is what lets retained old roots
// serve consistent snapshot reads.
type Page struct {
	version int64
	pos     int64 // noPos until written by the chunk engine
	leaf    bool

	keys   []any
	values []any // leaf only, len(values) == len(keys)

	children []*child // node only, len(children) == len(keys)+1
	count    int64    // number of keys in this page's subtree
}

// child is one entry of a node page's fan-out.
type child struct {
	pos   int64 // noPos if the child is only in memory
	count int64 // cached subtree key count, mirrors child.page.count
	page  *Page // nil if not currently loaded (must be fetched via Backend.ReadPage)
}

func newLeaf(version int64) *Page {
	return &Page{version: version, pos: noPos, leaf: true}
}

func newNode(version int64) *Page {
	return &Page{version: version, pos: noPos, leaf: false}
}

func (p *Page) isLeaf() bool   { return p.leaf }
func (p *Page) keyCount() int  { return len(p.keys) }
func (p *Page) subtreeCount() int64 {
	if p.leaf {
		return int64(len(p.keys))
	}
	return p.count
}

func (p *Page) recount() {
	if p.leaf {
		p.count = int64(len(p.keys))
		return
	}
	var c int64
	for _, ch := range p.children {
		c += ch.count
	}
	p.count = c
}

// binarySearch returns the index of key among p.keys using cmp, and
// whether it was found. When not found, index is the position key would
// be inserted at to keep keys sorted — the convention getKeyIndex relies
// on (negated insertion point).
func binarySearch(keys []any, key any, cmp func(a, b any) int) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(keys[mid], key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// cloneLeaf returns a shallow copy of a leaf page stamped at version,
// ready for in-place slice mutation by the caller (append/insert/delete
// on the copies, never the original slices).
func (p *Page) cloneLeaf(version int64) *Page {
	np := &Page{version: version, pos: noPos, leaf: true}
	np.keys = append([]any(nil), p.keys...)
	np.values = append([]any(nil), p.values...)
	np.count = p.count
	return np
}

func (p *Page) cloneNode(version int64) *Page {
	np := &Page{version: version, pos: noPos, leaf: false}
	np.keys = append([]any(nil), p.keys...)
	np.children = append([]*child(nil), p.children...)
	np.count = p.count
	return np
}

// estimatedMemory roughly estimates the page's decoded in-memory size
// using the map's key/value types, the unit the page cache bounds
// eviction by.
func (p *Page) estimatedMemory(keyType, valueType codec.DataType) int {
	mem := 64
	for _, k := range p.keys {
		mem += keyType.GetMemory(k)
	}
	if p.leaf {
		for _, v := range p.values {
			mem += valueType.GetMemory(v)
		}
	} else {
		mem += len(p.children) * 24
	}
	return mem
}

// IsLeaf reports whether p is a leaf page (exported for the chunk/commit
// engine, which must serialize pages without access to package internals).
func (p *Page) IsLeaf() bool { return p.leaf }

// Version returns the store version p was written at.
func (p *Page) Version() int64 { return p.version }

// Pos returns p's on-disk position, or noPos if it has not been written.
func (p *Page) Pos() int64 { return p.pos }

// SetPos stamps p's on-disk position once the chunk engine has serialized
// it at commit time; an aborted commit calls it again to reset the
// positions it stamped (internal/store's resetPositionsForChunk).
func (p *Page) SetPos(pos int64) { p.pos = pos }

// Keys returns p's keys in sorted order, for both leaf and node pages.
func (p *Page) Keys() []any { return p.keys }

// Values returns p's values; valid for leaf pages only.
func (p *Page) Values() []any { return p.values }

// ChildPositions returns the on-disk positions of p's children, in order;
// valid for node pages only. A child that has not yet been written has
// position noPos — the caller (the commit engine) always flushes children
// before parents, so this only occurs for pages outside the working set.
func (p *Page) ChildPositions() []int64 {
	out := make([]int64, len(p.children))
	for i, c := range p.children {
		out[i] = c.pos
	}
	return out
}

// ChildCounts returns the cached subtree key count of each of p's
// children, in order; valid for node pages only.
func (p *Page) ChildCounts() []int64 {
	out := make([]int64, len(p.children))
	for i, c := range p.children {
		out[i] = c.count
	}
	return out
}

// NewLeafFromDisk reconstructs a leaf page decoded from a chunk.
func NewLeafFromDisk(version int64, pos int64, keys, values []any) *Page {
	p := &Page{version: version, pos: pos, leaf: true, keys: keys, values: values}
	p.recount()
	return p
}

// NewNodeFromDisk reconstructs a node page decoded from a chunk. Children
// are represented only by position and count; they are paged in lazily
// via Backend.ReadPage on first descent.
func NewNodeFromDisk(version int64, pos int64, keys []any, childPositions []int64, childCounts []int64) *Page {
	p := &Page{version: version, pos: pos, leaf: false, keys: keys}
	p.children = make([]*child, len(childPositions))
	for i := range childPositions {
		p.children[i] = &child{pos: childPositions[i], count: childCounts[i]}
	}
	p.recount()
	return p
}

// Walk calls visit once for p and, if p is a node, for every descendant
// reachable purely in-memory (children with page == nil, i.e. not yet
// loaded, are skipped — they are necessarily already on disk and thus
// already accounted for in a previous chunk). visit is called in
// post-order (children before parents), matching the commit engine's
// depth-first write order.
func (p *Page) Walk(visit func(*Page)) {
	if !p.leaf {
		for _, c := range p.children {
			if c.page != nil {
				c.page.Walk(visit)
				c.pos = c.page.pos // adopt the position just assigned by visit
			}
		}
	}
	visit(p)
}

// EstimatedMemory gives a type-agnostic memory estimate for callers (the
// page cache) that hold a *Page without its owning map's key/value
// types at hand. It assumes a nominal 32 bytes per key/value/child slot;
// estimatedMemory (using the map's real DataType.GetMemory) is used
// wherever the precise figure matters, such as split-size decisions.
func (p *Page) EstimatedMemory() int {
	const nominal = 32
	if p.leaf {
		return 64 + len(p.keys)*nominal*2
	}
	return 64 + len(p.children)*nominal
}

// sameAs reports whether p and o refer to the same physical page: either
// an identical disk position (both written), or the same in-memory
// object (neither written yet). Used by the change iterator to prune
// subtrees unchanged between two roots.
func (p *Page) sameAs(o *Page) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.pos != noPos && o.pos != noPos {
		return p.pos == o.pos
	}
	return false
}
