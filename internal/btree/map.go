package btree

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cuemby/mvstore/internal/codec"
	"github.com/cuemby/mvstore/internal/mverr"
)

// DefaultPageSplitSize is the byte threshold (spec.md §6) at which a page
// on the insertion path is split.
const DefaultPageSplitSize = 6 * 1024

// Backend is what a Map needs from its owning store: the current commit
// version to stamp new pages with, a hook to record that a map has
// uncommitted changes, a hook for free-space bookkeeping when a page
// position is superseded, and on-demand loading of pages that exist on
// disk but have not yet been paged into memory.
type Backend interface {
	CurrentVersion() int64
	RetainVersion() int64
	RegisterDirty(mapID int)
	OnRemovePage(pos int64)
	ReadPage(mapID int, pos int64) (*Page, error)
}

// oldRoot is one entry of a map's retained-version history, always kept
// sorted by Version ascending.
type oldRoot struct {
	version int64
	root    *Page
}

// Map is a copy-on-write B-tree with ordered keys and snapshot reads at
// any retained version (spec.md §4.4).
type Map struct {
	ID            int
	Name          string
	CreateVersion int64
	KeyType       codec.DataType
	ValueType     codec.DataType
	PageSplitSize int

	backend Backend

	root     *Page
	oldRoots []oldRoot

	writing  int32 // 0 or 1, best-effort single-writer-per-map guard
	readOnly bool
	closed   bool
}

// NewMap creates an empty map at the backend's current version.
func NewMap(id int, name string, keyType, valueType codec.DataType, backend Backend) *Map {
	v := backend.CurrentVersion()
	return &Map{
		ID:            id,
		Name:          name,
		CreateVersion: v,
		KeyType:       keyType,
		ValueType:     valueType,
		PageSplitSize: DefaultPageSplitSize,
		backend:       backend,
		root:          newLeaf(v),
	}
}

// mutationOp is what an updater function asks apply to do with a key.
type mutationOp int

const (
	opNone mutationOp = iota
	opPut
	opDelete
)

func (m *Map) lockWriter(op string) error {
	if m.closed {
		return mverr.New(mverr.Closed, op, fmt.Errorf("map %q is closed", m.Name))
	}
	if m.readOnly {
		return mverr.New(mverr.Internal, op, fmt.Errorf("map %q is read-only", m.Name))
	}
	if !atomic.CompareAndSwapInt32(&m.writing, 0, 1) {
		return mverr.New(mverr.Internal, op, fmt.Errorf("concurrent write detected on map %q", m.Name))
	}
	return nil
}

func (m *Map) unlockWriter() { atomic.StoreInt32(&m.writing, 0) }

// Put associates key with value, returning the previous value if any.
func (m *Map) Put(key, value any) (any, error) {
	if value == nil {
		return nil, mverr.New(mverr.Internal, "btree.Put", fmt.Errorf("nil values are not permitted"))
	}
	if err := m.lockWriter("btree.Put"); err != nil {
		return nil, err
	}
	defer m.unlockWriter()

	old, _, err := m.applyTop(key, func(old any, exists bool) (any, mutationOp, error) {
		return value, opPut, nil
	})
	return old, err
}

// Remove deletes key, returning the removed value if it existed.
func (m *Map) Remove(key any) (any, error) {
	if err := m.lockWriter("btree.Remove"); err != nil {
		return nil, err
	}
	defer m.unlockWriter()

	old, _, err := m.applyTop(key, func(old any, exists bool) (any, mutationOp, error) {
		if !exists {
			return nil, opNone, nil
		}
		return nil, opDelete, nil
	})
	return old, err
}

// Replace performs a compare-and-swap: if the current value under key
// equals oldValue (per ValueType.Compare), it is replaced with newValue
// and true is returned; otherwise the map is left unchanged.
func (m *Map) Replace(key, oldValue, newValue any) (bool, error) {
	if err := m.lockWriter("btree.Replace"); err != nil {
		return false, err
	}
	defer m.unlockWriter()

	var swapped bool
	_, _, err := m.applyTop(key, func(old any, exists bool) (any, mutationOp, error) {
		if !exists || m.ValueType.Compare(old, oldValue) != 0 {
			return nil, opNone, nil
		}
		swapped = true
		return newValue, opPut, nil
	})
	return swapped, err
}

// PutIfAbsent inserts value only if key is not already present, returning
// the existing value if it was.
func (m *Map) PutIfAbsent(key, value any) (any, error) {
	if err := m.lockWriter("btree.PutIfAbsent"); err != nil {
		return nil, err
	}
	defer m.unlockWriter()

	old, _, err := m.applyTop(key, func(old any, exists bool) (any, mutationOp, error) {
		if exists {
			return nil, opNone, nil
		}
		return value, opPut, nil
	})
	return old, err
}

func (m *Map) applyTop(key any, updater func(old any, exists bool) (any, mutationOp, error)) (any, bool, error) {
	newRoot, old, existed, split, err := m.apply(m.root, key, updater)
	if err != nil {
		return nil, false, err
	}
	if split != nil {
		version := m.backend.CurrentVersion()
		nr := newNode(version)
		nr.keys = []any{split.key}
		nr.children = []*child{
			{pos: noPos, page: newRoot, count: newRoot.subtreeCount()},
			{pos: noPos, page: split.right, count: split.right.subtreeCount()},
		}
		nr.recount()
		newRoot = nr
	}
	newRoot = m.collapseRoot(newRoot)

	if newRoot != m.root {
		m.setNewRoot(newRoot)
	}
	return old, existed, nil
}

// collapseRoot implements spec.md §4.4: "when the root's key count
// reaches zero, the root is replaced by the remaining single child".
func (m *Map) collapseRoot(root *Page) *Page {
	for !root.isLeaf() && root.keyCount() == 0 && len(root.children) == 1 {
		c := root.children[0]
		child, err := m.loadChild(c)
		if err != nil {
			return root
		}
		root = child
	}
	return root
}

func (m *Map) setNewRoot(newRoot *Page) {
	if m.root != nil && m.root.version != newRoot.version {
		m.oldRoots = append(m.oldRoots, oldRoot{version: m.root.version, root: m.root})
	}
	m.root = newRoot
	m.backend.RegisterDirty(m.ID)
}

type splitResult struct {
	key   any
	right *Page
}

func (m *Map) apply(page *Page, key any, updater func(old any, exists bool) (any, mutationOp, error)) (*Page, any, bool, *splitResult, error) {
	if page.isLeaf() {
		return m.applyLeaf(page, key, updater)
	}
	return m.applyNode(page, key, updater)
}

func (m *Map) applyLeaf(page *Page, key any, updater func(old any, exists bool) (any, mutationOp, error)) (*Page, any, bool, *splitResult, error) {
	idx, found := binarySearch(page.keys, key, m.KeyType.Compare)
	var old any
	if found {
		old = page.values[idx]
	}
	newVal, op, err := updater(old, found)
	if err != nil {
		return page, old, found, nil, err
	}

	version := m.backend.CurrentVersion()
	switch op {
	case opNone:
		return page, old, found, nil, nil
	case opDelete:
		if !found {
			return page, old, found, nil, nil
		}
		np := page.cloneLeaf(version)
		np.keys = append(np.keys[:idx], np.keys[idx+1:]...)
		np.values = append(np.values[:idx], np.values[idx+1:]...)
		np.recount()
		return np, old, found, nil, nil
	case opPut:
		np := page.cloneLeaf(version)
		if found {
			np.values[idx] = newVal
		} else {
			np.keys = append(np.keys, nil)
			copy(np.keys[idx+1:], np.keys[idx:])
			np.keys[idx] = key
			np.values = append(np.values, nil)
			copy(np.values[idx+1:], np.values[idx:])
			np.values[idx] = newVal
		}
		np.recount()
		if np.estimatedMemory(m.KeyType, m.ValueType) > m.splitSize() && np.keyCount() >= 2 {
			left, split := m.splitLeaf(np, version)
			return left, old, found, split, nil
		}
		return np, old, found, nil, nil
	}
	return page, old, found, nil, nil
}

func (m *Map) applyNode(page *Page, key any, updater func(old any, exists bool) (any, mutationOp, error)) (*Page, any, bool, *splitResult, error) {
	ci := m.childIndex(page, key)
	c := page.children[ci]
	childPage, err := m.loadChild(c)
	if err != nil {
		return page, nil, false, nil, err
	}

	newChild, old, existed, split, err := m.apply(childPage, key, updater)
	if err != nil {
		return page, old, existed, nil, err
	}
	if newChild == childPage && split == nil {
		return page, old, existed, nil, nil
	}

	version := m.backend.CurrentVersion()
	np := page.cloneNode(version)

	if childPage.pos != noPos {
		m.backend.OnRemovePage(childPage.pos)
	}

	if newChild.subtreeCount() == 0 {
		// the child (a leaf or an interior node) emptied out entirely:
		// drop its entry from this node
		np.children = append(np.children[:ci], np.children[ci+1:]...)
		if ci == 0 {
			if len(np.keys) > 0 {
				np.keys = np.keys[1:]
			}
		} else {
			np.keys = append(np.keys[:ci-1], np.keys[ci:]...)
		}
		np.recount()
		return m.maybeSplitNode(np, version, old, existed)
	}

	np.children[ci] = &child{pos: noPos, page: newChild, count: newChild.subtreeCount()}

	if split != nil {
		np.keys = append(np.keys, nil)
		copy(np.keys[ci+1:], np.keys[ci:])
		np.keys[ci] = split.key
		np.children = append(np.children, nil)
		copy(np.children[ci+2:], np.children[ci+1:])
		np.children[ci+1] = &child{pos: noPos, page: split.right, count: split.right.subtreeCount()}
	}
	np.recount()
	return m.maybeSplitNode(np, version, old, existed)
}

func (m *Map) maybeSplitNode(np *Page, version int64, old any, existed bool) (*Page, any, bool, *splitResult, error) {
	if np.estimatedMemory(m.KeyType, m.ValueType) > m.splitSize() && np.keyCount() >= 2 {
		left, split := m.splitNode(np, version)
		return left, old, existed, split, nil
	}
	return np, old, existed, nil, nil
}

func (m *Map) splitSize() int {
	if m.PageSplitSize <= 0 {
		return DefaultPageSplitSize
	}
	return m.PageSplitSize
}

func (m *Map) splitLeaf(p *Page, version int64) (*Page, *splitResult) {
	mid := p.keyCount() / 2
	left := newLeaf(version)
	left.keys = append([]any(nil), p.keys[:mid]...)
	left.values = append([]any(nil), p.values[:mid]...)
	left.recount()

	right := newLeaf(version)
	right.keys = append([]any(nil), p.keys[mid:]...)
	right.values = append([]any(nil), p.values[mid:]...)
	right.recount()

	return left, &splitResult{key: right.keys[0], right: right}
}

func (m *Map) splitNode(p *Page, version int64) (*Page, *splitResult) {
	mid := p.keyCount() / 2
	promoted := p.keys[mid]

	left := newNode(version)
	left.keys = append([]any(nil), p.keys[:mid]...)
	left.children = append([]*child(nil), p.children[:mid+1]...)
	left.recount()

	right := newNode(version)
	right.keys = append([]any(nil), p.keys[mid+1:]...)
	right.children = append([]*child(nil), p.children[mid+1:]...)
	right.recount()

	return left, &splitResult{key: promoted, right: right}
}

// childIndex returns the index of the child that must contain key, using
// upper-bound semantics over the node's separator keys.
func (m *Map) childIndex(page *Page, key any) int {
	lo, hi := 0, len(page.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.KeyType.Compare(page.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (m *Map) loadChild(c *child) (*Page, error) {
	if c.page != nil {
		return c.page, nil
	}
	p, err := m.backend.ReadPage(m.ID, c.pos)
	if err != nil {
		return nil, mverr.New(mverr.Internal, "btree.loadChild", err)
	}
	c.page = p
	return p, nil
}

// Get returns the value stored under key, or nil if absent.
func (m *Map) Get(key any) (any, error) {
	return m.getFrom(m.root, key)
}

func (m *Map) getFrom(page *Page, key any) (any, error) {
	for {
		if page.isLeaf() {
			idx, found := binarySearch(page.keys, key, m.KeyType.Compare)
			if !found {
				return nil, nil
			}
			return page.values[idx], nil
		}
		ci := m.childIndex(page, key)
		next, err := m.loadChild(page.children[ci])
		if err != nil {
			return nil, err
		}
		page = next
	}
}

// FirstKey returns the smallest key in the map, or nil if it is empty.
func (m *Map) FirstKey() (any, error) { return m.edgeKey(m.root, true) }

// LastKey returns the largest key in the map, or nil if it is empty.
func (m *Map) LastKey() (any, error) { return m.edgeKey(m.root, false) }

func (m *Map) edgeKey(page *Page, first bool) (any, error) {
	for {
		if page.isLeaf() {
			if len(page.keys) == 0 {
				return nil, nil
			}
			if first {
				return page.keys[0], nil
			}
			return page.keys[len(page.keys)-1], nil
		}
		idx := 0
		if !first {
			idx = len(page.children) - 1
		}
		next, err := m.loadChild(page.children[idx])
		if err != nil {
			return nil, err
		}
		page = next
	}
}

// CeilingKey returns the smallest key >= key, or nil if none.
func (m *Map) CeilingKey(key any) (any, error) { return m.nav(key, true, true) }

// FloorKey returns the largest key <= key, or nil if none.
func (m *Map) FloorKey(key any) (any, error) { return m.nav(key, false, true) }

// HigherKey returns the smallest key > key, or nil if none.
func (m *Map) HigherKey(key any) (any, error) { return m.nav(key, true, false) }

// LowerKey returns the largest key < key, or nil if none.
func (m *Map) LowerKey(key any) (any, error) { return m.nav(key, false, false) }

// nav resolves the nearest match by rank: GetKeyIndex gives key's rank
// (or its negated insertion point), which is stepped by one as higher and
// inclusive require and then mapped back to a key with GetKey.
func (m *Map) nav(key any, higher, inclusive bool) (any, error) {
	idx, err := m.GetKeyIndex(key)
	if err != nil {
		return nil, err
	}
	size, err := m.Size()
	if err != nil {
		return nil, err
	}
	if idx >= 0 {
		if inclusive {
			return key, nil
		}
		if higher {
			idx++
		} else {
			idx--
		}
	} else {
		insertion := -(idx) - 1
		if higher {
			idx = insertion
		} else {
			idx = insertion - 1
		}
	}
	if idx < 0 || idx >= size {
		return nil, nil
	}
	return m.GetKey(idx)
}

// GetKey returns the key at the given rank (0-based), or nil if rank is
// out of range.
func (m *Map) GetKey(rank int64) (any, error) {
	return m.getKeyAt(m.root, rank)
}

func (m *Map) getKeyAt(page *Page, rank int64) (any, error) {
	for {
		if rank < 0 || rank >= page.subtreeCount() {
			return nil, nil
		}
		if page.isLeaf() {
			return page.keys[rank], nil
		}
		for _, c := range page.children {
			if rank < c.count {
				next, err := m.loadChild(c)
				if err != nil {
					return nil, err
				}
				page = next
				break
			}
			rank -= c.count
		}
	}
}

// GetKeyIndex returns the rank of key if present, or
// -(insertionPoint)-1 if absent, matching the conventional negated
// insertion-index protocol (spec.md §4.4, Testable Property 3).
func (m *Map) GetKeyIndex(key any) (int64, error) {
	return m.keyIndexIn(m.root, key, 0)
}

func (m *Map) keyIndexIn(page *Page, key any, base int64) (int64, error) {
	if page.isLeaf() {
		idx, found := binarySearch(page.keys, key, m.KeyType.Compare)
		if found {
			return base + int64(idx), nil
		}
		return -(base + int64(idx)) - 1, nil
	}
	ci := m.childIndex(page, key)
	var offset int64
	for i := 0; i < ci; i++ {
		offset += page.children[i].count
	}
	next, err := m.loadChild(page.children[ci])
	if err != nil {
		return 0, err
	}
	return m.keyIndexIn(next, key, base+offset)
}

// Size returns the total number of keys in the map.
func (m *Map) Size() (int64, error) {
	return m.root.subtreeCount(), nil
}

// OpenVersion returns a read-only Map view anchored at the largest
// retained version <= v. Returns mverr.ErrUnknownVersion if v predates
// everything this Map has retained in memory; the store layer is
// responsible for materializing older snapshots from disk when needed.
func (m *Map) OpenVersion(v int64) (*Map, error) {
	if m.root.version <= v {
		return m.readOnlyView(m.root, m.root.version), nil
	}
	i := sort.Search(len(m.oldRoots), func(i int) bool { return m.oldRoots[i].version > v })
	if i == 0 {
		return nil, mverr.New(mverr.UnknownVersion, "btree.OpenVersion", fmt.Errorf("version %d not retained for map %q", v, m.Name))
	}
	r := m.oldRoots[i-1]
	return m.readOnlyView(r.root, r.version), nil
}

func (m *Map) readOnlyView(root *Page, version int64) *Map {
	return &Map{
		ID:            m.ID,
		Name:          m.Name,
		CreateVersion: m.CreateVersion,
		KeyType:       m.KeyType,
		ValueType:     m.ValueType,
		PageSplitSize: m.PageSplitSize,
		backend:       m.backend,
		root:          root,
		readOnly:      true,
	}
}

// RemoveUnusedOldVersions truncates the prefix of oldRoots older than the
// store's current retain-version boundary.
func (m *Map) RemoveUnusedOldVersions() {
	retain := m.backend.RetainVersion()
	i := sort.Search(len(m.oldRoots), func(i int) bool { return m.oldRoots[i].version >= retain })
	m.oldRoots = m.oldRoots[i:]
}

// Root returns the current root page (for the chunk engine to serialize).
func (m *Map) Root() *Page { return m.root }

// SetRoot installs root as current without going through apply/split —
// used by the store when materializing a map from disk during recovery.
func (m *Map) SetRoot(root *Page) { m.root = root }

// Close marks the map read-only; further writes fail with mverr.Closed.
func (m *Map) Close() { m.closed = true }

// IsClosed reports whether Close has been called.
func (m *Map) IsClosed() bool { return m.closed }

// RollbackToVersion discards every root newer than v, restoring the map to
// whatever it looked like at v (spec.md §4.5's rollbackTo). If v is at or
// after the current root's version this is a no-op.
func (m *Map) RollbackToVersion(v int64) error {
	if m.root.version <= v {
		return nil
	}
	i := sort.Search(len(m.oldRoots), func(i int) bool { return m.oldRoots[i].version > v })
	if i == 0 {
		m.root = newLeaf(v)
		m.oldRoots = nil
		return nil
	}
	r := m.oldRoots[i-1]
	m.root = r.root
	m.oldRoots = m.oldRoots[:i-1]
	return nil
}

// RewriteChunks forces every live leaf entry whose page currently lives in
// a chunk matching inSet to be rewritten via a normal Put, so the next
// commit relocates it into a fresh chunk (spec.md §4.5's compact). Pages
// outside inSet, and interior nodes (which carry no values of their own),
// are left untouched.
func (m *Map) RewriteChunks(inSet func(pos int64) bool) error {
	return m.rewriteChunksIn(m.root, inSet)
}

func (m *Map) rewriteChunksIn(page *Page, inSet func(pos int64) bool) error {
	if page.isLeaf() {
		if page.pos == noPos || !inSet(page.pos) {
			return nil
		}
		keys := append([]any(nil), page.keys...)
		values := append([]any(nil), page.values...)
		for i, k := range keys {
			if _, err := m.Put(k, values[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range page.children {
		child, err := m.loadChild(c)
		if err != nil {
			return err
		}
		if err := m.rewriteChunksIn(child, inSet); err != nil {
			return err
		}
	}
	return nil
}
