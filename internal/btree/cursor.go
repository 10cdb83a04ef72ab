package btree

// KeyIterator walks a Map's keys in ascending order starting at a given
// key (or the first key, if none was given). Skip advances in
// O(log n + k/B) using each level's cached subtree counts rather than
// stepping key by key.
type KeyIterator struct {
	m    *Map
	path []frame // root at index 0
	done bool
}

type frame struct {
	page *Page
	idx  int // leaf: index into keys; node: index into children
}

// NewKeyIterator returns an iterator positioned at the first key >= from.
// A nil from starts at the smallest key.
func NewKeyIterator(m *Map, from any) (*KeyIterator, error) {
	it := &KeyIterator{m: m}
	if err := it.seek(from); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *KeyIterator) seek(from any) error {
	it.path = it.path[:0]
	page := it.m.root
	for {
		if page.isLeaf() {
			idx := 0
			if from != nil {
				idx, _ = binarySearch(page.keys, from, it.m.KeyType.Compare)
			}
			it.path = append(it.path, frame{page: page, idx: idx})
			if idx >= len(page.keys) {
				it.advancePastLeaf()
			}
			return nil
		}
		ci := 0
		if from != nil {
			ci = it.m.childIndex(page, from)
		}
		it.path = append(it.path, frame{page: page, idx: ci})
		next, err := it.m.loadChild(page.children[ci])
		if err != nil {
			return err
		}
		page = next
	}
}

// HasNext reports whether Next would return a key.
func (it *KeyIterator) HasNext() bool {
	return !it.done && len(it.path) > 0
}

// Next returns the current key/value and advances the cursor.
func (it *KeyIterator) Next() (key, value any, err error) {
	if it.done || len(it.path) == 0 {
		return nil, nil, nil
	}
	top := &it.path[len(it.path)-1]
	key = top.page.keys[top.idx]
	value = top.page.values[top.idx]
	top.idx++
	if top.idx >= len(top.page.keys) {
		if err := it.advancePastLeaf(); err != nil {
			return key, value, err
		}
	}
	return key, value, nil
}

// advancePastLeaf pops exhausted frames and descends into the next
// sibling subtree, leaving the iterator positioned at the next leaf key
// (or done, if none remains).
func (it *KeyIterator) advancePastLeaf() error {
	for {
		if len(it.path) <= 1 {
			it.done = true
			return nil
		}
		it.path = it.path[:len(it.path)-1]
		parent := &it.path[len(it.path)-1]
		parent.idx++
		if parent.idx < len(parent.page.children) {
			page := parent.page
			idx := parent.idx
			for {
				next, err := it.m.loadChild(page.children[idx])
				if err != nil {
					return err
				}
				it.path = append(it.path, frame{page: next, idx: 0})
				if next.isLeaf() {
					if len(next.keys) == 0 {
						break // fall through, pop this exhausted leaf frame too
					}
					return nil
				}
				page = next
				idx = 0
			}
		}
	}
}

// Skip advances n keys forward (n >= 0) in O(log n + n/B) by consulting
// cached subtree counts instead of calling Next n times.
func (it *KeyIterator) Skip(n int64) error {
	if n <= 0 || it.done {
		return nil
	}
	rank, err := it.currentRank()
	if err != nil {
		return err
	}
	return it.seekRank(rank + n)
}

func (it *KeyIterator) currentRank() (int64, error) {
	var rank int64
	for i := 0; i < len(it.path)-1; i++ {
		f := it.path[i]
		for j := 0; j < f.idx; j++ {
			rank += f.page.children[j].count
		}
	}
	rank += int64(it.path[len(it.path)-1].idx)
	return rank, nil
}

func (it *KeyIterator) seekRank(rank int64) error {
	it.path = it.path[:0]
	it.done = false
	page := it.m.root
	if rank >= page.subtreeCount() {
		it.done = true
		return nil
	}
	for {
		if page.isLeaf() {
			it.path = append(it.path, frame{page: page, idx: int(rank)})
			return nil
		}
		for i, c := range page.children {
			if rank < c.count {
				it.path = append(it.path, frame{page: page, idx: i})
				next, err := it.m.loadChild(c)
				if err != nil {
					return err
				}
				page = next
				break
			}
			rank -= c.count
		}
	}
}

// ChangeIterator enumerates (key, value) pairs that differ between the
// current root and an older retained version, including keys deleted
// since then (spec.md §4.4's change-tracking scan, used by
// backup/replication consumers). Pruning is coarse: an unchanged root, or
// a new child identical to the old root, is skipped; otherwise every key
// of the new version is looked up in the old one and, to find deletions,
// every key of the old version in the new one.
type ChangeIterator struct {
	m       *Map
	pending []change
}

type change struct {
	Key     any
	Value   any // nil if deleted in the newer version
	Deleted bool
}

// NewChangeIterator diffs the map's current root against oldVersion.
func NewChangeIterator(m *Map, oldVersion int64) (*ChangeIterator, error) {
	oldView, err := m.OpenVersion(oldVersion)
	if err != nil {
		return nil, err
	}
	ci := &ChangeIterator{m: m}
	if err := ci.diff(m.root, oldView.root); err != nil {
		return nil, err
	}
	return ci, nil
}

func (ci *ChangeIterator) diff(newPage, oldPage *Page) error {
	if newPage.sameAs(oldPage) {
		return nil
	}
	if newPage.isLeaf() && (oldPage == nil || oldPage.isLeaf()) {
		return ci.diffLeaves(newPage, oldPage)
	}
	if err := ci.diffNodes(newPage, oldPage); err != nil || oldPage == nil {
		return err
	}
	it, err := NewKeyIterator(ci.m.readOnlyView(oldPage, oldPage.version), nil)
	for err == nil && it.HasNext() {
		var k, nv any
		if k, _, err = it.Next(); err == nil {
			if nv, err = ci.lookupIn(newPage, k); err == nil && nv == nil {
				ci.pending = append(ci.pending, change{Key: k, Deleted: true})
			}
		}
	}
	return err
}

// mapKey returns a value safe to use as a Go map key for k, which may be
// a KeyType whose Go representation is itself non-comparable (e.g.
// ByteArrayType's []byte). diffLeaves uses this rather than KeyType.Compare
// for its membership maps since the key set here is small and exact-once
// per leaf, not ordered.
func mapKey(k any) any {
	if b, ok := k.([]byte); ok {
		return string(b)
	}
	return k
}

func (ci *ChangeIterator) diffLeaves(newPage, oldPage *Page) error {
	oldValues := map[any]any{}
	if oldPage != nil && oldPage.isLeaf() {
		for i, k := range oldPage.keys {
			oldValues[mapKey(k)] = oldPage.values[i]
		}
	}
	seen := map[any]bool{}
	for i, k := range newPage.keys {
		mk := mapKey(k)
		seen[mk] = true
		ov, existed := oldValues[mk]
		nv := newPage.values[i]
		if !existed || ci.m.ValueType.Compare(ov, nv) != 0 {
			ci.pending = append(ci.pending, change{Key: k, Value: nv})
		}
	}
	if oldPage != nil && oldPage.isLeaf() {
		for _, k := range oldPage.keys {
			if !seen[mapKey(k)] {
				ci.pending = append(ci.pending, change{Key: k, Deleted: true})
			}
		}
	}
	return nil
}

func (ci *ChangeIterator) diffNodes(newPage, oldPage *Page) error {
	// Without a directly comparable old node shape (splits/merges can
	// change fan-out between versions), fall back to a full leaf-level
	// scan of the new subtree compared against point lookups in the old
	// view; this keeps correctness without assuming structural symmetry.
	return ci.scanAgainstOld(newPage, oldPage)
}

// scanAgainstOld walks newPage's subtree, resolving each leaf key's old
// value with a point lookup into oldPage rather than a position-pruned
// descent: child.sameAs(oldPage) only ever prunes a child against the
// old *root*, not the old child occupying the same position, so in
// practice it almost never fires once the tree is more than one level
// deep. That keeps this correct (every key still gets looked up) but
// makes it a full scan of the new subtree rather than the §4.4-style
// diff of only the pages that changed position.
func (ci *ChangeIterator) scanAgainstOld(newPage, oldPage *Page) error {
	if newPage.isLeaf() {
		for i, k := range newPage.keys {
			nv := newPage.values[i]
			ov, err := ci.lookupIn(oldPage, k)
			if err != nil {
				return err
			}
			if ov == nil || ci.m.ValueType.Compare(ov, nv) != 0 {
				ci.pending = append(ci.pending, change{Key: k, Value: nv})
			}
		}
		return nil
	}
	for _, c := range newPage.children {
		child, err := ci.m.loadChild(c)
		if err != nil {
			return err
		}
		if child.sameAs(oldPage) {
			continue
		}
		if err := ci.scanAgainstOld(child, oldPage); err != nil {
			return err
		}
	}
	return nil
}

func (ci *ChangeIterator) lookupIn(page *Page, key any) (any, error) {
	if page == nil {
		return nil, nil
	}
	return ci.m.getFrom(page, key)
}

// HasNext reports whether Next would return a change.
func (ci *ChangeIterator) HasNext() bool { return len(ci.pending) > 0 }

// Next returns the next pending change.
func (ci *ChangeIterator) Next() (key, value any, deleted bool) {
	c := ci.pending[0]
	ci.pending = ci.pending[1:]
	return c.Key, c.Value, c.Deleted
}
