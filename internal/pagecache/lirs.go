package pagecache

import (
	"container/list"
	"sync"
)

// entry is one resident page tracked by a shard. It lives in the recency
// stack (s) always, and additionally in the cold queue (q) while it is
// classified cold.
type entry struct {
	pos    int64
	page   Page
	memory int64
	hot    bool
}

// shard is one independently-locked slice of the cache. coldTarget bounds
// how much of the shard's budget the cold set may occupy; the remainder
// is available to the hot set. A small coldTarget (LIRS conventionally
// uses roughly 1%) keeps the working set from being displaced by a single
// pass over cold data.
type shard struct {
	mu sync.Mutex

	capacity   int64
	coldTarget int64

	hotMemory  int64
	coldMemory int64

	stack *list.List // MRU at Front; elements are *entry
	queue *list.List // cold resident pages, MRU at Front, LRU at Back

	index  map[int64]*list.Element // pos -> element in stack
	qindex map[int64]*list.Element // pos -> element in queue

	hits, misses int64
}

func newShard(capacity int64) *shard {
	return &shard{
		capacity:   capacity,
		coldTarget: coldTargetFor(capacity),
		stack:      list.New(),
		queue:      list.New(),
		index:      make(map[int64]*list.Element),
		qindex:     make(map[int64]*list.Element),
	}
}

func coldTargetFor(capacity int64) int64 {
	t := capacity / 50 // ~2%
	if t < 1 {
		t = 1
	}
	return t
}

func (s *shard) setCapacity(capacity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
	s.coldTarget = coldTargetFor(capacity)
	s.evictLocked()
}

func (s *shard) get(pos int64) (Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[pos]
	if !ok {
		s.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	s.hits++

	if e.hot {
		s.stack.MoveToFront(el)
		return e.page, true
	}

	// Cold page referenced again while still in the recency stack:
	// promote to hot.
	s.promote(el, e)
	return e.page, true
}

func (s *shard) promote(el *list.Element, e *entry) {
	if qel, ok := s.qindex[e.pos]; ok {
		s.queue.Remove(qel)
		delete(s.qindex, e.pos)
	}
	e.hot = true
	s.coldMemory -= e.memory
	s.hotMemory += e.memory
	s.stack.MoveToFront(el)
	s.pruneStackBottom()
	s.evictLocked()
}

// pruneStackBottom is the standard LIRS stack-pruning hook, run after a
// promotion changes the stack's shape. With no ghost list to compact (see
// package doc), there is nothing to remove here beyond what normal
// eviction already reclaims; it is kept as a named step because the
// ghost-tracking version of this cache would prune stale non-resident
// entries from the stack bottom at exactly this point.
func (s *shard) pruneStackBottom() {}

func (s *shard) put(pos int64, page Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[pos]; ok {
		e := el.Value.(*entry)
		s.adjustMemory(e, page.Memory())
		e.page = page
		if e.hot {
			s.stack.MoveToFront(el)
		} else {
			s.promote(el, e)
		}
		return
	}

	e := &entry{pos: pos, page: page, memory: int64(page.Memory())}
	el := s.stack.PushFront(e)
	s.index[pos] = el
	qel := s.queue.PushFront(e)
	s.qindex[pos] = qel
	s.coldMemory += e.memory

	s.evictLocked()
}

func (s *shard) adjustMemory(e *entry, newMemory int) {
	delta := int64(newMemory) - e.memory
	e.memory = int64(newMemory)
	if e.hot {
		s.hotMemory += delta
	} else {
		s.coldMemory += delta
	}
}

func (s *shard) remove(pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(pos)
}

func (s *shard) removeLocked(pos int64) {
	el, ok := s.index[pos]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	if e.hot {
		s.hotMemory -= e.memory
	} else {
		s.coldMemory -= e.memory
	}
	s.stack.Remove(el)
	delete(s.index, pos)
	if qel, ok := s.qindex[pos]; ok {
		s.queue.Remove(qel)
		delete(s.qindex, pos)
	}
}

// evictLocked reclaims memory until the shard is within (capacity,
// coldTarget): first by evicting the least-recently-used cold page, then,
// if the cold set is already minimal and the shard is still over budget,
// by demoting the least-recently-used hot page to cold.
func (s *shard) evictLocked() {
	for s.hotMemory+s.coldMemory > s.capacity {
		if s.coldMemory > 0 && s.queue.Len() > 0 {
			back := s.queue.Back()
			e := back.Value.(*entry)
			s.queue.Remove(back)
			delete(s.qindex, e.pos)
			if sel, ok := s.index[e.pos]; ok {
				s.stack.Remove(sel)
			}
			delete(s.index, e.pos)
			s.coldMemory -= e.memory
			continue
		}
		if s.hotMemory > 0 {
			s.demoteColdestHot()
			continue
		}
		return
	}

	for s.coldMemory > s.coldTarget && s.queue.Len() > 0 {
		back := s.queue.Back()
		e := back.Value.(*entry)
		s.queue.Remove(back)
		delete(s.qindex, e.pos)
		if sel, ok := s.index[e.pos]; ok {
			s.stack.Remove(sel)
		}
		delete(s.index, e.pos)
		s.coldMemory -= e.memory
	}
}

func (s *shard) demoteColdestHot() {
	for el := s.stack.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.hot {
			continue
		}
		e.hot = false
		s.hotMemory -= e.memory
		s.coldMemory += e.memory
		qel := s.queue.PushFront(e)
		s.qindex[e.pos] = qel
		return
	}
}
