package hub

import (
	"container/list"
	"sync"
	"time"
)

// callSet is a bounded set of recently seen call ids. Entries expire after
// ttl or when capacity is exceeded, oldest first. The zero value is not
// usable; use newCallSet.
type callSet struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // of callEntry, oldest at front
	index    map[string]*list.Element
	now      func() time.Time
}

type callEntry struct {
	id   string
	seen time.Time
}

func newCallSet(capacity int, ttl time.Duration) *callSet {
	return &callSet{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Seen records id and reports whether it was already present. Check and
// insert are atomic so concurrent callers cannot both pass.
func (s *callSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)

	if _, ok := s.index[id]; ok {
		return true
	}

	s.index[id] = s.order.PushBack(callEntry{id: id, seen: now})
	for s.order.Len() > s.capacity {
		s.evictFront()
	}
	return false
}

// Len returns the number of live entries.
func (s *callSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(s.now())
	return s.order.Len()
}

// expire drops entries older than ttl. Caller holds mu.
func (s *callSet) expire(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		if now.Sub(front.Value.(callEntry).seen) <= s.ttl {
			return
		}
		s.evictFront()
	}
}

// evictFront removes the oldest entry. Caller holds mu.
func (s *callSet) evictFront() {
	front := s.order.Front()
	if front == nil {
		return
	}
	delete(s.index, front.Value.(callEntry).id)
	s.order.Remove(front)
}
