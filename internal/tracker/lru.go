package tracker

import "container/list"

// lruSet is a bounded set with least-recently-added eviction. It exists to
// keep the "already processed" window from growing without bound during a
// long editing session; correctness does not depend on what gets evicted,
// only that membership is accurate for recent entries.
type lruSet struct {
	cap     int
	order   *list.List // front = oldest
	entries map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

// Add inserts key and reports whether it was absent. Inserting past
// capacity evicts the oldest entry.
func (s *lruSet) Add(key string) bool {
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = s.order.PushBack(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(string))
	}
	return true
}

// Contains reports membership without changing recency.
func (s *lruSet) Contains(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Len returns the current entry count.
func (s *lruSet) Len() int { return s.order.Len() }
