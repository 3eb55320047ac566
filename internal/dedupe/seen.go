// ABOUTME: Thread-safe bounded FIFO set for deduplicating inbound messages.
// ABOUTME: Used by the dispatch queue to suppress redelivered message IDs.

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the number of message IDs remembered by default.
const DefaultCapacity = 1000

// SeenSet remembers the most recent keys it was asked to mark.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type SeenSet struct {
	mu       sync.Mutex
	seen     map[string]*list.Element
	order    *list.List // keys in insertion order (oldest at front)
	capacity int
}

// New creates a seen-set holding at most capacity keys.
// A capacity of 0 or less uses DefaultCapacity.
func New(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SeenSet{
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Check returns true if the key is currently in the set.
func (s *SeenSet) Check(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.seen[key]
	return ok
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
// A duplicate does not refresh the key's position.
func (s *SeenSet) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}

	s.seen[key] = s.order.PushBack(key)
	if s.order.Len() > s.capacity {
		s.evictOldest()
	}
	return false
}

// Len returns the number of keys currently remembered.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// evictOldest removes the oldest key. Must be called with mu held.
func (s *SeenSet) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.seen, key)
}
