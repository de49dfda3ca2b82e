package util

import "sync"

// SeenSet is a bounded set of recently observed string keys with O(1)
// lookup. When full, admitting a new key evicts the oldest. It backs
// message-id and signal-id deduplication: sized to tolerate realistic relay
// replay windows, not to remember forever.
type SeenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	head  int
	count int
}

// NewSeenSet creates a SeenSet holding at most capacity keys.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &SeenSet{
		keys:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// Admit records key and reports whether it was new. Returns false if the key
// was already present (a duplicate).
func (s *SeenSet) Admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[key]; dup {
		return false
	}
	if s.count == len(s.order) {
		oldest := s.order[s.head]
		delete(s.keys, oldest)
		s.order[s.head] = key
		s.head = (s.head + 1) % len(s.order)
	} else {
		s.order[(s.head+s.count)%len(s.order)] = key
		s.count++
	}
	s.keys[key] = struct{}{}
	return true
}

// Contains reports whether key has been admitted and not yet evicted.
func (s *SeenSet) Contains(key string) bool {
	s.mu.Lock()
	_, ok := s.keys[key]
	s.mu.Unlock()
	return ok
}

// Len returns the number of keys currently held.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	n := s.count
	s.mu.Unlock()
	return n
}
