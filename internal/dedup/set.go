// Package dedup tracks item identities seen during one pipeline run.
package dedup

import "sync"

// Set is a mutex-guarded identity set. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Mark records id and reports whether it was new.
func (s *Set) Mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Forget removes id so a later copy is treated as new.
func (s *Set) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
}

// Len returns the number of tracked identities.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
