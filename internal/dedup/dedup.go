// Package dedup provides the in-run content-hash filter. It catches the same
// story arriving twice within one scheduled run (cross-posts, overlapping
// sources); cross-run duplicates are handled by unique keys at the
// persistence layer.
package dedup

import "sync"

// Set is a concurrency-safe hash set of content hashes, scoped to one
// pipeline run and cleared at run end.
type Set struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	checked    int64
	duplicates int64
}

// NewSet returns an empty dedup set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Check records hash and reports (isDuplicate, wasInserted). A hash is
// inserted on first sight; subsequent checks report it as a duplicate.
func (s *Set) Check(hash string) (isDuplicate, wasInserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checked++
	if _, ok := s.seen[hash]; ok {
		s.duplicates++
		return true, false
	}
	s.seen[hash] = struct{}{}
	return false, true
}

// Stats returns (checked, duplicates) counters for run metrics.
func (s *Set) Stats() (checked, duplicates int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checked, s.duplicates
}

// Len returns the number of distinct hashes seen.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Clear empties the set and resets counters.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
	s.checked = 0
	s.duplicates = 0
}
