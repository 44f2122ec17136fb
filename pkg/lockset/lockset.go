// Package lockset provides the process-wide table of depots with a pipeline
// in flight.
//
// The set is advisory: it stops the dispatcher from enqueueing a second
// pipeline for a depot, nothing more.
package lockset

import (
	"sort"
	"sync"
)

// Set is a concurrency-safe set of depot ids. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	held map[uint32]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{held: make(map[uint32]struct{})}
}

// TryAcquire adds id to the set and reports true, or reports false if id is
// already held.
func (s *Set) TryAcquire(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		s.held = make(map[uint32]struct{})
	}
	if _, ok := s.held[id]; ok {
		return false
	}
	s.held[id] = struct{}{}
	return true
}

// Release removes id from the set. It reports whether id was held, so a
// second release of the same acquisition is detectable.
func (s *Set) Release(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held[id]; !ok {
		return false
	}
	delete(s.held, id)
	return true
}

// Held reports whether id is currently in the set.
func (s *Set) Held(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[id]
	return ok
}

// Len returns the number of held ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Snapshot returns the held ids in ascending order.
func (s *Set) Snapshot() []uint32 {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
