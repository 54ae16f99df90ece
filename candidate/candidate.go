// Package candidate accumulates the alternative completions of one request
// and tracks which one the user is previewing.
package candidate

import (
	"errors"
	"sync"
)

// ErrNoSuggestion is returned by MarkDone when the request finished without
// producing any text for the current candidate.
var ErrNoSuggestion = errors.New("no suggestion produced")

// Set is an ordered list of candidates built from streamed deltas.
//
// Only the owning session mutates a Set; readers on other goroutines may
// call the accessors at any time.
type Set struct {
	mu         sync.RWMutex
	candidates []string
	current    int
	done       bool
}

// New returns an empty set.
func New() *Set {
	return &Set{}
}

// AppendDeltas appends delta i to candidate i. The first call creates one
// candidate per delta. Later calls may carry fewer deltas than there are
// candidates; missing positions are left as they are. Extra deltas start new
// candidates.
func (s *Set) AppendDeltas(deltas []string) {
	if len(deltas) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for i, d := range deltas {
		if i < len(s.candidates) {
			s.candidates[i] += d
		} else {
			s.candidates = append(s.candidates, d)
		}
	}
}

// Next moves to the following candidate, wrapping to the first.
func (s *Set) Next() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candidates) > 1 {
		s.current = (s.current + 1) % len(s.candidates)
	}
}

// Previous moves to the preceding candidate, wrapping to the last.
func (s *Set) Previous() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.candidates); n > 1 {
		s.current = (s.current - 1 + n) % n
	}
}

// Current returns the candidate being previewed. ok is false when there are
// no candidates.
func (s *Set) Current() (text string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candidates) == 0 {
		return "", false
	}
	return s.candidates[s.current], true
}

// MarkDone records that the request finished. It reports ErrNoSuggestion
// when the current candidate is absent or empty. Only the first call has an
// effect.
func (s *Set) MarkDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if len(s.candidates) == 0 || s.candidates[s.current] == "" {
		return ErrNoSuggestion
	}
	return nil
}

// Done reports whether MarkDone has been called.
func (s *Set) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Index returns the current candidate index.
func (s *Set) Index() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Len returns the number of candidates.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candidates)
}

// Snapshot returns a copy of the candidates and the current index.
func (s *Set) Snapshot() ([]string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.candidates...), s.current
}
