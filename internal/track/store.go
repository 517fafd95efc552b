// Package track keeps the collector's in-memory view of subject state for
// the live HTTP/WebSocket surface. It is derived entirely from emitted
// transitions and owns no durable state.
package track

import (
	"sort"
	"sync"

	"github.com/apptrace/collector/internal/usage"
)

// SubjectState is the current view of one tracked subject.
type SubjectState struct {
	Subject     string          `json:"subject"`
	Active      bool            `json:"active"`
	LastKind    usage.EventKind `json:"lastKind"`
	OpenedAt    float64         `json:"openedAt,omitempty"`
	LastSeenAt  float64         `json:"lastSeenAt"`
	Transitions int             `json:"transitions"`
}

type Store struct {
	mu       sync.RWMutex
	subjects map[string]*SubjectState
}

func NewStore() *Store {
	return &Store{
		subjects: make(map[string]*SubjectState),
	}
}

// Apply folds one emitted transition into the view. A foreground
// transition makes its subject the single active one; any other kind for
// the currently active subject deactivates it.
func (s *Store) Apply(tr usage.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subjects[tr.Subject]
	if !ok {
		st = &SubjectState{Subject: tr.Subject}
		s.subjects[tr.Subject] = st
	}
	st.Transitions++
	st.LastKind = tr.Kind
	st.LastSeenAt = tr.Time

	switch tr.Kind {
	case usage.Foreground:
		for _, other := range s.subjects {
			other.Active = false
		}
		st.Active = true
		st.OpenedAt = tr.Time
	default:
		st.Active = false
	}
}

// Get returns a copy of one subject's state.
func (s *Store) Get(subject string) (*SubjectState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subjects[subject]
	if !ok {
		return nil, false
	}
	copy := *st
	return &copy, true
}

// GetAll returns copies of all subject states, sorted by subject name for
// stable output.
func (s *Store) GetAll() []*SubjectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*SubjectState, 0, len(s.subjects))
	for _, st := range s.subjects {
		copy := *st
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Subject < result[j].Subject })
	return result
}

// ActiveCount returns the number of subjects currently active. With a
// single-foreground model this is 0 or 1, but the store does not assume it.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.subjects {
		if st.Active {
			count++
		}
	}
	return count
}
