package sessions

import "sync"

// Store funnels every snapshot mutation through one lock so reducer
// applications stay atomic relative to each other. Readers always get copies;
// the held snapshot is never handed out for mutation.
type Store struct {
	mu       sync.RWMutex
	sessions []Session
	selected string
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{}
}

// Apply runs one reducer application atomically. The reducer receives the
// current snapshot and the selected session id and must return the snapshot
// to install; it must not mutate its input.
func (s *Store) Apply(reduce func(prev []Session, selected string) []Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = reduce(s.sessions, s.selected)
}

// Merge folds one incoming message into the store via the given merger.
func (s *Store) Merge(m Merger, in Incoming, markUnread bool) {
	s.Apply(func(prev []Session, selected string) []Session {
		return m.Merge(prev, selected, in, markUnread)
	})
}

// Replace swaps one session through fn, leaving the rest of the snapshot
// untouched. Returns false when the session does not exist.
func (s *Store) Replace(id string, fn func(Session) Session) bool {
	found := false
	s.Apply(func(prev []Session, _ string) []Session {
		next := make([]Session, len(prev))
		copy(next, prev)
		for i := range next {
			if next[i].ID == id {
				next[i] = fn(next[i].cloneShallow())
				found = true
				break
			}
		}
		SortByRecency(next)
		return next
	})
	return found
}

// Snapshot returns a copy of the session list, newest activity first.
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, len(s.sessions))
	for i := range s.sessions {
		out[i] = s.sessions[i].cloneShallow()
	}
	return out
}

// Get returns a copy of one session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return s.sessions[i].cloneShallow(), true
		}
	}
	return Session{}, false
}

// Select marks the session currently open in the UI and clears its unread
// counter. An empty id deselects.
func (s *Store) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			s.sessions[i].Unread = 0
		}
	}
}

// Selected returns the currently selected session id.
func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}
