package deadletter

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store.
// It is suitable for testing and short-lived processes.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string]*Entry // by ID
	byFingerprint map[string]string // fingerprint -> ID
	order         []string          // IDs in first-seen order
	closed        bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*Entry),
		byFingerprint: make(map[string]string),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrStoreClosed
	}

	e = normalize(e)
	if id, ok := s.byFingerprint[e.Fingerprint]; ok {
		existing := s.entries[id]
		existing.Hits += e.Hits
		existing.Sequence = e.Sequence
		existing.Error = e.Error
		existing.LastSeenAt = e.LastSeenAt
		return *existing, nil
	}

	stored := e
	s.entries[e.ID] = &stored
	s.byFingerprint[e.Fingerprint] = e.ID
	s.order = append(s.order, e.ID)
	return stored, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, ErrStoreClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, eventName string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []Entry
	for _, id := range s.order {
		e := s.entries[id]
		if eventName != "" && e.EventName != eventName {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, eventName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if eventName == "" {
		return len(s.entries), nil
	}
	n := 0
	for _, e := range s.entries {
		if e.EventName == eventName {
			n++
		}
	}
	return n, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	delete(s.byFingerprint, e.Fingerprint)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
