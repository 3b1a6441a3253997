package metering

import (
	"context"
	"sync"
)

// MemStore holds usage events in memory, keyed by idempotency key.
// Suitable for dev/testing.
type MemStore struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewMemStore initializes a new in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]Event)}
}

// Insert stores the event unless its key was already recorded.
func (s *MemStore) Insert(_ context.Context, ev Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.Key]; ok {
		return false, nil
	}
	s.events[ev.Key] = ev
	return true, nil
}

// Events returns all stored events (test helper).
func (s *MemStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out
}
