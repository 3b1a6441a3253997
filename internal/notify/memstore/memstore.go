// Package memstore provides an in-memory implementation of notify.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/vanguard/internal/notify"
)

// Store holds notification state in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	results  map[string]*notify.Result
	bySID    map[string]string // provider SID -> result ID
	events   []*notify.DeliveryEvent
	contacts map[string]*notify.Contact
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		results:  make(map[string]*notify.Result),
		bySID:    make(map[string]string),
		contacts: make(map[string]*notify.Contact),
	}
}

// PutResult stores a copy of the result.
func (s *Store) PutResult(_ context.Context, r *notify.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.ID] = &cp
	if r.ProviderSID != "" {
		s.bySID[r.ProviderSID] = r.ID
	}
	return nil
}

// GetResult retrieves a result by ID. Returns a copy.
func (s *Store) GetResult(_ context.Context, id string) (*notify.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// GetResultBySID retrieves a result by its carrier SID. Returns a copy.
func (s *Store) GetResultBySID(_ context.Context, sid string) (*notify.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySID[sid]
	if !ok {
		return nil, false, nil
	}
	cp := *s.results[id]
	return &cp, true, nil
}

// ListResultsByAlert returns all results for one alert.
func (s *Store) ListResultsByAlert(_ context.Context, alertID string) ([]*notify.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*notify.Result
	for _, r := range s.results {
		if r.AlertID != alertID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendDeliveryEvent appends a copy of the delivery event.
func (s *Store) AppendDeliveryEvent(_ context.Context, ev *notify.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

// DeliveryEvents returns all recorded delivery events (test helper).
func (s *Store) DeliveryEvents() []*notify.DeliveryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*notify.DeliveryEvent, len(s.events))
	copy(out, s.events)
	return out
}

// PutContact stores a copy of the contact.
func (s *Store) PutContact(_ context.Context, c *notify.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

// ListActiveContacts returns active contacts of the given types for a tenant,
// ordered by priority. An empty tenant id returns no rows.
func (s *Store) ListActiveContacts(_ context.Context, tenantID string, types ...notify.ContactType) ([]*notify.Contact, error) {
	if tenantID == "" {
		return nil, nil
	}
	want := make(map[notify.ContactType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*notify.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID || !c.Active {
			continue
		}
		if len(want) > 0 && !want[c.Type] {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
