// Package memstore provides an in-memory implementation of alert.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/vanguard/internal/alert"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu             sync.RWMutex
	alerts         map[string]*alert.Alert
	investigations map[string]*alert.Investigation // alert ID -> record
	metrics        map[string]*alert.Metrics       // alert ID -> row
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:         make(map[string]*alert.Alert),
		investigations: make(map[string]*alert.Investigation),
		metrics:        make(map[string]*alert.Metrics),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// Put stores a copy of the alert.
func (s *Store) Put(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

// ListByTenant returns alerts for one tenant, newest first is not guaranteed.
// An empty tenant id returns no rows.
func (s *Store) ListByTenant(_ context.Context, tenantID string, limit int) ([]*alert.Alert, error) {
	if tenantID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetInvestigation retrieves the investigation record for an alert. Returns a copy.
func (s *Store) GetInvestigation(_ context.Context, alertID string) (*alert.Investigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.investigations[alertID]
	if !ok {
		return nil, false, nil
	}
	cp := *inv
	cp.History = append([]alert.InvestigationStep(nil), inv.History...)
	return &cp, true, nil
}

// PutInvestigation stores a copy of the investigation record. The
// investigation count never decreases.
func (s *Store) PutInvestigation(_ context.Context, inv *alert.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.investigations[inv.AlertID]; ok && inv.Count < prev.Count {
		inv.Count = prev.Count
	}
	cp := *inv
	cp.History = append([]alert.InvestigationStep(nil), inv.History...)
	s.investigations[inv.AlertID] = &cp
	return nil
}

// AddMetrics accumulates the delta into the alert's metrics row.
func (s *Store) AddMetrics(_ context.Context, delta *alert.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[delta.AlertID]
	if !ok {
		cp := *delta
		s.metrics[delta.AlertID] = &cp
		return nil
	}
	m.PipelineMS += delta.PipelineMS
	m.TotalTokens += delta.TotalTokens
	m.CostEstimate += delta.CostEstimate
	m.AICalls += delta.AICalls
	return nil
}

// GetMetrics retrieves the metrics row for an alert. Returns a copy.
func (s *Store) GetMetrics(_ context.Context, alertID string) (*alert.Metrics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[alertID]
	if !ok {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

// ListAckOverdue returns alerts past their ack deadline that are still
// waiting on acknowledgement.
func (s *Store) ListAckOverdue(_ context.Context, now time.Time) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.AttentionState != alert.AttentionPendingAck {
			continue
		}
		if a.AckDeadline.IsZero() || a.AckDeadline.After(now) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
