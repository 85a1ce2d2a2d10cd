// Package memory provides an in-process scan.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/securescan/internal/scan"
)

// Store keeps scan records in a map guarded by a single RWMutex. Critical
// sections only touch the map; copies are made outside the lock where possible.
type Store struct {
	mu      sync.RWMutex
	records map[scan.ID]*scan.Record

	clock scan.Clock
	ids   scan.IDGenerator
}

// NewStore constructs a Store.
func NewStore(clock scan.Clock, ids scan.IDGenerator) *Store {
	return &Store{
		records: make(map[scan.ID]*scan.Record),
		clock:   clock,
		ids:     ids,
	}
}

// Create inserts a queued record.
func (s *Store) Create(_ context.Context, targetURL string) (scan.Record, error) {
	raw, err := s.ids.NewID()
	if err != nil {
		return scan.Record{}, fmt.Errorf("generate scan id: %w", err)
	}
	rec := &scan.Record{
		ID:        scan.ID(raw),
		TargetURL: targetURL,
		Status:    scan.StatusQueued,
		Findings:  []scan.Finding{},
		CreatedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return scan.Record{}, fmt.Errorf("scan %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	return rec.Clone(), nil
}

// Get fetches a record by ID.
func (s *Store) Get(_ context.Context, id scan.ID) (scan.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return scan.Record{}, scan.ErrNotFound
	}
	return rec.Clone(), nil
}

// SetStatus moves a record along the state machine.
func (s *Store) SetStatus(_ context.Context, id scan.ID, status scan.Status) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !scan.CanTransition(rec.Status, status) {
		return nil
	}
	rec.Status = status
	if status.IsTerminal() && rec.FinishedAt == nil {
		rec.FinishedAt = &now
	}
	return nil
}

// SetFindings replaces the findings of a record.
func (s *Store) SetFindings(_ context.Context, id scan.ID, findings []scan.Finding) error {
	cp := scan.CloneFindings(findings)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Findings = cp
	}
	return nil
}

// List returns every record, newest first.
func (s *Store) List(_ context.Context) ([]scan.Record, error) {
	s.mu.RLock()
	out := make([]scan.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	SortRecords(out)
	return out, nil
}

// SortRecords orders records by CreatedAt descending, then by ID ascending.
func SortRecords(records []scan.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
