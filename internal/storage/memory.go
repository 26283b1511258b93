package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// MemoryStore keeps everything in process memory. It is the store used when
// no database is configured. Transactions are not isolated.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[uuid.UUID]*models.Run
	summaries map[uuid.UUID]*models.RunSummary
	events    []*models.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[uuid.UUID]*models.Run),
		summaries: make(map[uuid.UUID]*models.RunSummary),
	}
}

// BeginTx returns the store itself
func (s *MemoryStore) BeginTx(context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// CreateRun creates a run record
func (s *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun gets a run by ID
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// UpdateRun replaces a run record
func (s *MemoryStore) UpdateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// ListRuns lists runs, newest first
func (s *MemoryStore) ListRuns(_ context.Context, limit, offset int) ([]*models.Run, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), int64(len(all)), nil
}

// SaveSummary stores the end-of-run tables of a run
func (s *MemoryStore) SaveSummary(_ context.Context, summary *models.RunSummary) error {
	if summary.Run.ID == uuid.Nil {
		return fmt.Errorf("%w: summary without run id", ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	s.summaries[summary.Run.ID] = &cp
	return nil
}

// GetSummary gets the summary of a run with the current run record
func (s *MemoryStore) GetSummary(_ context.Context, runID uuid.UUID) (*models.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *summary
	if run, ok := s.runs[runID]; ok {
		cp.Run = *run
	}
	return &cp, nil
}

// CreateEvents appends events
func (s *MemoryStore) CreateEvents(_ context.Context, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		s.events = append(s.events, e)
	}
	return nil
}

// ListEvents lists events with filters, in simulated time order
func (s *MemoryStore) ListEvents(_ context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, e := range s.events {
		if filters.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SimTime < out[j].SimTime })
	return page(out, limit, offset), int64(len(out)), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
