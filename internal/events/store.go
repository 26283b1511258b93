package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// EventStore persists events
type EventStore interface {
	CreateEvents(ctx context.Context, events []*models.Event) error
}

var levelRank = map[models.EventLevel]int{
	models.EventLevelDebug:   0,
	models.EventLevelInfo:    1,
	models.EventLevelWarning: 2,
	models.EventLevelError:   3,
}

// StoreSink collects events at or above a level and writes them to a store
// in one batch on Flush, keeping database round trips out of the
// simulation loop.
type StoreSink struct {
	mu       sync.Mutex
	store    EventStore
	minLevel models.EventLevel
	pending  []*models.Event
}

// NewStoreSink creates a sink keeping events of at least minLevel
func NewStoreSink(store EventStore, minLevel models.EventLevel) *StoreSink {
	return &StoreSink{store: store, minLevel: minLevel}
}

// Publish implements Publisher
func (s *StoreSink) Publish(e *models.Event) error {
	if levelRank[e.Level] < levelRank[s.minLevel] {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	return nil
}

// Pending returns the number of events not yet flushed
func (s *StoreSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes the collected events
func (s *StoreSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.store.CreateEvents(ctx, batch); err != nil {
		return fmt.Errorf("store %d events: %w", len(batch), err)
	}
	return nil
}
