package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Run methods
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, int64, error)

	// Summary methods
	SaveSummary(ctx context.Context, summary *models.RunSummary) error
	GetSummary(ctx context.Context, runID uuid.UUID) (*models.RunSummary, error)

	// Event methods
	CreateEvents(ctx context.Context, events []*models.Event) error
	ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error)

	// Close the store
	Close() error
}

// EventFilters represents filters for events
type EventFilters struct {
	RunID   *uuid.UUID
	DevAddr *string
	Type    *models.EventType
	Level   *models.EventLevel
}

func (f EventFilters) match(e *models.Event) bool {
	if f.RunID != nil && e.RunID != *f.RunID {
		return false
	}
	if f.DevAddr != nil && e.DevAddr != *f.DevAddr {
		return false
	}
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Level != nil && e.Level != *f.Level {
		return false
	}
	return true
}
