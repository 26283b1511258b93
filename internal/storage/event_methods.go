package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// CreateEvents stores a batch of events in one transaction
func (s *SQLStore) CreateEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	store := s
	if s.tx == nil {
		tx, err := s.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		store = tx.(*SQLStore)
	}

	query := `
		INSERT INTO events (
			id, run_id, created_at, sim_time, type, level,
			dev_addr, gateway_id, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for _, event := range events {
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now().UTC()
		}

		var details interface{}
		if event.Details != nil {
			v, err := event.Details.Value()
			if err != nil {
				return fmt.Errorf("encode details: %w", err)
			}
			details = string(v.([]byte))
		}

		_, err := store.exec(ctx, query,
			event.ID, event.RunID, event.CreatedAt, int64(event.SimTime),
			string(event.Type), string(event.Level), event.DevAddr, event.GatewayID,
			event.Description, details,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if s.tx == nil {
		return store.Commit()
	}
	return nil
}

// ListEvents lists events with filters, in simulated time order
func (s *SQLStore) ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM events WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.RunID != nil {
		argCount++
		query += fmt.Sprintf(" AND run_id = $%d", argCount)
		args = append(args, *filters.RunID)
	}

	if filters.DevAddr != nil {
		argCount++
		query += fmt.Sprintf(" AND dev_addr = $%d", argCount)
		args = append(args, *filters.DevAddr)
	}

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(*filters.Type))
	}

	if filters.Level != nil {
		argCount++
		query += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, string(*filters.Level))
	}

	// Get count
	var count int64
	if err := s.queryRow(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, run_id, created_at, sim_time, type, level, dev_addr, gateway_id, description, details", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY sim_time, created_at LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		var simTime int64
		var typ, level string

		err := rows.Scan(
			&event.ID, &event.RunID, &event.CreatedAt, &simTime, &typ, &level,
			&event.DevAddr, &event.GatewayID, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		event.SimTime = models.SimDuration(simTime)
		event.Type = models.EventType(typ)
		event.Level = models.EventLevel(level)

		events = append(events, event)
	}

	return events, count, rows.Err()
}
