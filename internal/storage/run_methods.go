package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

const runColumns = "id, created_at, name, seed, region, duration, devices, gateways, status, error, finished_at"

// CreateRun creates a run record
func (s *SQLStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.exec(ctx, query,
		run.ID, run.CreatedAt, run.Name, run.Seed, run.Region, int64(run.Duration),
		run.Devices, run.Gateways, string(run.Status), run.Error, run.FinishedAt,
	)
	return err
}

// GetRun gets a run by ID
func (s *SQLStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	row := s.queryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// UpdateRun updates the mutable fields of a run
func (s *SQLStore) UpdateRun(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs SET
			duration = $1, devices = $2, gateways = $3,
			status = $4, error = $5, finished_at = $6
		WHERE id = $7`

	result, err := s.exec(ctx, query,
		int64(run.Duration), run.Devices, run.Gateways,
		string(run.Status), run.Error, run.FinishedAt, run.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns lists runs, newest first
func (s *SQLStore) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, int64, error) {
	var count int64
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, count, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.Run, error) {
	run := &models.Run{}
	var duration int64
	var status string
	err := row.Scan(
		&run.ID, &run.CreatedAt, &run.Name, &run.Seed, &run.Region, &duration,
		&run.Devices, &run.Gateways, &status, &run.Error, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = models.SimDuration(duration)
	run.Status = models.RunStatus(status)
	return run, nil
}
