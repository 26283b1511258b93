package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// SaveSummary stores the end-of-run tables of a run, replacing earlier ones
func (s *SQLStore) SaveSummary(ctx context.Context, summary *models.RunSummary) error {
	if summary.Run.ID == uuid.Nil {
		return fmt.Errorf("%w: summary without run id", ErrInvalidData)
	}

	network, err := json.Marshal(summary.Network)
	if err != nil {
		return fmt.Errorf("marshal network summary: %w", err)
	}
	devices, err := json.Marshal(summary.Devices)
	if err != nil {
		return fmt.Errorf("marshal device summary: %w", err)
	}
	gateways, err := json.Marshal(summary.Gateways)
	if err != nil {
		return fmt.Errorf("marshal gateway summary: %w", err)
	}
	totals, err := json.Marshal(summary.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}

	query := `
		INSERT INTO run_summaries (run_id, network, devices, gateways, totals)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			network = excluded.network,
			devices = excluded.devices,
			gateways = excluded.gateways,
			totals = excluded.totals`

	_, err = s.exec(ctx, query, summary.Run.ID,
		string(network), string(devices), string(gateways), string(totals))
	return err
}

// GetSummary gets the summary of a run together with the run itself
func (s *SQLStore) GetSummary(ctx context.Context, runID uuid.UUID) (*models.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var network, devices, gateways, totals string
	err = s.queryRow(ctx,
		"SELECT network, devices, gateways, totals FROM run_summaries WHERE run_id = $1", runID,
	).Scan(&network, &devices, &gateways, &totals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{Run: *run}
	for _, part := range []struct {
		data string
		dst  interface{}
	}{
		{network, &summary.Network},
		{devices, &summary.Devices},
		{gateways, &summary.Gateways},
		{totals, &summary.Totals},
	} {
		if err := json.Unmarshal([]byte(part.data), part.dst); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return summary, nil
}
