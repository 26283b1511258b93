package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newRun(name string) *models.Run {
	return &models.Run{
		BaseModel: models.NewBaseModel(),
		Name:      name,
		Seed:      42,
		Region:    "EU868",
		Duration:  models.SimDuration(time.Hour),
		Devices:   10,
		Gateways:  2,
		Status:    models.RunStatusRunning,
	}
}

func TestRuns(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			run := newRun("first")
			require.NoError(t, store.CreateRun(ctx, run))

			got, err := store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "first", got.Name)
			assert.Equal(t, models.SimDuration(time.Hour), got.Duration)
			assert.Equal(t, models.RunStatusRunning, got.Status)
			assert.Nil(t, got.FinishedAt)

			finished := time.Now().UTC()
			run.Status = models.RunStatusFinished
			run.FinishedAt = &finished
			require.NoError(t, store.UpdateRun(ctx, run))

			got, err = store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFinished, got.Status)
			require.NotNil(t, got.FinishedAt)
			assert.WithinDuration(t, finished, *got.FinishedAt, time.Millisecond)

			second := newRun("second")
			second.CreatedAt = run.CreatedAt.Add(time.Minute)
			require.NoError(t, store.CreateRun(ctx, second))

			runs, total, err := store.ListRuns(ctx, 1, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(2), total)
			require.Len(t, runs, 1)
			assert.Equal(t, "second", runs[0].Name)

			_, err = store.GetRun(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.UpdateRun(ctx, newRun("missing")), ErrNotFound)
		})
	}
}

func TestSummaries(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("summary")
			require.NoError(t, store.CreateRun(ctx, run))

			summary := &models.RunSummary{
				Run:      *run,
				Network:  []models.DeviceSummary{{DevAddr: "26011bda", DSSent: 3, RW1Sent: 2, RW2Sent: 1}},
				Devices:  []models.EndDeviceSummary{{DevAddr: "26011bda", RX1: 2, RX2: 1}},
				Gateways: []models.GatewaySummary{{GatewayID: "gw1", BeaconsSent: 28}},
				Totals:   models.NetworkTotals{Beacons: 28},
			}

			tx, err := store.BeginTx(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.SaveSummary(ctx, summary))
			run.Status = models.RunStatusFinished
			require.NoError(t, tx.UpdateRun(ctx, run))
			require.NoError(t, tx.Commit())

			got, err := store.GetSummary(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFinished, got.Run.Status)
			assert.Equal(t, summary.Network, got.Network)
			assert.Equal(t, summary.Devices, got.Devices)
			assert.Equal(t, summary.Gateways, got.Gateways)
			assert.Equal(t, summary.Totals, got.Totals)

			// saving again replaces the tables
			summary.Totals.Beacons = 29
			require.NoError(t, store.SaveSummary(ctx, summary))
			got, err = store.GetSummary(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, uint64(29), got.Totals.Beacons)

			_, err = store.GetSummary(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.SaveSummary(ctx, &models.RunSummary{}), ErrInvalidData)
		})
	}
}

func TestEvents(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID := uuid.New()

			var batch []*models.Event
			for i, typ := range []models.EventType{
				models.EventTypeUSMsgReceived,
				models.EventTypeDSMsgTransmitted,
				models.EventTypeBeaconSent,
				models.EventTypeUSMsgReceived,
			} {
				// inserted out of simulated time order
				e := models.NewEvent(runID, time.Duration(4-i)*time.Second, typ, models.EventLevelInfo)
				e.DevAddr = "26011bda"
				e.Details["fCnt"] = i
				batch = append(batch, e)
			}
			other := models.NewEvent(uuid.New(), 0, models.EventTypeError, models.EventLevelError)
			batch = append(batch, other)
			require.NoError(t, store.CreateEvents(ctx, batch))

			events, total, err := store.ListEvents(ctx, EventFilters{RunID: &runID}, 10, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(4), total)
			require.Len(t, events, 4)
			assert.Equal(t, models.SimDuration(time.Second), events[0].SimTime)
			assert.Equal(t, models.SimDuration(4*time.Second), events[3].SimTime)

			typ := models.EventTypeUSMsgReceived
			events, total, err = store.ListEvents(ctx, EventFilters{RunID: &runID, Type: &typ}, 1, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), total)
			require.Len(t, events, 1)
			assert.Equal(t, batch[0].ID, events[0].ID)
			assert.Equal(t, "26011bda", events[0].DevAddr)
			assert.EqualValues(t, 0, events[0].Details["fCnt"])

			level := models.EventLevelError
			events, _, err = store.ListEvents(ctx, EventFilters{Level: &level}, 10, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, other.ID, events[0].ID)
		})
	}
}
