package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// testDatabase runs the behavior every provider has to share against db. It
// expects an empty database.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	base := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	sample := func(offset int, kwh float64, manual bool) types.ConsumptionSample {
		ts := base.Add(time.Duration(offset) * time.Hour)
		return types.ConsumptionSample{
			Timestamp:      ts,
			Hour:           ts.Hour(),
			ConsumptionKWH: kwh,
			IsManual:       manual,
			RecordedAt:     base.Add(48 * time.Hour),
		}
	}

	t.Run("Settings", func(t *testing.T) {
		s, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, s)

		settings := types.Settings{
			DryRun:  true,
			Battery: types.BatteryParams{CapacityKWH: 10.6, MinSOC: 20, MaxSOC: 95, MaxChargePowerKW: 3.9},
		}
		require.NoError(t, db.SetSettings(ctx, settings, 2))

		got, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		assert.Equal(t, settings, got)
	})

	t.Run("Consumption", func(t *testing.T) {
		assert.ErrorIs(t, db.UpsertConsumption(ctx, nil), ErrEmptyBatch)

		require.NoError(t, db.UpsertConsumption(ctx, []types.ConsumptionSample{
			sample(0, 0.4, true),
			sample(1, 0.5, true),
			sample(2, 0.6, false),
			sample(30, 1.2, false),
		}))

		got, err := db.GetConsumptionHistory(ctx, base, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Timestamp.Equal(base))
		assert.Equal(t, 0.4, got[0].ConsumptionKWH)
		assert.True(t, got[0].IsManual)
		assert.False(t, got[2].IsManual)
		assert.True(t, got[2].RecordedAt.Equal(base.Add(48*time.Hour)))

		t.Run("Open Ended", func(t *testing.T) {
			got, err := db.GetConsumptionHistory(ctx, base, time.Time{})
			require.NoError(t, err)
			assert.Len(t, got, 4)
		})

		t.Run("Upsert Replaces", func(t *testing.T) {
			require.NoError(t, db.UpsertConsumption(ctx, []types.ConsumptionSample{sample(1, 0.9, false)}))
			got, err := db.GetConsumptionHistory(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 0.9, got[0].ConsumptionKWH)
			assert.False(t, got[0].IsManual)
		})

		t.Run("Delete Samples", func(t *testing.T) {
			n, err := db.DeleteConsumptionSamples(ctx, []time.Time{base.Add(2 * time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})

		t.Run("Delete Before", func(t *testing.T) {
			n, err := db.DeleteConsumptionBefore(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})

		t.Run("Delete Manual Only", func(t *testing.T) {
			require.NoError(t, db.UpsertConsumption(ctx, []types.ConsumptionSample{sample(5, 0.3, true)}))
			n, err := db.DeleteConsumption(ctx, true)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := db.GetConsumptionHistory(ctx, base, time.Time{})
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})

		t.Run("Delete All", func(t *testing.T) {
			n, err := db.DeleteConsumption(ctx, false)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	})

	t.Run("Actions", func(t *testing.T) {
		latest, err := db.GetLatestAction(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest)

		a1 := types.Action{Timestamp: base, Charge: true, SetpointW: -3900, Reason: types.ActionReasonScheduledCharge, Description: "first"}
		a2 := types.Action{Timestamp: base.Add(2 * time.Hour), Reason: types.ActionReasonScheduleOK, Description: "second"}
		require.NoError(t, db.InsertAction(ctx, a2))
		require.NoError(t, db.InsertAction(ctx, a1))

		actions, err := db.GetActionHistory(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "first", actions[0].Description)
		assert.Equal(t, -3900.0, actions[0].SetpointW)

		latest, err = db.GetLatestAction(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "second", latest.Description)

		t.Run("Same Second", func(t *testing.T) {
			ts := base.Add(30 * time.Minute)
			require.NoError(t, db.InsertAction(ctx, types.Action{Timestamp: ts.Add(200 * time.Millisecond), Reason: types.ActionReasonScheduleOK, Description: "loop"}))
			require.NoError(t, db.InsertAction(ctx, types.Action{Timestamp: ts, Charge: true, Reason: types.ActionReasonManual, Description: "manual start"}))
			require.NoError(t, db.InsertAction(ctx, types.Action{Timestamp: ts, Reason: types.ActionReasonManual, Description: "manual stop"}))

			actions, err := db.GetActionHistory(ctx, base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, actions, 4)
			assert.Equal(t, "first", actions[0].Description)
			assert.ElementsMatch(t, []string{"manual start", "manual stop"}, []string{actions[1].Description, actions[2].Description})
			assert.Equal(t, "loop", actions[3].Description)
		})
	})
}
