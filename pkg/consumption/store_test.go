package consumption

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/storage/storagemock"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// 2025-03-12 is a Wednesday
var testNow = time.Date(2025, 3, 12, 14, 20, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, time.UTC)
	s.now = func() time.Time { return testNow }
	return s
}

func flatDay(date string, kwh float64) types.DailyConsumption {
	hours := make([]float64, 24)
	for i := range hours {
		hours[i] = kwh
	}
	return types.DailyConsumption{Date: date, Hours: hours}
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("Rounds To Hour", func(t *testing.T) {
		s := newTestStore(t)
		s.Record(ctx, time.Date(2025, 3, 12, 9, 47, 12, 0, time.UTC), 0.8)

		got := s.TodayConsumption(ctx, testNow)
		assert.Equal(t, map[int]float64{9: 0.8}, got)
	})

	t.Run("Rejects Invalid Readings", func(t *testing.T) {
		s := newTestStore(t)
		s.Record(ctx, testNow, -0.1)
		s.Record(ctx, testNow, 150)
		s.Record(ctx, testNow, math.NaN())
		s.Record(ctx, testNow, math.Inf(1))
		assert.Zero(t, s.Statistics(ctx).TotalRecords)
	})

	t.Run("Keeps High Readings", func(t *testing.T) {
		s := newTestStore(t)
		s.Record(ctx, testNow, 75)
		assert.Equal(t, 1, s.Statistics(ctx).TotalRecords)
	})

	t.Run("Replaces Same Hour", func(t *testing.T) {
		s := newTestStore(t)
		s.Record(ctx, testNow, 0.5)
		s.Record(ctx, testNow.Add(10*time.Minute), 0.7)
		assert.Equal(t, map[int]float64{14: 0.7}, s.TodayConsumption(ctx, testNow))
	})

	t.Run("Prunes Old Samples", func(t *testing.T) {
		s := newTestStore(t)
		s.Record(ctx, testNow.AddDate(0, 0, -40), 0.5)
		s.Record(ctx, testNow, 0.5)
		assert.Equal(t, 1, s.Statistics(ctx).TotalRecords)
	})
}

func TestImportBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid Days", func(t *testing.T) {
		s := newTestStore(t)
		res := s.ImportBatch(ctx, []types.DailyConsumption{flatDay("2025-03-10", 0.4), flatDay("2025-03-11", 0.6)})
		assert.True(t, res.Success)
		assert.Equal(t, 48, res.ImportedHours)
		assert.Equal(t, 0, res.SkippedDays)

		stats := s.Statistics(ctx)
		assert.Equal(t, 48, stats.ManualRecords)
		assert.Equal(t, 0.0, stats.LearningProgress)
	})

	t.Run("Skips Incomplete Day", func(t *testing.T) {
		s := newTestStore(t)
		short := types.DailyConsumption{Date: "2025-03-09", Hours: make([]float64, 23)}
		res := s.ImportBatch(ctx, []types.DailyConsumption{short, flatDay("2025-03-10", 0.4), {Date: "yesterday", Hours: make([]float64, 24)}})
		assert.False(t, res.Success)
		assert.Equal(t, 24, res.ImportedHours)
		assert.Equal(t, 2, res.SkippedDays)
	})

	t.Run("Clamps Values", func(t *testing.T) {
		s := newTestStore(t)
		day := flatDay("2025-03-12", 0.5)
		day.Hours[3] = -2
		day.Hours[4] = 80
		res := s.ImportBatch(ctx, []types.DailyConsumption{day})
		require.True(t, res.Success)

		got := s.TodayConsumption(ctx, testNow)
		assert.Equal(t, 0.0, got[3])
		assert.Equal(t, 50.0, got[4])
	})

	t.Run("Skips Non-Finite Day", func(t *testing.T) {
		s := newTestStore(t)
		bad := flatDay("2025-03-10", 0.4)
		bad.Hours[5] = math.NaN()
		inf := flatDay("2025-03-09", 0.4)
		inf.Hours[0] = math.Inf(-1)
		res := s.ImportBatch(ctx, []types.DailyConsumption{bad, inf, flatDay("2025-03-11", 0.6)})
		assert.False(t, res.Success)
		assert.Empty(t, res.Error)
		assert.Equal(t, 24, res.ImportedHours)
		assert.Equal(t, 2, res.SkippedDays)
	})

	t.Run("Storage Failure", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertConsumption", mock.Anything, mock.Anything).Return(errors.New("disk full"))
		s := New(db, time.UTC)
		res := s.ImportBatch(ctx, []types.DailyConsumption{flatDay("2025-03-10", 0.4)})
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.ImportedHours)
		assert.Equal(t, "disk full", res.Error)
		db.AssertNotCalled(t, "DeleteConsumptionBefore", mock.Anything, mock.Anything)
	})
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	row := func(sep, date, weekday, v string) string {
		fields := []string{date, weekday}
		for range 24 {
			fields = append(fields, v)
		}
		return strings.Join(fields, sep) + "\n"
	}
	header := "datum,wochentag,h0,h1,h2,h3,h4,h5,h6,h7,h8,h9,h10,h11,h12,h13,h14,h15,h16,h17,h18,h19,h20,h21,h22,h23\n"

	t.Run("Comma Separated", func(t *testing.T) {
		s := newTestStore(t)
		csv := header +
			row(",", "2025-03-10", "Montag", "0.4") +
			row(",", "11.03.2025", "Dienstag", "0.5") +
			row(",", "bogus", "Mittwoch", "0.5")
		res := s.ImportCSV(ctx, strings.NewReader(csv))
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.ImportedDays)
		assert.Equal(t, 48, res.ImportedHours)
	})

	t.Run("Semicolon With Decimal Comma", func(t *testing.T) {
		s := newTestStore(t)
		csv := strings.ReplaceAll(header, ",", ";") + row(";", "2025-03-12", "Mittwoch", "0,25")
		res := s.ImportCSV(ctx, strings.NewReader(csv))
		require.True(t, res.Success, res.Error)
		assert.InDelta(t, 0.25, s.TodayConsumption(ctx, testNow)[7], 1e-9)
	})

	t.Run("Non-Finite Values Skip Row", func(t *testing.T) {
		s := newTestStore(t)
		csv := header +
			row(",", "2025-03-09", "Sonntag", "NaN") +
			row(",", "2025-03-10", "Montag", "Inf") +
			row(",", "2025-03-11", "Dienstag", "0.5")
		res := s.ImportCSV(ctx, strings.NewReader(csv))
		assert.True(t, res.Success, res.Error)
		assert.Equal(t, 1, res.ImportedDays)
		assert.Equal(t, 24, res.ImportedHours)
	})

	t.Run("No Valid Rows", func(t *testing.T) {
		s := newTestStore(t)
		res := s.ImportCSV(ctx, strings.NewReader(header+"2025-03-10,Montag,1,2\n"))
		assert.False(t, res.Success)
		assert.Equal(t, ErrNoCSVData.Error(), res.Error)
	})

	t.Run("Missing Column", func(t *testing.T) {
		s := newTestStore(t)
		res := s.ImportCSV(ctx, strings.NewReader("datum,h0\n2025-03-10,1\n"))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing column")
	})
}

func TestAverageAndProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty Store Uses Fallback", func(t *testing.T) {
		s := newTestStore(t)
		assert.Equal(t, 1.0, s.Average(ctx, 7, nil))
		profile := s.HourlyProfile(ctx, testNow)
		for h := range 24 {
			assert.Equal(t, 1.0, profile[h])
		}

		s.ApplySettings(types.Settings{FallbackConsumptionKWH: 0.7})
		assert.Equal(t, 0.7, s.Average(ctx, 7, nil))
	})

	t.Run("Weekday Conditioning", func(t *testing.T) {
		s := newTestStore(t)
		// Mondays at 0.4, Tuesdays at 0.8
		res := s.ImportBatch(ctx, []types.DailyConsumption{
			flatDay("2025-03-03", 0.4),
			flatDay("2025-03-10", 0.4),
			flatDay("2025-03-04", 0.8),
			flatDay("2025-03-11", 0.8),
		})
		require.True(t, res.Success)

		monday := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
		tuesday := monday.AddDate(0, 0, 1)
		assert.InDelta(t, 0.4, s.Average(ctx, 9, &monday), 1e-9)
		assert.InDelta(t, 0.8, s.Average(ctx, 9, &tuesday), 1e-9)
		assert.InDelta(t, 0.6, s.Average(ctx, 9, nil), 1e-9)

		assert.InDelta(t, 0.4, s.HourlyProfile(ctx, monday)[20], 1e-9)
		assert.InDelta(t, 0.8, s.HourlyProfile(ctx, tuesday)[20], 1e-9)
	})

	t.Run("Missing Hours Use Mean", func(t *testing.T) {
		s := newTestStore(t)
		// Wednesday 2025-03-12 hours 8 and 9
		s.Record(ctx, time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC), 1.0)
		s.Record(ctx, time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC), 2.0)

		profile := s.HourlyProfile(ctx, testNow)
		assert.Equal(t, 1.0, profile[8])
		assert.Equal(t, 2.0, profile[9])
		assert.Equal(t, 1.5, profile[0])
		assert.Equal(t, 1.5, profile[23])
	})

	t.Run("Metered Wins Over Manual", func(t *testing.T) {
		s := newTestStore(t)
		res := s.ImportBatch(ctx, []types.DailyConsumption{flatDay("2025-03-12", 0.3)})
		require.True(t, res.Success)
		s.Record(ctx, time.Date(2025, 3, 12, 10, 15, 0, 0, time.UTC), 0.9)

		assert.InDelta(t, 0.9, s.Average(ctx, 10, &testNow), 1e-9)
		assert.InDelta(t, 0.3, s.Average(ctx, 11, &testNow), 1e-9)
	})

	t.Run("Storage Failure Uses Fallback", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetConsumptionHistory", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))
		s := New(db, time.UTC)
		assert.Equal(t, 1.0, s.Average(ctx, 3, nil))
		assert.Equal(t, 1.0, s.HourlyProfile(ctx, testNow)[3])
	})
}

func TestAddManualProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.AddManualProfile(ctx, map[int]float64{7: 2.0, 18: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 28*24, n)

	assert.InDelta(t, 2.0, s.Average(ctx, 7, nil), 1e-9)
	assert.InDelta(t, 1.5, s.Average(ctx, 18, nil), 1e-9)
	assert.InDelta(t, 0.2, s.Average(ctx, 3, nil), 1e-9)

	// every generated day survives pruning
	stats := s.Statistics(ctx)
	assert.Equal(t, 28*24, stats.TotalRecords)
	require.NotNil(t, stats.Oldest)
	assert.True(t, stats.Oldest.Equal(time.Date(2025, 2, 13, 0, 0, 0, 0, time.UTC)), stats.Oldest)
	assert.True(t, stats.Newest.Equal(time.Date(2025, 3, 12, 23, 0, 0, 0, time.UTC)), stats.Newest)

	_, err = s.AddManualProfile(ctx, map[int]float64{24: 1})
	assert.Error(t, err)
	_, err = s.AddManualProfile(ctx, map[int]float64{3: -1})
	assert.Error(t, err)
	_, err = s.AddManualProfile(ctx, map[int]float64{3: math.NaN()})
	assert.Error(t, err)
}

func TestPredictUntil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.AddManualProfile(ctx, map[int]float64{
		0: 0.5, 1: 0.5, 2: 0.5, 3: 0.5, 4: 0.5, 5: 0.5, 6: 0.5, 7: 0.5,
		8: 0.5, 9: 0.5, 10: 0.5, 11: 0.5, 12: 0.5, 13: 0.5, 14: 0.5, 15: 0.5,
		16: 1.0, 17: 1.0, 18: 1.0, 19: 1.0, 20: 0.5, 21: 0.5, 22: 0.5, 23: 0.5,
	})
	require.NoError(t, err)

	// 14:20, 40 minutes of hour 14 then hours 15..17
	got := s.PredictUntil(ctx, 18, testNow)
	assert.InDelta(t, 0.5*40/60+0.5+1.0+1.0, got, 1e-9)

	// wraps past midnight: 23:00 to 01:00
	got = s.PredictUntil(ctx, 1, time.Date(2025, 3, 12, 23, 0, 0, 0, time.UTC))
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assert.Equal(t, types.ConsumptionStats{}, s.Statistics(ctx))

	require.True(t, s.ImportBatch(ctx, []types.DailyConsumption{flatDay("2025-03-11", 0.4)}).Success)
	for h := range 8 {
		s.Record(ctx, time.Date(2025, 3, 12, h, 0, 0, 0, time.UTC), 0.5)
	}

	stats := s.Statistics(ctx)
	assert.Equal(t, 32, stats.TotalRecords)
	assert.Equal(t, 24, stats.ManualRecords)
	assert.Equal(t, 8, stats.LearnedRecords)
	assert.Equal(t, 25.0, stats.LearningProgress)
	require.NotNil(t, stats.Oldest)
	assert.True(t, stats.Oldest.Equal(time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)))
	assert.True(t, stats.Newest.Equal(time.Date(2025, 3, 12, 7, 0, 0, 0, time.UTC)))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.True(t, s.ImportBatch(ctx, []types.DailyConsumption{flatDay("2025-03-11", 0.4)}).Success)
	s.Record(ctx, testNow, 0.5)

	n, err := s.ClearManual(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	n, err = s.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanupDuplicates(t *testing.T) {
	ctx := context.Background()

	// Europe/Berlin repeats 02:00 on 2024-10-27, giving two samples for the
	// same local calendar hour.
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	db, err := storage.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	first := time.Date(2024, 10, 27, 0, 0, 0, 0, time.UTC)  // 02:00 CEST
	second := time.Date(2024, 10, 27, 1, 0, 0, 0, time.UTC) // 02:00 CET
	recorded := time.Date(2024, 10, 28, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertConsumption(ctx, []types.ConsumptionSample{
		{Timestamp: first, Hour: 2, ConsumptionKWH: 0.3, IsManual: true, RecordedAt: recorded},
		{Timestamp: second, Hour: 2, ConsumptionKWH: 0.6, RecordedAt: recorded},
	}))

	s := New(db, berlin)
	s.now = func() time.Time { return recorded }

	n, err := s.CleanupDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := db.GetConsumptionHistory(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Timestamp.Equal(second))

	n, err = s.CleanupDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
