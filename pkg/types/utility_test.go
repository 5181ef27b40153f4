package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtilityPeriodContains(t *testing.T) {
	t.Run("Whole Day", func(t *testing.T) {
		p := &UtilityPeriod{HourEnd: 24}
		contained, err := p.Contains(time.Now())
		require.NoError(t, err)
		assert.True(t, contained)
	})

	t.Run("Hour End Is Exclusive", func(t *testing.T) {
		p := &UtilityPeriod{HourStart: 6, HourEnd: 22}

		contained, err := p.Contains(time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, contained)

		contained, err = p.Contains(time.Date(2025, 3, 3, 21, 59, 59, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, contained)

		contained, err = p.Contains(time.Date(2025, 3, 3, 22, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.False(t, contained)
	})

	t.Run("Date Range", func(t *testing.T) {
		start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
		p := &UtilityPeriod{Start: start, End: end, HourEnd: 24}

		contained, err := p.Contains(start)
		require.NoError(t, err)
		assert.True(t, contained)

		contained, err = p.Contains(start.Add(-time.Second))
		require.NoError(t, err)
		assert.False(t, contained)

		contained, err = p.Contains(end.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, contained)
	})

	t.Run("Weekend Only", func(t *testing.T) {
		p := &UtilityPeriod{
			DaysOfTheWeek: []time.Weekday{time.Saturday, time.Sunday},
			HourEnd:       24,
		}
		// 2025-03-08 is a Saturday
		contained, err := p.Contains(time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, contained)

		contained, err = p.Contains(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.False(t, contained)
	})

	t.Run("Location", func(t *testing.T) {
		p := &UtilityPeriod{Location: "Europe/Berlin", HourStart: 8, HourEnd: 20}

		// 07:30 UTC is 08:30 CET
		contained, err := p.Contains(time.Date(2025, 1, 6, 7, 30, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, contained)

		// 19:30 UTC is 20:30 CET
		contained, err = p.Contains(time.Date(2025, 1, 6, 19, 30, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.False(t, contained)
	})

	t.Run("Invalid Location", func(t *testing.T) {
		p := &UtilityPeriod{Location: "Nowhere/Special"}
		_, err := p.Contains(time.Now())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load location")
	})
}
