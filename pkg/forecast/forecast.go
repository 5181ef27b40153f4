package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// Provider forecasts solar production.
type Provider interface {
	// HourlyPV returns the expected production in kWh per hour. Index 0 is
	// the hour containing now; at most 48 hours are returned.
	HourlyPV(ctx context.Context, now time.Time) (types.PVForecast, error)
}

// Configured returns the provider selected by flags.
func Configured() Provider {
	provider := lflag.String("forecast-provider", "none", "Solar forecast provider to use (available: none, forecastsolar)")

	var p struct{ Provider }

	fs := configuredSolar()

	lflag.Do(func() {
		switch *provider {
		case "none":
			p.Provider = None{}
		case "forecastsolar":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("forecastsolar validation failed: %v", err))
			}
			p.Provider = fs
		default:
			panic(fmt.Sprintf("unknown forecast provider: %s", *provider))
		}
	})

	return &p
}

// None forecasts no production, for sites without panels.
type None struct{}

// HourlyPV implements Provider.
func (None) HourlyPV(ctx context.Context, now time.Time) (types.PVForecast, error) {
	return nil, nil
}

// rolling converts calendar-indexed values (today 0..23, tomorrow 24..47)
// into offsets from the current hour.
func rolling(calendar []float64, currentHour int) types.PVForecast {
	if currentHour >= len(calendar) {
		return nil
	}
	out := make(types.PVForecast, len(calendar)-currentHour)
	copy(out, calendar[currentHour:])
	return out
}
