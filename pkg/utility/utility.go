package utility

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// Utility provides grid prices.
type Utility interface {
	// GetPrices returns the known prices for today and, once published,
	// tomorrow. Prices are ordered by TSStart.
	GetPrices(ctx context.Context) ([]types.Price, error)
}

// Configured sets up the utility provider selected by flags.
func Configured() Utility {
	provider := lflag.String("utility-provider", "tibber", "Utility price provider to use (available: tibber, tou)")

	var u struct{ Utility }

	tibber := configuredTibber()
	tou := configuredTOU()

	lflag.Do(func() {
		switch *provider {
		case "tibber":
			if err := tibber.Validate(); err != nil {
				panic(fmt.Sprintf("tibber validation failed: %v", err))
			}
			u.Utility = tibber
		case "tou":
			if err := tou.Validate(); err != nil {
				panic(fmt.Sprintf("tou validation failed: %v", err))
			}
			u.Utility = tou
		default:
			panic(fmt.Sprintf("unknown utility provider: %s", *provider))
		}
	})

	return &u
}
