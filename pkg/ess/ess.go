package ess

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// System defines the interface for interacting with the battery inverter.
type System interface {
	// GetStatus returns the current status of the system.
	GetStatus(ctx context.Context) (types.SystemStatus, error)

	// StartCharging takes the battery under external control and charges it
	// from the grid with watts.
	StartCharging(ctx context.Context, watts float64) error

	// StopCharging clears the setpoint and hands control back to the
	// inverter.
	StopCharging(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Configured sets up the ESS selected by flags.
func Configured() System {
	provider := lflag.String("ess-provider", "kostal", "Battery system to control (available: kostal, mock)")

	var s struct{ System }

	kostal := configuredKostal()

	lflag.Do(func() {
		switch *provider {
		case "kostal":
			if err := kostal.Validate(); err != nil {
				panic(fmt.Sprintf("kostal validation failed: %v", err))
			}
			s.System = kostal
		case "mock":
			s.System = NewMock(mockCapacityKWH, 50)
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return &s
}
