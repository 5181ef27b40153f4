package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// Decision is what the executor should do right now.
type Decision struct {
	Charge bool `json:"charge"`
	// PowerW is the charge power to request while Charge is set.
	PowerW      float64               `json:"powerW"`
	Reason      types.ActionReason    `json:"reason"`
	Description string                `json:"description"`
	Window      *types.ChargingWindow `json:"window,omitempty"`
}

// Controller turns the latest plan and the measured SOC into a charge
// decision.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// Decide determines whether to charge from the grid now. The battery limits
// take precedence over the plan: below MinSOC always charges and at or above
// MaxSOC never does.
func (c *Controller) Decide(ctx context.Context, soc float64, battery types.BatteryParams, plan *types.RollingPlan) Decision {
	powerW := battery.MaxChargePowerKW * 1000

	var d Decision
	switch {
	case soc < battery.MinSOC:
		d = Decision{
			Charge:      true,
			PowerW:      powerW,
			Reason:      types.ActionReasonSafetyCharge,
			Description: fmt.Sprintf("Safety charge: SOC %.1f%% below minimum %.0f%%", soc, battery.MinSOC),
		}
	case soc >= battery.MaxSOC:
		d = Decision{
			Reason:      types.ActionReasonBatteryFull,
			Description: fmt.Sprintf("Battery full: SOC %.1f%% >= %.0f%%", soc, battery.MaxSOC),
		}
	case plan == nil:
		d = Decision{
			Reason:      types.ActionReasonWaitingForPlan,
			Description: "Waiting for rolling schedule",
		}
	default:
		if w, ok := plan.ChargeNow(); ok {
			d = Decision{
				Charge:      true,
				PowerW:      powerW,
				Reason:      types.ActionReasonScheduledCharge,
				Description: fmt.Sprintf("Rolling schedule: %.2f kWh @ %.1f Cent/kWh (%s)", w.ChargeKWH, w.PricePerKWH*100, w.Reason),
				Window:      &w,
			}
		} else {
			d = Decision{
				Reason:      types.ActionReasonScheduleOK,
				Description: fmt.Sprintf("Rolling schedule OK (min SOC %.1f%%)", plan.MinSOCReached),
			}
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"charge decision",
		slog.Float64("soc", soc),
		slog.Bool("charge", d.Charge),
		slog.String("reason", string(d.Reason)),
		slog.String("description", d.Description),
	)
	return d
}
