package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// SimulateTrajectory returns the SOC percentage at the start of every hour.
// The energy of hour i-1 (pv + charging - consumption) moves the battery
// from hour i-1 to hour i. Surplus can't fill the battery beyond MaxSOC but
// a battery that already is above MaxSOC may discharge, and it never drops
// below MinSOC. charging may be nil.
func SimulateTrajectory(battery types.BatteryParams, currentSOC float64, pv, consumption, charging []float64) []float64 {
	kwh := simulateKWH(battery, battery.KWH(currentSOC), pv, consumption, charging)
	soc := make([]float64, len(kwh))
	soc[0] = currentSOC
	for i := 1; i < len(kwh); i++ {
		soc[i] = battery.SOC(kwh[i])
	}
	return soc
}

func simulateKWH(battery types.BatteryParams, start float64, pv, consumption, charging []float64) []float64 {
	n := len(consumption)
	if n == 0 {
		return nil
	}
	minKWH, maxKWH := battery.MinKWH(), battery.MaxKWH()
	out := make([]float64, n)
	out[0] = start
	soc := start
	for i := 1; i < n; i++ {
		net := at(pv, i-1) + at(charging, i-1) - consumption[i-1]
		soc += net
		if net > 0 {
			soc = min(maxKWH, soc)
		}
		soc = max(minKWH, soc)
		out[i] = soc
	}
	return out
}

func at(v []float64, i int) float64 {
	if i < 0 || i >= len(v) {
		return 0
	}
	return v[i]
}

// ShortTermDeficit is the outcome of PredictShortTermDeficit.
type ShortTermDeficit struct {
	HasDeficit     bool    `json:"hasDeficit"`
	DeficitKWH     float64 `json:"deficitKWH"`
	ConsumptionKWH float64 `json:"consumptionKWH"`
	PVKWH          float64 `json:"pvKWH"`
	Hours          int     `json:"hours"`
	Reason         string  `json:"reason"`
}

const (
	// DefaultShortTermHours is the horizon of PredictShortTermDeficit.
	DefaultShortTermHours = 3
	shortTermDeficitKWH   = 0.5
)

// PredictShortTermDeficit compares the expected consumption of the next
// hours against the PV forecast. Offset 0 of pv is the current hour.
func PredictShortTermDeficit(ctx context.Context, now time.Time, pv types.PVForecast, profiles ProfileSource, hours int) ShortTermDeficit {
	if hours <= 0 {
		hours = DefaultShortTermHours
	}
	res := ShortTermDeficit{Hours: hours}
	forecast := newProfileCache(ctx, profiles)
	for i := range hours {
		ts := now.Add(time.Duration(i) * time.Hour)
		res.ConsumptionKWH += forecast.at(ts)
		res.PVKWH += pv.At(i)
	}
	deficit := res.ConsumptionKWH - res.PVKWH
	res.HasDeficit = deficit > shortTermDeficitKWH
	res.DeficitKWH = max(0, deficit)
	res.Reason = fmt.Sprintf(
		"Next %dh: Consumption=%.1f kWh, PV=%.1f kWh, Deficit=%.1f kWh",
		hours, res.ConsumptionKWH, res.PVKWH, deficit,
	)
	log.Ctx(ctx).DebugContext(
		ctx,
		"short-term deficit check",
		slog.Bool("hasDeficit", res.HasDeficit),
		slog.String("reason", res.Reason),
	)
	return res
}
