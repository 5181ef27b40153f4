package types

import "time"

// PVForecast is the expected solar production in kWh per hour, indexed by
// offset from the hour containing "now".
type PVForecast []float64

// At returns the forecast for offset i, or 0 when it's unknown.
func (f PVForecast) At(i int) float64 {
	if i < 0 || i >= len(f) {
		return 0
	}
	return f[i]
}

// ChargingWindow is one hour of planned grid charging.
type ChargingWindow struct {
	// Hour is the offset from the plan's WindowStart.
	Hour        int     `json:"hour"`
	ChargeKWH   float64 `json:"chargeKWH"`
	PricePerKWH float64 `json:"pricePerKWH"`
	Reason      string  `json:"reason"`
}

// RollingPlan is the output of the rolling planner. All hourly slices have
// the same length and index 0 is the hour containing GeneratedAt.
type RollingPlan struct {
	GeneratedAt time.Time `json:"generatedAt"`
	WindowStart time.Time `json:"windowStart"`

	HourlySOC         []float64 `json:"hourlySOC"`
	HourlyCharging    []float64 `json:"hourlyCharging"`
	HourlyPV          []float64 `json:"hourlyPV"`
	HourlyConsumption []float64 `json:"hourlyConsumption"`
	HourlyPrices      []float64 `json:"hourlyPrices"`

	ChargingWindows  []ChargingWindow `json:"chargingWindows"`
	MinSOCReached    float64          `json:"minSOCReached"`
	TotalChargingKWH float64          `json:"totalChargingKWH"`
}

// ChargeNow returns the window scheduled for the current hour, if any.
func (p *RollingPlan) ChargeNow() (ChargingWindow, bool) {
	if p == nil {
		return ChargingWindow{}, false
	}
	for _, w := range p.ChargingWindows {
		if w.Hour == 0 {
			return w, true
		}
	}
	return ChargingWindow{}, false
}
