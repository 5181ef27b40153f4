package types

import (
	"errors"
	"fmt"
)

// ErrInvalidBatteryParams is returned when battery parameters can't describe
// a physical battery.
var ErrInvalidBatteryParams = errors.New("invalid battery parameters")

// BatteryParams describes the physical limits of the battery.
type BatteryParams struct {
	CapacityKWH      float64 `json:"capacityKWH"`
	MinSOC           float64 `json:"minSOC"` // 0-100
	MaxSOC           float64 `json:"maxSOC"` // 0-100
	MaxChargePowerKW float64 `json:"maxChargePowerKW"`
}

// Validate checks capacity > 0, 0 <= min < max <= 100 and power > 0.
func (b BatteryParams) Validate() error {
	if b.CapacityKWH <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %.2f", ErrInvalidBatteryParams, b.CapacityKWH)
	}
	if b.MinSOC < 0 || b.MaxSOC > 100 || b.MinSOC >= b.MaxSOC {
		return fmt.Errorf("%w: need 0 <= minSOC < maxSOC <= 100, got %.1f/%.1f", ErrInvalidBatteryParams, b.MinSOC, b.MaxSOC)
	}
	if b.MaxChargePowerKW <= 0 {
		return fmt.Errorf("%w: max charge power must be positive, got %.2f", ErrInvalidBatteryParams, b.MaxChargePowerKW)
	}
	return nil
}

// MinKWH returns the energy held at MinSOC.
func (b BatteryParams) MinKWH() float64 {
	return b.MinSOC / 100 * b.CapacityKWH
}

// MaxKWH returns the energy held at MaxSOC.
func (b BatteryParams) MaxKWH() float64 {
	return b.MaxSOC / 100 * b.CapacityKWH
}

// KWH converts a SOC percentage into stored energy.
func (b BatteryParams) KWH(soc float64) float64 {
	return soc / 100 * b.CapacityKWH
}

// SOC converts stored energy into a SOC percentage.
func (b BatteryParams) SOC(kwh float64) float64 {
	return kwh / b.CapacityKWH * 100
}

// PlannerTunables holds the heuristics of the rolling planner. A zero field
// is a valid setting; only an entirely unset PlannerTunables means the
// defaults.
type PlannerTunables struct {
	// SOC percentage points above MinSOC at which an hour counts as a deficit.
	DeficitBufferSOC float64 `json:"deficitBufferSOC"`
	// SOC percentage points above MinSOC that charging before a peak aims for.
	TargetBufferSOC float64 `json:"targetBufferSOC"`
	// SOC percentage points above MinSOC the flat-price fallback aims for.
	FallbackTargetBufferSOC float64 `json:"fallbackTargetBufferSOC"`

	ExpensivePercentile        float64 `json:"expensivePercentile"`
	ExpensiveAverageMultiplier float64 `json:"expensiveAverageMultiplier"`
	// Hours between two expensive hours that still belong to the same peak.
	PeakGapHours int `json:"peakGapHours"`

	MinJITWindowHours     int `json:"minJITWindowHours"`
	DefaultJITWindowHours int `json:"defaultJITWindowHours"`
	MaxIterations         int `json:"maxIterations"`
	MaxExpansionHours     int `json:"maxExpansionHours"`

	PeakEnergyMultiplier float64 `json:"peakEnergyMultiplier"`
	ShortfallMultiplier  float64 `json:"shortfallMultiplier"`

	// Hours close to a peak with PV above this are left for the sun.
	HighPVSkipKWH   float64 `json:"highPVSkipKWH"`
	HighPVSkipHours int     `json:"highPVSkipHours"`

	// Above PriceCeiling charging stops once PartialChargeFraction of the
	// required energy has been scheduled.
	PriceCeiling          float64 `json:"priceCeiling"`
	PartialChargeFraction float64 `json:"partialChargeFraction"`

	// FallbackPricePerKWH is used for hours without a price point.
	FallbackPricePerKWH float64 `json:"fallbackPricePerKWH"`
	// Hours whose baseline is within this many SOC points of MaxSOC can't
	// take more charge.
	MaxSOCHeadroom float64 `json:"maxSOCHeadroom"`
}

// DefaultPlannerTunables returns the tuned defaults.
func DefaultPlannerTunables() PlannerTunables {
	return PlannerTunables{
		DeficitBufferSOC:           5,
		TargetBufferSOC:            15,
		FallbackTargetBufferSOC:    10,
		ExpensivePercentile:        0.6,
		ExpensiveAverageMultiplier: 1.05,
		PeakGapHours:               3,
		MinJITWindowHours:          3,
		DefaultJITWindowHours:      4,
		MaxIterations:              5,
		MaxExpansionHours:          10,
		PeakEnergyMultiplier:       1.5,
		ShortfallMultiplier:        1.1,
		HighPVSkipKWH:              2.5,
		HighPVSkipHours:            4,
		PriceCeiling:               0.285,
		PartialChargeFraction:      0.6,
		FallbackPricePerKWH:        0.30,
		MaxSOCHeadroom:             2,
	}
}

// WithDefaults fills every zero field with its default. It is used to
// migrate settings stored before the tunables existed.
func (t PlannerTunables) WithDefaults() PlannerTunables {
	d := DefaultPlannerTunables()
	fillFloat := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	fillInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	fillFloat(&t.DeficitBufferSOC, d.DeficitBufferSOC)
	fillFloat(&t.TargetBufferSOC, d.TargetBufferSOC)
	fillFloat(&t.FallbackTargetBufferSOC, d.FallbackTargetBufferSOC)
	fillFloat(&t.ExpensivePercentile, d.ExpensivePercentile)
	fillFloat(&t.ExpensiveAverageMultiplier, d.ExpensiveAverageMultiplier)
	fillInt(&t.PeakGapHours, d.PeakGapHours)
	fillInt(&t.MinJITWindowHours, d.MinJITWindowHours)
	fillInt(&t.DefaultJITWindowHours, d.DefaultJITWindowHours)
	fillInt(&t.MaxIterations, d.MaxIterations)
	fillInt(&t.MaxExpansionHours, d.MaxExpansionHours)
	fillFloat(&t.PeakEnergyMultiplier, d.PeakEnergyMultiplier)
	fillFloat(&t.ShortfallMultiplier, d.ShortfallMultiplier)
	fillFloat(&t.HighPVSkipKWH, d.HighPVSkipKWH)
	fillInt(&t.HighPVSkipHours, d.HighPVSkipHours)
	fillFloat(&t.PriceCeiling, d.PriceCeiling)
	fillFloat(&t.PartialChargeFraction, d.PartialChargeFraction)
	fillFloat(&t.FallbackPricePerKWH, d.FallbackPricePerKWH)
	fillFloat(&t.MaxSOCHeadroom, d.MaxSOCHeadroom)
	return t
}

// OrDefaults returns the defaults when t is entirely unset and t otherwise.
func (t PlannerTunables) OrDefaults() PlannerTunables {
	if t == (PlannerTunables{}) {
		return DefaultPlannerTunables()
	}
	return t
}
