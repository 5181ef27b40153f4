package types

import (
	"fmt"
	"slices"
	"time"
)

// Price is the cost of grid electricity over one interval.
type Price struct {
	Provider string    `json:"provider"`
	TSStart  time.Time `json:"tsStart"`
	TSEnd    time.Time `json:"tsEnd"`

	// PricePerKWH is the all-in price (energy, grid fees and taxes) in
	// currency units per kWh, e.g. 0.2834 EUR.
	PricePerKWH float64 `json:"pricePerKWH"`
}

// TOUPeriod assigns a fixed price to a recurring window.
type TOUPeriod struct {
	UtilityPeriod
	PricePerKWH float64 `json:"pricePerKWH"`
}

// UtilityPeriod defines a recurring window within which a tariff applies.
type UtilityPeriod struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	HourStart     int            `json:"hourStart"`
	HourEnd       int            `json:"hourEnd"`
	DaysOfTheWeek []time.Weekday `json:"daysOfTheWeek"`
	Location      string         `json:"location"`
	LocationPtr   *time.Location `json:"-"`
}

// Contains reports whether t falls inside the period. HourEnd is exclusive.
func (p *UtilityPeriod) Contains(t time.Time) (bool, error) {
	switch {
	case p.LocationPtr != nil:
		t = t.In(p.LocationPtr)
	case p.Location != "":
		loc, err := time.LoadLocation(p.Location)
		if err != nil {
			return false, fmt.Errorf("failed to load location %s: %w", p.Location, err)
		}
		t = t.In(loc)
	}
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false, nil
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false, nil
	}
	if h := t.Hour(); h < p.HourStart || h >= p.HourEnd {
		return false, nil
	}
	if len(p.DaysOfTheWeek) > 0 && !slices.Contains(p.DaysOfTheWeek, t.Weekday()) {
		return false, nil
	}
	return true, nil
}
