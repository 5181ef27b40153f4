package utility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/now"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/types"
)

const touProvider = "tou"

// TOU implements a fixed time-of-use tariff. Prices of every period that
// contains an hour are added together, so a base rate can be combined with
// peak surcharges.
type TOU struct {
	mu       sync.Mutex
	periods  []types.TOUPeriod
	location *time.Location
	now      func() time.Time
}

func configuredTOU() *TOU {
	t := &TOU{now: time.Now}
	var periods []types.TOUPeriod
	lflag.JSON(&periods, "tou-periods", []types.TOUPeriod{}, `JSON list of periods, e.g. [{"hourStart":0,"hourEnd":24,"pricePerKWH":0.28},{"hourStart":17,"hourEnd":21,"pricePerKWH":0.12}]`)
	location := lflag.String("tou-timezone", "Local", "Time zone the TOU hours are evaluated in")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*location)
		if err != nil {
			panic(fmt.Sprintf("invalid tou-timezone %q: %v", *location, err))
		}
		t.setPeriods(periods, loc)
	})
	return t
}

// NewTOU returns a TOU tariff evaluated in loc.
func NewTOU(periods []types.TOUPeriod, loc *time.Location) *TOU {
	t := &TOU{now: time.Now}
	t.setPeriods(periods, loc)
	return t
}

func (t *TOU) setPeriods(periods []types.TOUPeriod, loc *time.Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.location = loc
	t.periods = make([]types.TOUPeriod, len(periods))
	for i, p := range periods {
		// periods without their own location use the tariff's
		if p.LocationPtr == nil && p.Location == "" {
			p.LocationPtr = loc
		}
		t.periods[i] = p
	}
}

// Validate ensures the configuration is valid.
func (t *TOU) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.periods) == 0 {
		return errors.New("tou-periods must contain at least one period")
	}
	for i, p := range t.periods {
		if p.HourStart < 0 || p.HourEnd > 24 || p.HourStart >= p.HourEnd {
			return fmt.Errorf("period %d: need 0 <= hourStart < hourEnd <= 24", i+1)
		}
	}
	return nil
}

func (t *TOU) priceForHour(start time.Time) (types.Price, bool, error) {
	t.mu.Lock()
	periods := t.periods
	t.mu.Unlock()

	p := types.Price{
		Provider: touProvider,
		TSStart:  start,
		TSEnd:    start.Add(time.Hour),
	}
	var matched bool
	for _, period := range periods {
		contains, err := period.Contains(start)
		if err != nil {
			return p, false, err
		}
		if contains {
			matched = true
			p.PricePerKWH += period.PricePerKWH
		}
	}
	return p, matched, nil
}

// GetPrices implements Utility. It returns one price per hour of today and
// tomorrow; hours no period covers are left out.
func (t *TOU) GetPrices(ctx context.Context) ([]types.Price, error) {
	t.mu.Lock()
	loc := t.location
	t.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}

	start := now.With(t.now().In(loc)).BeginningOfDay()
	end := start.AddDate(0, 0, 2)
	var prices []types.Price
	// stepping in absolute hours keeps DST days at 23 or 25 entries
	for ts := start; ts.Before(end); ts = ts.Add(time.Hour) {
		p, ok, err := t.priceForHour(ts)
		if err != nil {
			return nil, err
		}
		if ok {
			prices = append(prices, p)
		}
	}
	return prices, nil
}
