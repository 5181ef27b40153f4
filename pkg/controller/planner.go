package controller

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/jinzhu/now"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/samber/lo"
)

const (
	// DefaultLookaheadHours is used when a request doesn't set a horizon.
	DefaultLookaheadHours = 24
	// FallbackConsumptionKWH is assumed for every hour without a profile.
	FallbackConsumptionKWH = 1.0

	// a window is "too late" while its start sits this close to the floor
	jitFloorToleranceKWH = 0.5
	targetToleranceKWH   = 0.1
	minRequiredKWH       = 0.5
	remainingKWHEpsilon  = 0.1
	headroomEpsilonKWH   = 1e-6
)

// ProfileSource provides the expected consumption per hour of a date.
type ProfileSource interface {
	HourlyProfile(ctx context.Context, date time.Time) types.HourlyProfile
}

// PlanRequest holds the inputs of one planning cycle.
type PlanRequest struct {
	// Now anchors the window; offset 0 is the hour containing Now and all
	// calendar lookups happen in Now's location.
	Now        time.Time
	CurrentSOC float64
	Battery    types.BatteryParams
	// Tunables defaults to types.DefaultPlannerTunables when unset.
	Tunables types.PlannerTunables
	Prices   []types.Price
	PV       types.PVForecast
	// LookaheadHours defaults to DefaultLookaheadHours.
	LookaheadHours int
}

type priceSlot struct {
	hour  int
	price float64
}

type pricePeak struct {
	start, end int
	firstPrice float64
}

// planner holds the arrays of one PlanRollingSchedule call.
type planner struct {
	battery  types.BatteryParams
	tunables types.PlannerTunables
	n        int

	currentKWH     float64
	minKWH, maxKWH float64

	consumption []float64
	pv          []float64
	prices      []float64
	baseline    []float64 // SOC percent without grid charging
	charging    []float64
	windows     []types.ChargingWindow
}

// PlanRollingSchedule plans grid charging for the rolling window starting at
// the current hour. Missing prices, PV or consumption data fall back to
// constants so a plan is always produced; only invalid battery parameters
// return an error.
func PlanRollingSchedule(ctx context.Context, req PlanRequest, profiles ProfileSource) (types.RollingPlan, error) {
	if err := req.Battery.Validate(); err != nil {
		return types.RollingPlan{}, err
	}
	n := req.LookaheadHours
	if n <= 0 {
		n = DefaultLookaheadHours
	}
	ts := req.Now
	if ts.IsZero() {
		ts = time.Now()
	}
	currentSOC := min(100, max(0, req.CurrentSOC))

	p := &planner{
		battery:    req.Battery,
		tunables:   req.Tunables.OrDefaults(),
		n:          n,
		currentKWH: req.Battery.KWH(currentSOC),
		minKWH:     req.Battery.MinKWH(),
		maxKWH:     req.Battery.MaxKWH(),
		charging:   make([]float64, n),
	}
	ctx = log.WithAttrs(ctx, slog.Time("planStart", ts))

	p.buildInputs(ctx, ts, req.Prices, req.PV, profiles)

	p.baseline = SimulateTrajectory(p.battery, currentSOC, p.pv, p.consumption, nil)

	deficits := p.deficitHours()
	peaks := p.findPeaks(ctx)
	log.Ctx(ctx).DebugContext(
		ctx,
		"analyzed baseline",
		slog.Float64("soc", currentSOC),
		slog.Any("deficitHours", deficits),
		slog.Int("peaks", len(peaks)),
	)

	switch {
	case len(peaks) > 0 && len(deficits) > 0:
		for idx := range peaks {
			p.planPeak(ctx, peaks, idx)
		}
	case len(deficits) > 0:
		p.planDeficitFallback(ctx, deficits[0])
	}

	final := SimulateTrajectory(p.battery, currentSOC, p.pv, p.consumption, p.charging)
	slices.SortStableFunc(p.windows, func(a, b types.ChargingWindow) int {
		return cmp.Compare(a.Hour, b.Hour)
	})

	plan := types.RollingPlan{
		GeneratedAt:       ts,
		WindowStart:       now.With(ts).BeginningOfHour(),
		HourlySOC:         final,
		HourlyCharging:    p.charging,
		HourlyPV:          p.pv,
		HourlyConsumption: p.consumption,
		HourlyPrices:      p.prices,
		ChargingWindows:   p.windows,
		MinSOCReached:     lo.Min(final),
		TotalChargingKWH:  lo.Sum(p.charging),
	}
	if plan.ChargingWindows == nil {
		plan.ChargingWindows = []types.ChargingWindow{}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"rolling plan complete",
		slog.Int("hours", n),
		slog.Int("windows", len(plan.ChargingWindows)),
		slog.Float64("totalChargingKWH", plan.TotalChargingKWH),
		slog.Float64("minSOC", plan.MinSOCReached),
	)
	return plan, nil
}

// buildInputs resolves consumption, PV and price for every rolling hour.
func (p *planner) buildInputs(ctx context.Context, ts time.Time, prices []types.Price, pv types.PVForecast, profiles ProfileSource) {
	loc := ts.Location()
	forecast := newProfileCache(ctx, profiles)

	p.consumption = make([]float64, p.n)
	p.pv = make([]float64, p.n)
	p.prices = make([]float64, p.n)
	var missingPrices int
	for i := range p.n {
		target := ts.Add(time.Duration(i) * time.Hour).In(loc)
		p.consumption[i] = forecast.at(target)
		p.pv[i] = pv.At(i)

		p.prices[i] = p.tunables.FallbackPricePerKWH
		idx := slices.IndexFunc(prices, func(pr types.Price) bool {
			return sameHour(pr.TSStart.In(loc), target)
		})
		if idx >= 0 {
			p.prices[i] = prices[idx].PricePerKWH
		} else {
			missingPrices++
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"planner inputs ready",
		slog.Float64("consumptionKWH", lo.Sum(p.consumption)),
		slog.Float64("pvKWH", lo.Sum(p.pv)),
		slog.Float64("avgPrice", lo.Sum(p.prices)/float64(p.n)),
		slog.Int("missingPrices", missingPrices),
	)
}

func sameHour(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd && a.Hour() == b.Hour()
}

func (p *planner) deficitHours() []int {
	limit := p.battery.MinSOC + p.tunables.DeficitBufferSOC
	var hours []int
	for h, soc := range p.baseline {
		if soc <= limit {
			hours = append(hours, h)
		}
	}
	return hours
}

// findPeaks clusters the expensive hours. Expensive is at or above the
// larger of the inflated mean and the configured percentile.
func (p *planner) findPeaks(ctx context.Context) []pricePeak {
	avg := lo.Sum(p.prices) / float64(p.n)
	sorted := slices.Clone(p.prices)
	slices.Sort(sorted)
	idx := min(len(sorted)-1, int(float64(len(sorted))*p.tunables.ExpensivePercentile))
	threshold := max(avg*p.tunables.ExpensiveAverageMultiplier, sorted[idx])

	var peaks []pricePeak
	last := -1
	for h, price := range p.prices {
		if price < threshold {
			continue
		}
		if len(peaks) == 0 || h-last > p.tunables.PeakGapHours {
			peaks = append(peaks, pricePeak{start: h, end: h, firstPrice: price})
		} else {
			peaks[len(peaks)-1].end = h
		}
		last = h
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"price analysis",
		slog.Float64("avgPrice", avg),
		slog.Float64("threshold", threshold),
		slog.Int("peaks", len(peaks)),
	)
	return peaks
}

// socAt replays the energy deltas, including committed charging, up to
// the start of hour h.
func (p *planner) socAt(h int) float64 {
	soc := p.currentKWH
	for i := 0; i < h && i < p.n; i++ {
		soc += p.pv[i] + p.charging[i] - p.consumption[i]
	}
	return min(p.maxKWH, max(p.minKWH, soc))
}

// chargeable reports whether hour h can still take grid charging.
func (p *planner) chargeable(h int) bool {
	return h >= 0 && h < p.n &&
		p.charging[h] == 0 &&
		p.baseline[h] < p.battery.MaxSOC-p.tunables.MaxSOCHeadroom
}

func sortSlots(slots []priceSlot) {
	slices.SortStableFunc(slots, func(a, b priceSlot) int {
		return cmp.Compare(a.price, b.price)
	})
}

func hasSlot(slots []priceSlot, h int) bool {
	return lo.ContainsBy(slots, func(s priceSlot) bool { return s.hour == h })
}

// headroom is how much charge hour h can take without the battery ending
// any later hour above MaxSOC on the currently committed trajectory. Energy
// added at h carries into every later hour except the part the MinSOC floor
// would have absorbed anyway.
func (p *planner) headroom(h int) float64 {
	traj := simulateKWH(p.battery, p.currentKWH, p.pv, p.consumption, p.charging)
	room := math.Inf(1)
	var absorbed float64
	for k := h; k < p.n; k++ {
		end := traj[k] + p.pv[k] + p.charging[k] - p.consumption[k]
		room = min(room, p.maxKWH-end+absorbed)
		if end < p.minKWH {
			absorbed += p.minKWH - end
		}
	}
	return max(0, room)
}

func (p *planner) planPeak(ctx context.Context, peaks []pricePeak, idx int) {
	t := p.tunables
	pk := peaks[idx]
	searchStart := 0
	if idx > 0 {
		searchStart = peaks[idx-1].end + 1
	}
	targetKWH := p.battery.KWH(p.battery.MinSOC + t.TargetBufferSOC)

	// the window opens where the baseline first drops below the target
	jit := -1
	for h := searchStart; h < pk.start && h < p.n; h++ {
		if p.battery.KWH(p.baseline[h]) < targetKWH {
			jit = h
			break
		}
	}
	if jit < 0 {
		jit = max(searchStart, pk.start-t.DefaultJITWindowHours)
	}
	jit = min(jit, pk.start-t.MinJITWindowHours)
	jit = max(searchStart, jit)
	socAtJIT := p.socAt(jit)

	var available []priceSlot
	for h := jit; h < pk.start; h++ {
		if p.chargeable(h) {
			available = append(available, priceSlot{hour: h, price: p.prices[h]})
		}
	}
	sortSlots(available)

	var peakDeficit float64
	for h := pk.start; h <= pk.end && h < p.n; h++ {
		peakDeficit += max(0, p.consumption[h]-p.pv[h])
	}
	required := peakDeficit * t.PeakEnergyMultiplier

	ctx = log.WithAttrs(ctx, slog.Int("peak", idx+1), slog.Int("peakStart", pk.start), slog.Int("peakEnd", pk.end))
	log.Ctx(ctx).DebugContext(
		ctx,
		"planning peak",
		slog.Int("jitStart", jit),
		slog.Float64("peakDeficitKWH", peakDeficit),
		slog.Float64("socAtJIT", p.battery.SOC(socAtJIT)),
	)

	expanded := false
	for iter := 0; iter < t.MaxIterations; iter++ {
		tentative := make([]float64, p.n)
		remaining := required
		for _, s := range available {
			if remaining <= 0 {
				break
			}
			c := min(remaining, p.battery.MaxChargePowerKW)
			tentative[s.hour] = c
			remaining -= c
		}

		soc := socAtJIT
		lowest, lowestHour := soc, jit
		for h := jit; h < min(pk.end+1, p.n); h++ {
			soc += p.pv[h] + p.charging[h] + tentative[h] - p.consumption[h]
			soc = min(p.maxKWH, max(p.minKWH, soc))
			if soc < lowest {
				lowest, lowestHour = soc, h
			}
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"peak iteration",
			slog.Int("iteration", iter+1),
			slog.Float64("requiredKWH", required),
			slog.Float64("lowestSOC", p.battery.SOC(lowest)),
			slog.Int("lowestHour", lowestHour),
		)

		if lowestHour == jit && lowest <= p.minKWH+jitFloorToleranceKWH && !expanded {
			// already at the floor when the window opens, start earlier
			expanded = true
			found := false
			for h := jit - 1; h >= searchStart && h >= 0; h-- {
				if p.chargeable(h) && !hasSlot(available, h) {
					available = append(available, priceSlot{hour: h, price: p.prices[h]})
					found = true
				}
				if len(available) >= t.MaxExpansionHours {
					break
				}
			}
			if !found {
				break
			}
			sortSlots(available)
			jit = lo.MinBy(available, func(a, b priceSlot) bool { return a.hour < b.hour }).hour
			socAtJIT = p.socAt(jit)
			log.Ctx(ctx).DebugContext(ctx, "expanded charging window", slog.Int("jitStart", jit))
			continue
		}

		if lowest >= targetKWH-targetToleranceKWH {
			break
		}

		if remaining > remainingKWHEpsilon && iter == 0 {
			for h := jit - 1; h >= searchStart && h >= 0; h-- {
				if p.chargeable(h) && !hasSlot(available, h) {
					available = append(available, priceSlot{hour: h, price: p.prices[h]})
				}
			}
			sortSlots(available)
		}

		required += (targetKWH - lowest) * t.ShortfallMultiplier
	}

	if required <= minRequiredKWH || len(available) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no charging needed for peak")
		return
	}

	reason := fmt.Sprintf("Peak %d (h%d-%d @ %.0f+ Ct)", idx+1, pk.start, pk.end, pk.firstPrice*100)
	remaining := required
	for _, s := range available {
		if remaining <= remainingKWHEpsilon {
			break
		}
		h := s.hour
		if p.pv[h] > t.HighPVSkipKWH && abs(h-pk.start) <= t.HighPVSkipHours {
			continue
		}
		if charged := required - remaining; s.price > t.PriceCeiling && charged > required*t.PartialChargeFraction {
			log.Ctx(ctx).DebugContext(
				ctx,
				"accepting partial charge",
				slog.Float64("chargedKWH", charged),
				slog.Float64("requiredKWH", required),
			)
			break
		}
		c := min(remaining, p.battery.MaxChargePowerKW, p.headroom(h))
		if c <= headroomEpsilonKWH {
			continue
		}
		p.commit(h, c, reason)
		remaining -= c
	}
}

// planDeficitFallback charges just enough before the first deficit when
// there is no price peak to plan around.
func (p *planner) planDeficitFallback(ctx context.Context, firstDeficit int) {
	targetKWH := p.battery.KWH(p.battery.MinSOC + p.tunables.FallbackTargetBufferSOC)
	var cumulative, required float64
	for h := firstDeficit; h < p.n; h++ {
		cumulative += p.pv[h] - p.consumption[h]
		required = max(required, targetKWH-(p.currentKWH+cumulative))
	}

	available := make([]priceSlot, 0, firstDeficit)
	for h := range firstDeficit {
		available = append(available, priceSlot{hour: h, price: p.prices[h]})
	}
	sortSlots(available)

	log.Ctx(ctx).DebugContext(
		ctx,
		"deficit-only charging",
		slog.Int("firstDeficit", firstDeficit),
		slog.Float64("requiredKWH", required),
	)

	reason := fmt.Sprintf("Prevent deficit at hour %d", firstDeficit)
	remaining := required
	for _, s := range available {
		if remaining <= 0 {
			break
		}
		c := min(remaining, p.battery.MaxChargePowerKW, p.headroom(s.hour))
		if c <= headroomEpsilonKWH {
			continue
		}
		p.commit(s.hour, c, reason)
		remaining -= c
	}
}

func (p *planner) commit(h int, kwh float64, reason string) {
	p.charging[h] = kwh
	p.windows = append(p.windows, types.ChargingWindow{
		Hour:        h,
		ChargeKWH:   kwh,
		PricePerKWH: p.prices[h],
		Reason:      reason,
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// profileCache looks up each date's profile once.
type profileCache struct {
	ctx      context.Context
	profiles ProfileSource
	byDate   map[string]types.HourlyProfile
}

func newProfileCache(ctx context.Context, profiles ProfileSource) *profileCache {
	return &profileCache{ctx: ctx, profiles: profiles, byDate: map[string]types.HourlyProfile{}}
}

func (c *profileCache) at(t time.Time) float64 {
	if c.profiles == nil {
		return FallbackConsumptionKWH
	}
	key := t.Format(time.DateOnly)
	profile, ok := c.byDate[key]
	if !ok {
		profile = c.profiles.HourlyProfile(c.ctx, t)
		c.byDate[key] = profile
	}
	return profile[t.Hour()]
}
