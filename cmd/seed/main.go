package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	daysStr := lflag.String("seed-days", "14", "Days of metered consumption to generate")
	s := storage.Configured()
	lflag.Configure()

	days, err := strconv.Atoi(*daysStr)
	if err != nil || days < 1 {
		fmt.Fprintf(os.Stderr, "invalid seed-days %q\n", *daysStr)
		os.Exit(1)
	}

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data", slog.Int("days", days))

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// household load in kWh per hour
	load := func(t time.Time) float64 {
		kwh := 0.3 + rng.Float64()*0.2
		switch h := t.Hour(); {
		case h >= 6 && h < 9:
			kwh += 0.8 // Breakfast
		case h >= 17 && h < 22:
			kwh += 1.2 // Evening
		}
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			kwh *= 1.2
		}
		return math.Round(kwh*1000) / 1000
	}

	var samples []types.ConsumptionSample
	for t := today.AddDate(0, 0, -days); t.Before(now.Truncate(time.Hour)); t = t.Add(time.Hour) {
		samples = append(samples, types.ConsumptionSample{
			Timestamp:      t,
			Hour:           t.Hour(),
			ConsumptionKWH: load(t),
			RecordedAt:     t.Add(time.Hour),
		})
	}
	if err := s.UpsertConsumption(ctx, samples); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed consumption", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("Seeded %d hours of consumption\n", len(samples))

	// Simulation state
	const (
		BatteryCapacityKWH = 10.6
		MaxChargeKW        = 3.9
		MinSOC             = 20.0
		MaxSOC             = 95.0
	)
	soc := 35.0
	charging := false

	// one action per transition of a night-charge strategy
	for t := today; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()
		price := 0.24 + (rng.Float64() * 0.02) - 0.01
		if hour >= 17 && hour < 21 {
			price += 0.10
		}

		var (
			charge bool
			reason types.ActionReason
			desc   string
		)
		switch {
		case soc < MinSOC:
			charge, reason = true, types.ActionReasonSafetyCharge
			desc = fmt.Sprintf("Safety charge: SOC %.1f%% below minimum %.0f%%", soc, MinSOC)
		case soc >= MaxSOC:
			reason = types.ActionReasonBatteryFull
			desc = fmt.Sprintf("Battery full: SOC %.1f%% >= %.0f%%", soc, MaxSOC)
		case hour >= 2 && hour < 5:
			charge, reason = true, types.ActionReasonScheduledCharge
			desc = fmt.Sprintf("Rolling schedule: %.2f kWh @ %.1f Cent/kWh (mock)", MaxChargeKW, price*100)
		default:
			reason = types.ActionReasonScheduleOK
			desc = "Rolling schedule OK"
		}

		if charge != charging || t.Equal(today) {
			action := types.Action{
				Timestamp:   t,
				Charge:      charge,
				Reason:      reason,
				Description: "Mock: " + desc,
				BatterySOC:  soc,
				DryRun:      rng.Float64() > 0.9,
			}
			if charge {
				action.SetpointW = -MaxChargeKW * 1000
				action.Window = &types.ChargingWindow{ChargeKWH: MaxChargeKW, PricePerKWH: price, Reason: "mock"}
			}
			if err := s.InsertAction(ctx, action); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed action", slog.Any("error", err))
				os.Exit(1)
			}
			fmt.Printf("Seeded action at %s: %s (SOC: %.0f%%)\n", t.Format(time.Kitchen), action.Description, soc)
			charging = charge
		}

		kwh := -load(t)
		if charging {
			kwh += MaxChargeKW
		}
		soc = math.Max(MinSOC/2, math.Min(100, soc+kwh/BatteryCapacityKWH*100))
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
