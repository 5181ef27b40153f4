package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jinzhu/now"
	"github.com/raterudder/chargeplanner/pkg/consumption"
	"github.com/raterudder/chargeplanner/pkg/controller"
	"github.com/raterudder/chargeplanner/pkg/ess"
	"github.com/raterudder/chargeplanner/pkg/forecast"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/raterudder/chargeplanner/pkg/utility"
)

const (
	defaultPlanInterval    = 5 * time.Minute
	defaultControlInterval = 30 * time.Second
	// used when the battery can't be read while planning
	fallbackSOC = 50.0
)

var (
	// ErrPaused is returned by manual control while the executor is paused.
	ErrPaused = errors.New("executor is paused")
	// ErrUnknownCommand is returned for an unsupported manual command.
	ErrUnknownCommand = errors.New("unknown control command")
)

// chargeMode tracks who currently drives the setpoint.
type chargeMode string

const (
	// modeUnknown is the state before the first decision, the inverter may
	// still carry a setpoint from a previous run.
	modeUnknown        chargeMode = ""
	modeIdle           chargeMode = "idle"
	modeAutoCharging   chargeMode = "autoCharging"
	modeManualCharging chargeMode = "manualCharging"
)

// ControlCommand is a manual control request.
type ControlCommand string

const (
	ControlStart ControlCommand = "start"
	ControlStop  ControlCommand = "stop"
	ControlAuto  ControlCommand = "auto"
)

// ControlLoop periodically replans, records the household consumption and
// drives the battery setpoint from the latest plan.
type ControlLoop struct {
	storage    storage.Database
	ess        ess.System
	utility    utility.Utility
	forecast   forecast.Provider
	store      *consumption.Store
	controller *controller.Controller
	state      *SchedulerState
	metrics    *Metrics
	publisher  Publisher

	planInterval    time.Duration
	controlInterval time.Duration
	now             func() time.Time

	// planMu serializes replans triggered by the loop and the API
	planMu   sync.Mutex
	lastPlan time.Time

	mu      sync.Mutex
	mode    chargeMode
	lastSOC float64
	// hourly metering from the cumulative home meter
	meterHour     time.Time
	meterStartKWH float64
	meterPartial  bool
}

// NewControlLoop creates a loop over the given collaborators.
func NewControlLoop(
	db storage.Database,
	e ess.System,
	u utility.Utility,
	f forecast.Provider,
	store *consumption.Store,
	state *SchedulerState,
	metrics *Metrics,
	publisher Publisher,
) *ControlLoop {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &ControlLoop{
		storage:         db,
		ess:             e,
		utility:         u,
		forecast:        f,
		store:           store,
		controller:      controller.NewController(),
		state:           state,
		metrics:         metrics,
		publisher:       publisher,
		planInterval:    defaultPlanInterval,
		controlInterval: defaultControlInterval,
		now:             time.Now,
		lastSOC:         fallbackSOC,
	}
}

// Run plans immediately and then runs a control step every control
// interval until ctx is done.
func (l *ControlLoop) Run(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("component", "controlLoop"))
	log.Ctx(ctx).InfoContext(
		ctx,
		"control loop started",
		slog.Duration("planInterval", l.planInterval),
		slog.Duration("controlInterval", l.controlInterval),
	)

	if err := l.Step(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "control step failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(l.controlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "control loop stopped")
			return
		case <-ticker.C:
			if err := l.Step(ctx); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "control step failed", slog.Any("error", err))
			}
		}
	}
}

// Step runs one control cycle: read the battery, meter consumption, replan
// when due and apply the charge decision on a transition.
func (l *ControlLoop) Step(ctx context.Context) error {
	settings, _, err := loadSettings(ctx, l.storage)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	l.store.ApplySettings(settings)
	ts := l.now()

	status, statusErr := l.ess.GetStatus(ctx)
	if statusErr != nil {
		l.metrics.collectorError("ess")
		log.Ctx(ctx).ErrorContext(ctx, "failed to get ess status", slog.Any("error", statusErr))
	} else {
		l.metrics.observeStatus(status)
		l.mu.Lock()
		l.lastSOC = status.BatterySOC
		l.mu.Unlock()
		if settings.ConsumptionLearning {
			l.meter(ctx, ts, status.HomeKWH)
		}
	}

	if l.replanDue(ts) {
		if _, err := l.replan(ctx, settings); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to plan", slog.Any("error", err))
		}
	}

	if statusErr != nil {
		return fmt.Errorf("failed to get ess status: %w", statusErr)
	}
	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "executor paused")
		return nil
	}
	if !settings.AutoOptimization {
		log.Ctx(ctx).DebugContext(ctx, "auto optimization disabled")
		return nil
	}

	decision := l.controller.Decide(ctx, status.BatterySOC, settings.Battery, l.state.Plan())

	l.mu.Lock()
	mode := l.mode
	l.mu.Unlock()

	switch {
	case mode == modeManualCharging:
		// manual charging is only ended through manual control
		return nil
	case decision.Charge && mode != modeAutoCharging:
		return l.apply(ctx, settings, status, decision, modeAutoCharging)
	case !decision.Charge && mode != modeIdle:
		return l.apply(ctx, settings, status, decision, modeIdle)
	}
	return nil
}

func (l *ControlLoop) replanDue(ts time.Time) bool {
	l.planMu.Lock()
	defer l.planMu.Unlock()
	if l.lastPlan.IsZero() || ts.Sub(l.lastPlan) >= l.planInterval {
		return true
	}
	// a new hour shifts every offset of the plan
	return !now.With(ts).BeginningOfHour().Equal(now.With(l.lastPlan).BeginningOfHour())
}

// meter records the consumption of the previous hour from the cumulative
// home meter once an hour has passed. The first hour after startup is
// incomplete and not recorded.
func (l *ControlLoop) meter(ctx context.Context, ts time.Time, homeKWH float64) {
	if homeKWH <= 0 {
		return
	}
	hour := now.With(ts.In(l.store.Location())).BeginningOfHour()

	l.mu.Lock()
	prevHour, startKWH, partial := l.meterHour, l.meterStartKWH, l.meterPartial
	if prevHour.Equal(hour) {
		l.mu.Unlock()
		return
	}
	l.meterHour = hour
	l.meterStartKWH = homeKWH
	l.meterPartial = prevHour.IsZero()
	l.mu.Unlock()

	if prevHour.IsZero() || partial || hour.Sub(prevHour) > time.Hour {
		log.Ctx(ctx).DebugContext(ctx, "consumption metering started", slog.Time("hour", hour))
		return
	}
	l.store.Record(ctx, prevHour, homeKWH-startKWH)
}

// Replan computes a new plan with the current settings.
func (l *ControlLoop) Replan(ctx context.Context) (PlanSnapshot, error) {
	settings, _, err := loadSettings(ctx, l.storage)
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("failed to get settings: %w", err)
	}
	l.store.ApplySettings(settings)

	status, err := l.ess.GetStatus(ctx)
	if err != nil {
		l.metrics.collectorError("ess")
		log.Ctx(ctx).WarnContext(ctx, "failed to get ess status for planning", slog.Any("error", err))
	} else {
		l.mu.Lock()
		l.lastSOC = status.BatterySOC
		l.mu.Unlock()
	}
	return l.replan(ctx, settings)
}

func (l *ControlLoop) replan(ctx context.Context, settings types.Settings) (PlanSnapshot, error) {
	l.planMu.Lock()
	defer l.planMu.Unlock()

	ts := l.now().In(l.store.Location())
	l.mu.Lock()
	soc := l.lastSOC
	l.mu.Unlock()

	var warnings []string
	prices, err := l.utility.GetPrices(ctx)
	if err != nil {
		l.metrics.collectorError("prices")
		warnings = append(warnings, "prices: "+err.Error())
		log.Ctx(ctx).WarnContext(ctx, "failed to get prices, planning with the fallback price", slog.Any("error", err))
	}
	pv, err := l.forecast.HourlyPV(ctx, ts)
	if err != nil {
		l.metrics.collectorError("forecast")
		warnings = append(warnings, "forecast: "+err.Error())
		log.Ctx(ctx).WarnContext(ctx, "failed to get pv forecast, planning without pv", slog.Any("error", err))
	}

	plan, err := controller.PlanRollingSchedule(ctx, controller.PlanRequest{
		Now:            ts,
		CurrentSOC:     soc,
		Battery:        settings.Battery,
		Tunables:       settings.Tunables,
		Prices:         prices,
		PV:             pv,
		LookaheadHours: settings.LookaheadHours,
	}, l.store)
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("failed to plan: %w", err)
	}

	snap := PlanSnapshot{
		Plan:       plan,
		CurrentSOC: soc,
		ShortTerm:  controller.PredictShortTermDeficit(ctx, ts, pv, l.store, controller.DefaultShortTermHours),
		PriceCount: len(prices),
		Warnings:   warnings,
		UpdatedAt:  ts,
	}
	l.state.Store(snap)
	l.lastPlan = ts
	l.metrics.observePlan(snap)
	l.publisher.PublishPlan(ctx, snap)

	log.Ctx(ctx).InfoContext(
		ctx,
		"rolling schedule updated",
		slog.Int("windows", len(plan.ChargingWindows)),
		slog.Float64("chargingKWH", plan.TotalChargingKWH),
		slog.Float64("minSOC", plan.MinSOCReached),
		slog.Bool("shortTermDeficit", snap.ShortTerm.HasDeficit),
	)
	return snap, nil
}

// apply writes the decision to the battery and records the transition. A
// dry run changes the mode without touching the battery so the same
// transition isn't repeated every step.
func (l *ControlLoop) apply(ctx context.Context, settings types.Settings, status types.SystemStatus, d controller.Decision, next chargeMode) error {
	action := types.Action{
		Timestamp:   l.now(),
		Charge:      d.Charge,
		Reason:      d.Reason,
		Description: d.Description,
		BatterySOC:  status.BatterySOC,
		Window:      d.Window,
		DryRun:      settings.DryRun,
	}
	if d.Charge {
		action.SetpointW = -math.Abs(d.PowerW)
	}

	var err error
	if !settings.DryRun {
		if d.Charge {
			err = l.ess.StartCharging(ctx, d.PowerW)
		} else {
			err = l.ess.StopCharging(ctx)
		}
	}
	if err != nil {
		action.Failed = true
		action.Error = err.Error()
	} else {
		l.mu.Lock()
		l.mode = next
		l.mu.Unlock()
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"charge transition",
		slog.Bool("charge", d.Charge),
		slog.String("reason", string(d.Reason)),
		slog.String("description", d.Description),
		slog.Bool("dryRun", settings.DryRun),
		slog.Bool("failed", action.Failed),
	)
	l.record(ctx, action)
	if err != nil {
		return fmt.Errorf("failed to apply decision: %w", err)
	}
	return nil
}

func (l *ControlLoop) record(ctx context.Context, action types.Action) {
	if err := l.storage.InsertAction(ctx, action); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert action", slog.Any("error", err))
	}
	l.metrics.observeAction(action)
	l.publisher.PublishAction(ctx, action)
}

// Control applies a manual command. watts <= 0 charges at the battery's
// maximum power. Auto hands a manual charge back to the loop, which stops
// it on the next step unless the plan wants to charge.
func (l *ControlLoop) Control(ctx context.Context, cmd ControlCommand, watts float64) (types.Action, error) {
	settings, _, err := loadSettings(ctx, l.storage)
	if err != nil {
		return types.Action{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if settings.Pause {
		return types.Action{}, ErrPaused
	}

	l.mu.Lock()
	soc := l.lastSOC
	l.mu.Unlock()

	action := types.Action{
		Timestamp:  l.now(),
		Reason:     types.ActionReasonManual,
		BatterySOC: soc,
		DryRun:     settings.DryRun,
	}

	var next chargeMode
	switch cmd {
	case ControlStart:
		if watts <= 0 {
			watts = settings.Battery.MaxChargePowerKW * 1000
		}
		action.Charge = true
		action.SetpointW = -math.Abs(watts)
		action.Description = fmt.Sprintf("Manual charging started: %.0f W", math.Abs(watts))
		next = modeManualCharging
		if !settings.DryRun {
			err = l.ess.StartCharging(ctx, watts)
		}
	case ControlStop:
		action.Description = "Charging stopped, back to internal control"
		next = modeIdle
		if !settings.DryRun {
			err = l.ess.StopCharging(ctx)
		}
	case ControlAuto:
		l.mu.Lock()
		if l.mode == modeManualCharging {
			l.mode = modeAutoCharging
		}
		l.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "automatic optimization resumed")
		return types.Action{}, nil
	default:
		return types.Action{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	if err != nil {
		action.Failed = true
		action.Error = err.Error()
	} else {
		l.mu.Lock()
		l.mode = next
		l.mu.Unlock()
	}
	log.Ctx(ctx).InfoContext(ctx, "manual control", slog.String("command", string(cmd)), slog.Bool("failed", action.Failed))
	l.record(ctx, action)
	if err != nil {
		return action, fmt.Errorf("failed to apply %s: %w", cmd, err)
	}
	return action, nil
}

// Mode returns the current charge mode.
func (l *ControlLoop) Mode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == modeUnknown {
		return "unknown"
	}
	return string(l.mode)
}
