package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// Metrics exposes the loop state to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	batterySOC      prometheus.Gauge
	charging        prometheus.Gauge
	setpointW       prometheus.Gauge
	planMinSOC      prometheus.Gauge
	planChargingKWH prometheus.Gauge
	planWindows     prometheus.Gauge
	planGenerated   prometheus.Gauge
	shortTermKWH    prometheus.Gauge
	actions         *prometheus.CounterVec
	collectorErrors *prometheus.CounterVec
}

// NewMetrics registers the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batterySOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_battery_soc_percent",
			Help: "Last measured battery state of charge.",
		}),
		charging: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_grid_charging",
			Help: "1 while the battery is charged from the grid.",
		}),
		setpointW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_battery_setpoint_watts",
			Help: "Last written battery setpoint, negative charges.",
		}),
		planMinSOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_plan_min_soc_percent",
			Help: "Lowest SOC of the current plan's trajectory.",
		}),
		planChargingKWH: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_plan_charging_kwh",
			Help: "Grid energy scheduled by the current plan.",
		}),
		planWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_plan_charging_windows",
			Help: "Number of charging windows in the current plan.",
		}),
		planGenerated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_plan_generated_timestamp_seconds",
			Help: "Unix time the current plan was generated.",
		}),
		shortTermKWH: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeplanner_short_term_deficit_kwh",
			Help: "Expected consumption not covered by PV in the next hours.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeplanner_actions_total",
			Help: "Charge transitions by reason and result.",
		}, []string{"reason", "result"}),
		collectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeplanner_collector_errors_total",
			Help: "Failed reads from prices, forecast and the battery system.",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		m.batterySOC,
		m.charging,
		m.setpointW,
		m.planMinSOC,
		m.planChargingKWH,
		m.planWindows,
		m.planGenerated,
		m.shortTermKWH,
		m.actions,
		m.collectorErrors,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeStatus(status types.SystemStatus) {
	if m == nil {
		return
	}
	m.batterySOC.Set(status.BatterySOC)
	m.setpointW.Set(status.SetpointW)
}

func (m *Metrics) observePlan(snap PlanSnapshot) {
	if m == nil {
		return
	}
	m.planMinSOC.Set(snap.Plan.MinSOCReached)
	m.planChargingKWH.Set(snap.Plan.TotalChargingKWH)
	m.planWindows.Set(float64(len(snap.Plan.ChargingWindows)))
	m.planGenerated.Set(float64(snap.Plan.GeneratedAt.Unix()))
	m.shortTermKWH.Set(snap.ShortTerm.DeficitKWH)
}

func (m *Metrics) observeAction(action types.Action) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case action.Failed:
		result = "failed"
	case action.DryRun:
		result = "dryRun"
	}
	m.actions.WithLabelValues(string(action.Reason), result).Inc()
	if action.Failed || action.DryRun {
		return
	}
	if action.Charge {
		m.charging.Set(1)
	} else {
		m.charging.Set(0)
	}
	m.setpointW.Set(action.SetpointW)
}

func (m *Metrics) collectorError(source string) {
	if m == nil {
		return
	}
	m.collectorErrors.WithLabelValues(source).Inc()
}
