package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raterudder/chargeplanner/pkg/controller"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQTTPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("Plan", func(t *testing.T) {
		client := &fakeMQTT{}
		pub := &MQTTPublisher{client: client, prefix: "home/battery"}

		pub.PublishPlan(ctx, PlanSnapshot{
			Plan:       types.RollingPlan{MinSOCReached: 23.5, TotalChargingKWH: 4.2},
			CurrentSOC: 41,
		})

		msgs := client.byTopic("home/battery/plan")
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].retained)
		var snap PlanSnapshot
		require.NoError(t, json.Unmarshal(msgs[0].payload, &snap))
		assert.Equal(t, 23.5, snap.Plan.MinSOCReached)
		assert.Equal(t, 41.0, snap.CurrentSOC)
	})

	t.Run("Action", func(t *testing.T) {
		client := &fakeMQTT{}
		pub := &MQTTPublisher{client: client, prefix: "cp"}

		pub.PublishAction(ctx, types.Action{Charge: true, SetpointW: -3900, Reason: types.ActionReasonScheduledCharge})
		pub.PublishAction(ctx, types.Action{Reason: types.ActionReasonBatteryFull})

		actions := client.byTopic("cp/action")
		require.Len(t, actions, 2)
		assert.False(t, actions[0].retained)

		charging := client.byTopic("cp/charging")
		require.Len(t, charging, 2)
		assert.Equal(t, "ON", string(charging[0].payload))
		assert.Equal(t, "OFF", string(charging[1].payload))
		assert.True(t, charging[1].retained)
	})

	t.Run("Failed And Dry Run Keep State", func(t *testing.T) {
		client := &fakeMQTT{}
		pub := &MQTTPublisher{client: client, prefix: "cp"}

		pub.PublishAction(ctx, types.Action{Charge: true, Failed: true})
		pub.PublishAction(ctx, types.Action{Charge: true, DryRun: true})

		assert.Len(t, client.byTopic("cp/action"), 2)
		assert.Empty(t, client.byTopic("cp/charging"))
	})

	t.Run("Publish Errors Are Logged", func(t *testing.T) {
		client := &fakeMQTT{err: errors.New("not connected")}
		pub := &MQTTPublisher{client: client, prefix: "cp"}

		assert.NotPanics(t, func() {
			pub.PublishPlan(ctx, PlanSnapshot{})
		})
	})

	t.Run("Discovery", func(t *testing.T) {
		client := &fakeMQTT{}
		pub := &MQTTPublisher{client: client, prefix: "cp"}

		pub.publishDiscovery(ctx)

		client.mu.Lock()
		defer client.mu.Unlock()
		require.Len(t, client.messages, 3)
		for _, m := range client.messages {
			assert.True(t, strings.HasPrefix(m.topic, "homeassistant/"))
			assert.True(t, strings.HasSuffix(m.topic, "/config"))
			assert.True(t, m.retained)

			var cfg discoveryConfig
			require.NoError(t, json.Unmarshal(m.payload, &cfg))
			assert.Equal(t, "cp/status", cfg.AvailabilityTopic)
			assert.NotEmpty(t, cfg.UniqueID)
		}
		assert.Contains(t, client.messages[0].topic, "binary_sensor")
	})

	t.Run("Close Without Connection", func(t *testing.T) {
		pub := &MQTTPublisher{client: &fakeMQTT{}, prefix: "cp"}
		assert.NotPanics(t, pub.Close)
	})
}

func TestMetrics(t *testing.T) {
	t.Run("Nil Is Noop", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.observeStatus(types.SystemStatus{BatterySOC: 50})
			m.observePlan(PlanSnapshot{})
			m.observeAction(types.Action{})
			m.collectorError("ess")
		})
	})

	t.Run("Plan", func(t *testing.T) {
		m := NewMetrics()
		generated := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
		m.observePlan(PlanSnapshot{
			Plan: types.RollingPlan{
				GeneratedAt:      generated,
				MinSOCReached:    21,
				TotalChargingKWH: 3.5,
				ChargingWindows:  []types.ChargingWindow{{Hour: 2}, {Hour: 3}},
			},
			ShortTerm: controller.ShortTermDeficit{DeficitKWH: 0.8},
		})
		assert.Equal(t, 21.0, testutil.ToFloat64(m.planMinSOC))
		assert.Equal(t, 3.5, testutil.ToFloat64(m.planChargingKWH))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.planWindows))
		assert.Equal(t, float64(generated.Unix()), testutil.ToFloat64(m.planGenerated))
		assert.Equal(t, 0.8, testutil.ToFloat64(m.shortTermKWH))
	})

	t.Run("Actions", func(t *testing.T) {
		m := NewMetrics()
		m.observeAction(types.Action{Charge: true, SetpointW: -4000, Reason: types.ActionReasonManual})
		assert.Equal(t, 1.0, testutil.ToFloat64(m.charging))
		assert.Equal(t, -4000.0, testutil.ToFloat64(m.setpointW))

		// a failed stop leaves the battery charging
		m.observeAction(types.Action{Reason: types.ActionReasonManual, Failed: true})
		assert.Equal(t, 1.0, testutil.ToFloat64(m.charging))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues(string(types.ActionReasonManual), "failed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues(string(types.ActionReasonManual), "ok")))
	})
}

func TestSchedulerState(t *testing.T) {
	var s SchedulerState
	_, ok := s.Snapshot()
	assert.False(t, ok)
	assert.Nil(t, s.Plan())

	s.Store(PlanSnapshot{CurrentSOC: 30, Plan: types.RollingPlan{MinSOCReached: 25}})
	s.Store(PlanSnapshot{CurrentSOC: 40, Plan: types.RollingPlan{MinSOCReached: 35}})

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 40.0, snap.CurrentSOC)
	require.NotNil(t, s.Plan())
	assert.Equal(t, 35.0, s.Plan().MinSOCReached)
}
