package server

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/raterudder/chargeplanner/pkg/consumption"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// fakeESS is a battery system whose readings and failures are set by the
// test.
type fakeESS struct {
	mu        sync.Mutex
	status    types.SystemStatus
	statusErr error
	startErr  error
	stopErr   error
	starts    []float64
	stops     int
}

func (f *fakeESS) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return types.SystemStatus{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeESS) StartCharging(ctx context.Context, watts float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, watts)
	f.status.ExternalControl = true
	f.status.SetpointW = -watts
	return nil
}

func (f *fakeESS) StopCharging(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	f.status.ExternalControl = false
	f.status.SetpointW = 0
	return nil
}

func (f *fakeESS) Close() error {
	return nil
}

func (f *fakeESS) setSOC(soc float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.BatterySOC = soc
}

func (f *fakeESS) calls() ([]float64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.starts...), f.stops
}

type mockUtility struct {
	mock.Mock
}

func (m *mockUtility) GetPrices(ctx context.Context) ([]types.Price, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]types.Price), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockForecast struct {
	mock.Mock
}

func (m *mockForecast) HourlyPV(ctx context.Context, ts time.Time) (types.PVForecast, error) {
	args := m.Called(ctx, ts)
	if v := args.Get(0); v != nil {
		return v.(types.PVForecast), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingPublisher keeps everything it was asked to publish.
type recordingPublisher struct {
	mu      sync.Mutex
	plans   []PlanSnapshot
	actions []types.Action
	closed  bool
}

func (p *recordingPublisher) PublishPlan(ctx context.Context, snap PlanSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, snap)
}

func (p *recordingPublisher) PublishAction(ctx context.Context, action types.Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// fakeToken is an already completed mqtt.Token.
type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool { return true }

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t fakeToken) Error() error { return t.err }

var _ mqtt.Token = fakeToken{}

type publishedMessage struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	f.messages = append(f.messages, publishedMessage{topic: topic, retained: retained, payload: b})
	return fakeToken{err: f.err}
}

func (f *fakeMQTT) byTopic(topic string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSettings() types.Settings {
	return types.Settings{
		AutoOptimization: true,
		Battery: types.BatteryParams{
			CapacityKWH:      10,
			MinSOC:           20,
			MaxSOC:           95,
			MaxChargePowerKW: 4,
		},
		Tunables:               types.DefaultPlannerTunables(),
		LookaheadHours:         24,
		ConsumptionLearning:    true,
		RetentionDays:          28,
		FallbackConsumptionKWH: 1,
	}
}

func flatPrices(start time.Time, hours int, price float64) []types.Price {
	prices := make([]types.Price, hours)
	for i := range prices {
		ts := start.Add(time.Duration(i) * time.Hour)
		prices[i] = types.Price{
			Provider:    "test",
			TSStart:     ts,
			TSEnd:       ts.Add(time.Hour),
			PricePerKWH: price,
		}
	}
	return prices
}

// testEnv wires a loop and a server over an in-memory database.
type testEnv struct {
	db        *storage.SQLiteProvider
	ess       *fakeESS
	utility   *mockUtility
	forecast  *mockForecast
	store     *consumption.Store
	publisher *recordingPublisher
	clock     *testClock
	loop      *ControlLoop
	server    *Server
}

func newTestEnv(t *testing.T, settings types.Settings) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := storage.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SetSettings(ctx, settings, types.CurrentSettingsVersion))

	// recent enough that metered samples survive retention pruning
	clock := &testClock{t: time.Now().UTC().Truncate(time.Hour).Add(-6*time.Hour + 30*time.Minute)}

	u := &mockUtility{}
	u.On("GetPrices", mock.Anything).Return(flatPrices(clock.Now().Truncate(time.Hour), 36, 0.30), nil).Maybe()
	f := &mockForecast{}
	f.On("HourlyPV", mock.Anything, mock.Anything).Return(types.PVForecast(nil), nil).Maybe()

	e := &fakeESS{status: types.SystemStatus{BatterySOC: 60}}
	store := consumption.New(db, time.UTC)
	state := &SchedulerState{}
	pub := &recordingPublisher{}
	loop := NewControlLoop(db, e, u, f, store, state, NewMetrics(), pub)
	loop.now = clock.Now

	srv := &Server{
		storage:   db,
		ess:       e,
		store:     store,
		loop:      loop,
		state:     state,
		metrics:   loop.metrics,
		publisher: pub,
	}

	return &testEnv{
		db:        db,
		ess:       e,
		utility:   u,
		forecast:  f,
		store:     store,
		publisher: pub,
		clock:     clock,
		loop:      loop,
		server:    srv,
	}
}
