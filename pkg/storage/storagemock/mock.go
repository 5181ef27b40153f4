package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	args := m.Called(ctx, samples)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.ConsumptionSample), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) DeleteConsumptionBefore(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) DeleteConsumption(ctx context.Context, manualOnly bool) (int, error) {
	args := m.Called(ctx, manualOnly)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) DeleteConsumptionSamples(ctx context.Context, timestamps []time.Time) (int, error) {
	args := m.Called(ctx, timestamps)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) InsertAction(ctx context.Context, action types.Action) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.Action), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestAction(ctx context.Context) (*types.Action, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.Action), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
