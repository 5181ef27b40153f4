package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage/storagemock"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/stretchr/testify/assert"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type fakeRunner struct {
	err error
}

func (f fakeRunner) Run(ctx context.Context) error {
	return f.err
}

type fakeESS struct {
	stopErr error
	stops   int
	closed  bool
}

func (f *fakeESS) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	return types.SystemStatus{}, nil
}

func (f *fakeESS) StartCharging(ctx context.Context, watts float64) error {
	return nil
}

func (f *fakeESS) StopCharging(ctx context.Context) error {
	f.stops++
	return f.stopErr
}

func (f *fakeESS) Close() error {
	f.closed = true
	return nil
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		runErr  error
		stopErr error
		code    int
	}{
		{"Clean Exit", nil, nil, 0},
		{"Server Failure", errors.New("listen tcp :8099: address already in use"), nil, 1},
		{"Release Failure", nil, errors.New("modbus timeout"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &fakeESS{stopErr: tt.stopErr}
			db := &storagemock.MockDatabase{}
			db.On("Close").Return(nil)

			code := run(context.Background(), fakeRunner{err: tt.runErr}, e, db)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, 1, e.stops)
			assert.True(t, e.closed)
			db.AssertCalled(t, "Close")
		})
	}
}
