package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// ErrEmptyBatch is returned when a batch write is called without samples.
var ErrEmptyBatch = errors.New("empty batch")

// timestampKey is the UTC layout used for record keys. It sorts
// lexicographically in time order.
const timestampKey = time.RFC3339

func keyFor(t time.Time) string {
	return t.UTC().Format(timestampKey)
}

// actionKeyLayout is fixed width so keys sort like the times they encode.
const actionKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

func actionKeyFor(t time.Time) string {
	return t.UTC().Format(actionKeyLayout)
}

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Consumption samples are keyed by their hour-aligned Timestamp. Upserting
	// an existing Timestamp replaces the sample. All samples of one call are
	// written atomically.
	UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error
	// GetConsumptionHistory returns samples with start <= Timestamp < end
	// ordered by Timestamp. A zero end means no upper bound.
	GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error)
	DeleteConsumptionBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteConsumption(ctx context.Context, manualOnly bool) (int, error)
	DeleteConsumptionSamples(ctx context.Context, timestamps []time.Time) (int, error)

	// Actions
	InsertAction(ctx context.Context, action types.Action) error
	GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error)
	GetLatestAction(ctx context.Context) (*types.Action, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore)")

	var p struct{ Database }

	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Database = sq
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
