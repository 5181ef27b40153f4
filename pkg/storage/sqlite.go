package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "github.com/mattn/go-sqlite3"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// SQLiteProvider implements Database on a local SQLite file. The database is
// opened in WAL mode so readers don't block the single writer.
type SQLiteProvider struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "chargeplanner.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite returns an initialized provider for path. Use ":memory:" for a
// throwaway database.
func NewSQLite(ctx context.Context, path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	if s.path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	s.db = db
	return nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		json TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumption (
		timestamp TEXT PRIMARY KEY,
		hour INTEGER NOT NULL,
		consumption_kwh REAL NOT NULL,
		is_manual INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consumption_manual ON consumption(is_manual);

	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_timestamp ON actions(timestamp);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings returns the stored settings, or empty settings with version 0
// if none were saved yet.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		jsonStr string
		version int
	)
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM settings WHERE id = 1`).Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}
	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("error", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

// SetSettings saves the settings as a JSON blob alongside its version.
func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (id, json, version) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json, version = excluded.version`,
		string(b), version,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// UpsertConsumption writes all samples in a single transaction.
func (s *SQLiteProvider) UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	if len(samples) == 0 {
		return ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO consumption (timestamp, hour, consumption_kwh, is_manual, recorded_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			hour = excluded.hour,
			consumption_kwh = excluded.consumption_kwh,
			is_manual = excluded.is_manual,
			recorded_at = excluded.recorded_at`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare consumption upsert: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if sample.Timestamp.IsZero() {
			return fmt.Errorf("consumption sample missing timestamp")
		}
		_, err := stmt.ExecContext(ctx,
			keyFor(sample.Timestamp),
			sample.Hour,
			sample.ConsumptionKWH,
			sample.IsManual,
			sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert consumption %s: %w", keyFor(sample.Timestamp), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit consumption: %w", err)
	}
	return nil
}

// GetConsumptionHistory returns the samples in [start, end).
func (s *SQLiteProvider) GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	query := `SELECT timestamp, hour, consumption_kwh, is_manual, recorded_at FROM consumption WHERE timestamp >= ?`
	args := []any{keyFor(start)}
	if !end.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, keyFor(end))
	}
	query += ` ORDER BY timestamp ASC`

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption: %w", err)
	}
	defer rows.Close()

	var samples []types.ConsumptionSample
	for rows.Next() {
		var (
			ts, recordedAt string
			sample         types.ConsumptionSample
		)
		if err := rows.Scan(&ts, &sample.Hour, &sample.ConsumptionKWH, &sample.IsManual, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		if sample.Timestamp, err = time.Parse(timestampKey, ts); err != nil {
			return nil, fmt.Errorf("invalid consumption timestamp %s: %w", ts, err)
		}
		if sample.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("invalid consumption recorded_at %s: %w", recordedAt, err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumption: %w", err)
	}
	return samples, nil
}

// DeleteConsumptionBefore removes every sample older than cutoff.
func (s *SQLiteProvider) DeleteConsumptionBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM consumption WHERE timestamp < ?`, keyFor(cutoff))
}

// DeleteConsumption removes manual samples, or every sample when manualOnly
// is false.
func (s *SQLiteProvider) DeleteConsumption(ctx context.Context, manualOnly bool) (int, error) {
	if manualOnly {
		return s.exec(ctx, `DELETE FROM consumption WHERE is_manual = 1`)
	}
	return s.exec(ctx, `DELETE FROM consumption`)
}

// DeleteConsumptionSamples removes the samples with the given timestamps.
func (s *SQLiteProvider) DeleteConsumptionSamples(ctx context.Context, timestamps []time.Time) (int, error) {
	if len(timestamps) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(timestamps)), ",")
	args := make([]any, len(timestamps))
	for i, ts := range timestamps {
		args[i] = keyFor(ts)
	}
	return s.exec(ctx, `DELETE FROM consumption WHERE timestamp IN (`+placeholders+`)`, args...)
}

func (s *SQLiteProvider) exec(ctx context.Context, query string, args ...any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete consumption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted consumption: %w", err)
	}
	return int(n), nil
}

// InsertAction appends an action. Actions sharing a timestamp are all kept.
func (s *SQLiteProvider) InsertAction(ctx context.Context, action types.Action) error {
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (timestamp, json) VALUES (?, ?)`,
		actionKeyFor(action.Timestamp), string(b),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory retrieves action records within [start, end).
func (s *SQLiteProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT json FROM actions WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, id ASC`,
		actionKeyFor(start), actionKeyFor(end),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []types.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// GetLatestAction returns the most recent action, or nil if there is none.
func (s *SQLiteProvider) GetLatestAction(ctx context.Context) (*types.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAction(s.db.QueryRowContext(ctx, `SELECT json FROM actions ORDER BY timestamp DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (types.Action, error) {
	var jsonStr string
	if err := row.Scan(&jsonStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Action{}, err
		}
		return types.Action{}, fmt.Errorf("failed to scan action: %w", err)
	}
	var a types.Action
	if err := json.Unmarshal([]byte(jsonStr), &a); err != nil {
		return types.Action{}, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	return a, nil
}
