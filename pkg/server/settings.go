package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// loadSettings returns the stored settings, migrating and saving them when
// they're older than the current version.
func loadSettings(ctx context.Context, db storage.Database) (types.Settings, int, error) {
	settings, version, err := db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, 0, err
	}
	if version >= types.CurrentSettingsVersion {
		return settings, version, nil
	}

	log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
	newSettings, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		// best effort, keep running on the old settings
		log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		return settings, version, nil
	}
	if !changed {
		return settings, version, nil
	}
	if err := db.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
		// the migrated settings still serve the current request
		log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
	} else {
		log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
	}
	return newSettings, types.CurrentSettingsVersion, nil
}

// validateSettings rejects settings the planner or executor can't run with.
func validateSettings(s types.Settings) error {
	if err := s.Battery.Validate(); err != nil {
		return err
	}
	if s.LookaheadHours < 1 || s.LookaheadHours > 48 {
		return errors.New("lookahead hours must be between 1 and 48")
	}
	if s.RetentionDays < 1 {
		return errors.New("retention days must be at least 1")
	}
	if s.FallbackConsumptionKWH < 0 {
		return errors.New("fallback consumption cannot be negative")
	}
	t := s.Tunables
	if t.ExpensivePercentile < 0 || t.ExpensivePercentile >= 1 {
		return errors.New("expensive percentile must be in [0, 1)")
	}
	if t.PartialChargeFraction < 0 || t.PartialChargeFraction > 1 {
		return errors.New("partial charge fraction must be in [0, 1]")
	}
	if t.DeficitBufferSOC < 0 || t.TargetBufferSOC < 0 || t.FallbackTargetBufferSOC < 0 {
		return errors.New("SOC buffers cannot be negative")
	}
	if t.MinJITWindowHours < 0 || t.DefaultJITWindowHours < 0 || t.MaxIterations < 0 || t.MaxExpansionHours < 0 {
		return errors.New("planner hour limits cannot be negative")
	}
	return nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, _, err := loadSettings(ctx, s.storage)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// start from the stored settings so partial updates keep other fields
	settings, _, err := loadSettings(ctx, s.storage)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateSettings(settings); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	// the plan depends on battery and tunables
	if _, err := s.loop.Replan(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to replan after settings update", slog.Any("error", err))
	}

	writeJSON(w, http.StatusOK, settings)
}
