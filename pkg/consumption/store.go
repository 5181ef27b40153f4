package consumption

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jinzhu/now"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/types"
	"github.com/samber/lo"
)

const (
	// live readings above this can't be a single hour of a household
	maxRecordKWH = 100
	// readings above this are suspicious but recorded
	warnRecordKWH = 50
	// imported values are clamped to [0, maxImportKWH]
	maxImportKWH = 50
	// used for hours missing from a manual profile
	manualProfileDefaultKWH = 0.2
	// an average above this is logged for diagnosis
	highAverageKWH = 5.0

	defaultRetentionDays = 28
	defaultFallbackKWH   = 1.0
)

// Store learns the household consumption profile from hourly samples. It is
// safe for concurrent use; writes are serialized.
type Store struct {
	db  storage.Database
	loc *time.Location
	now func() time.Time

	writeMu sync.Mutex

	mu            sync.RWMutex
	retentionDays int
	fallbackKWH   float64
}

// Configured registers the store flags and returns a store backed by db.
func Configured(db storage.Database) *Store {
	tz := lflag.String("consumption-timezone", "Local", "IANA time zone that defines household days and hours")

	s := New(db, time.Local)
	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("invalid consumption-timezone %q: %v", *tz, err))
		}
		s.loc = loc
	})
	return s
}

// New returns a store with default retention and fallback.
func New(db storage.Database, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		db:            db,
		loc:           loc,
		now:           time.Now,
		retentionDays: defaultRetentionDays,
		fallbackKWH:   defaultFallbackKWH,
	}
}

// Location returns the time zone that defines days and hours.
func (s *Store) Location() *time.Location {
	return s.loc
}

// ApplySettings updates retention and fallback from the dynamic settings.
func (s *Store) ApplySettings(settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.RetentionDays > 0 {
		s.retentionDays = settings.RetentionDays
	}
	if settings.FallbackConsumptionKWH > 0 {
		s.fallbackKWH = settings.FallbackConsumptionKWH
	}
}

func (s *Store) options() (int, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retentionDays, s.fallbackKWH
}

func (s *Store) local(t time.Time) *now.Now {
	return now.With(t.In(s.loc))
}

// Record stores a metered hour. Readings that can't be real are dropped and
// logged instead of returned since the caller can't do anything about them.
func (s *Store) Record(ctx context.Context, ts time.Time, kwh float64) {
	switch {
	case math.IsNaN(kwh) || math.IsInf(kwh, 0):
		log.Ctx(ctx).WarnContext(
			ctx,
			"non-finite consumption reading, skipping",
			slog.Float64("kwh", kwh),
			slog.Time("ts", ts),
		)
		return
	case kwh < 0:
		log.Ctx(ctx).WarnContext(
			ctx,
			"negative consumption reading, skipping",
			slog.Float64("kwh", kwh),
			slog.Time("ts", ts),
		)
		return
	case kwh > maxRecordKWH:
		log.Ctx(ctx).ErrorContext(
			ctx,
			"configuration error: consumption reading too high, the sensor is likely a cumulative total sensor instead of an hourly energy sensor",
			slog.Float64("kwh", kwh),
			slog.Time("ts", ts),
		)
		return
	case kwh > warnRecordKWH:
		log.Ctx(ctx).WarnContext(
			ctx,
			"very high consumption reading, verify the sensor configuration",
			slog.Float64("kwh", kwh),
			slog.Time("ts", ts),
		)
	}

	hour := s.local(ts).BeginningOfHour()
	sample := types.ConsumptionSample{
		Timestamp:      hour,
		Hour:           hour.Hour(),
		ConsumptionKWH: kwh,
		RecordedAt:     s.now(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.UpsertConsumption(ctx, []types.ConsumptionSample{sample}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record consumption", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "recorded consumption", slog.Float64("kwh", kwh), slog.Int("hour", sample.Hour))
	s.prune(ctx)
}

// ImportBatch imports whole days of hourly values. Days without exactly 24
// values or with an unparseable date are skipped. All accepted days are
// written in one transaction.
func (s *Store) ImportBatch(ctx context.Context, days []types.DailyConsumption) types.ImportResult {
	retentionDays, _ := s.options()
	if len(days) > retentionDays {
		log.Ctx(ctx).WarnContext(
			ctx,
			"import is longer than the retention window, older days will be pruned",
			slog.Int("days", len(days)),
			slog.Int("retentionDays", retentionDays),
		)
	}

	var (
		result  types.ImportResult
		samples []types.ConsumptionSample
	)
	recordedAt := s.now()
	for _, day := range days {
		date, err := time.ParseInLocation(time.DateOnly, day.Date, s.loc)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid import date, skipping day", slog.String("date", day.Date), slog.Any("error", err))
			result.SkippedDays++
			continue
		}
		if len(day.Hours) != 24 {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"expected 24 hourly values, skipping day",
				slog.String("date", day.Date),
				slog.Int("values", len(day.Hours)),
			)
			result.SkippedDays++
			continue
		}
		if slices.ContainsFunc(day.Hours, func(kwh float64) bool { return math.IsNaN(kwh) || math.IsInf(kwh, 0) }) {
			log.Ctx(ctx).ErrorContext(ctx, "non-finite hourly value, skipping day", slog.String("date", day.Date))
			result.SkippedDays++
			continue
		}
		for hour, kwh := range day.Hours {
			if kwh < 0 || kwh > maxImportKWH {
				log.Ctx(ctx).WarnContext(
					ctx,
					"clamping imported value",
					slog.String("date", day.Date),
					slog.Int("hour", hour),
					slog.Float64("kwh", kwh),
				)
				kwh = math.Max(0, math.Min(maxImportKWH, kwh))
			}
			samples = append(samples, types.ConsumptionSample{
				Timestamp:      time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, s.loc),
				Hour:           hour,
				ConsumptionKWH: kwh,
				IsManual:       true,
				RecordedAt:     recordedAt,
			})
		}
		result.ImportedDays++
	}

	if len(samples) > 0 {
		s.writeMu.Lock()
		err := s.db.UpsertConsumption(ctx, samples)
		if err == nil {
			s.prune(ctx)
		}
		s.writeMu.Unlock()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to import consumption", slog.Any("error", err))
			return types.ImportResult{SkippedDays: len(days), Error: err.Error()}
		}
		result.ImportedHours = len(samples)
	}
	result.Success = result.SkippedDays == 0

	log.Ctx(ctx).InfoContext(
		ctx,
		"consumption import complete",
		slog.Int("importedHours", result.ImportedHours),
		slog.Int("skippedDays", result.SkippedDays),
	)
	return result
}

// AddManualProfile seeds the retention window with a typical day. Hours
// missing from profile get a small base load.
func (s *Store) AddManualProfile(ctx context.Context, profile map[int]float64) (int, error) {
	for hour, kwh := range profile {
		if hour < 0 || hour > 23 {
			return 0, fmt.Errorf("invalid profile hour %d", hour)
		}
		if kwh < 0 || math.IsNaN(kwh) || math.IsInf(kwh, 0) {
			return 0, fmt.Errorf("invalid consumption %.2f for hour %d", kwh, hour)
		}
	}
	for hour := range 24 {
		if _, ok := profile[hour]; !ok {
			log.Ctx(ctx).WarnContext(
				ctx,
				"hour missing in manual profile, using default",
				slog.Int("hour", hour),
				slog.Float64("kwh", manualProfileDefaultKWH),
			)
		}
	}

	retentionDays, _ := s.options()
	current := s.now()
	// the oldest day still lies entirely inside the retention window
	start := s.local(current.AddDate(0, 0, 1-retentionDays)).BeginningOfDay()

	samples := make([]types.ConsumptionSample, 0, retentionDays*24)
	for day := range retentionDays {
		date := start.AddDate(0, 0, day)
		for hour := range 24 {
			kwh, ok := profile[hour]
			if !ok {
				kwh = manualProfileDefaultKWH
			}
			samples = append(samples, types.ConsumptionSample{
				Timestamp:      time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, s.loc),
				Hour:           hour,
				ConsumptionKWH: kwh,
				IsManual:       true,
				RecordedAt:     current,
			})
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.UpsertConsumption(ctx, samples); err != nil {
		return 0, fmt.Errorf("failed to store manual profile: %w", err)
	}
	s.prune(ctx)
	log.Ctx(ctx).InfoContext(ctx, "added manual baseline", slog.Int("hours", len(samples)))
	return len(samples), nil
}

// prune must be called with writeMu held.
func (s *Store) prune(ctx context.Context) {
	retentionDays, _ := s.options()
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	n, err := s.db.DeleteConsumptionBefore(ctx, cutoff)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to prune old consumption", slog.Any("error", err))
		return
	}
	if n > 0 {
		log.Ctx(ctx).DebugContext(ctx, "pruned old consumption", slog.Int("deleted", n))
	}
}

// slotKey identifies a local calendar hour.
type slotKey struct {
	date string
	hour int
}

func (s *Store) slotOf(sample types.ConsumptionSample) slotKey {
	t := sample.Timestamp.In(s.loc)
	return slotKey{date: t.Format(time.DateOnly), hour: t.Hour()}
}

// preferred orders the samples of one slot best first: metered before
// manual, then most recently recorded, then latest timestamp.
func preferred(a, b types.ConsumptionSample) int {
	if a.IsManual != b.IsManual {
		if !a.IsManual {
			return -1
		}
		return 1
	}
	if c := b.RecordedAt.Compare(a.RecordedAt); c != 0 {
		return c
	}
	return b.Timestamp.Compare(a.Timestamp)
}

// history returns every stored sample, or nil when storage fails.
func (s *Store) history(ctx context.Context) []types.ConsumptionSample {
	samples, err := s.db.GetConsumptionHistory(ctx, time.Time{}, time.Time{})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load consumption history", slog.Any("error", err))
		return nil
	}
	return samples
}

// dedupe keeps the preferred sample per local calendar hour. When weekday is
// set only samples falling on that weekday are kept.
func (s *Store) dedupe(samples []types.ConsumptionSample, weekday *time.Weekday) map[slotKey]types.ConsumptionSample {
	best := make(map[slotKey]types.ConsumptionSample, len(samples))
	for _, sample := range samples {
		if weekday != nil && sample.Timestamp.In(s.loc).Weekday() != *weekday {
			continue
		}
		key := s.slotOf(sample)
		if cur, ok := best[key]; !ok || preferred(sample, cur) < 0 {
			best[key] = sample
		}
	}
	return best
}

func (s *Store) weekdayOf(date *time.Time) *time.Weekday {
	if date == nil {
		return nil
	}
	wd := date.In(s.loc).Weekday()
	return &wd
}

// hourlyMeans returns the mean per hour of the deduplicated samples and
// whether the hour had any data.
func (s *Store) hourlyMeans(ctx context.Context, date *time.Time) ([24]float64, [24]bool) {
	var (
		sums   [24]float64
		counts [24]int
		means  [24]float64
		has    [24]bool
	)
	for key, sample := range s.dedupe(s.history(ctx), s.weekdayOf(date)) {
		sums[key.hour] += sample.ConsumptionKWH
		counts[key.hour]++
	}
	for h := range 24 {
		if counts[h] > 0 {
			means[h] = sums[h] / float64(counts[h])
			has[h] = true
		}
	}
	return means, has
}

// Average returns the mean consumption for hour. When date is set only
// samples from the same weekday are used. Without data the fallback is
// returned.
func (s *Store) Average(ctx context.Context, hour int, date *time.Time) float64 {
	_, fallback := s.options()
	means, has := s.hourlyMeans(ctx, date)
	if hour < 0 || hour > 23 || !has[hour] {
		log.Ctx(ctx).DebugContext(ctx, "no consumption data for hour, using fallback", slog.Int("hour", hour), slog.Float64("kwh", fallback))
		return fallback
	}
	if means[hour] > highAverageKWH {
		log.Ctx(ctx).WarnContext(ctx, "high consumption average", slog.Int("hour", hour), slog.Float64("kwh", means[hour]))
	}
	return means[hour]
}

// HourlyProfile returns the expected consumption of every hour of date's
// weekday. Hours without data get the mean of the hours with data. An empty
// store yields the fallback for every hour.
func (s *Store) HourlyProfile(ctx context.Context, date time.Time) types.HourlyProfile {
	_, fallback := s.options()
	means, has := s.hourlyMeans(ctx, &date)

	var present []float64
	for h := range 24 {
		if has[h] {
			present = append(present, means[h])
		}
	}
	fill := fallback
	if len(present) > 0 {
		fill = lo.Sum(present) / float64(len(present))
	}

	var profile types.HourlyProfile
	for h := range 24 {
		if has[h] {
			profile[h] = means[h]
		} else {
			profile[h] = fill
		}
	}
	return profile
}

// TodayConsumption returns the recorded value per hour of date's local day.
func (s *Store) TodayConsumption(ctx context.Context, date time.Time) map[int]float64 {
	day := s.local(date)
	samples, err := s.db.GetConsumptionHistory(ctx, day.BeginningOfDay(), day.EndOfDay())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load today's consumption", slog.Any("error", err))
		return map[int]float64{}
	}
	out := make(map[int]float64, 24)
	for _, sample := range s.dedupe(samples, nil) {
		out[sample.Timestamp.In(s.loc).Hour()] = sample.ConsumptionKWH
	}
	return out
}

// PredictUntil estimates the consumption from start until the beginning of
// targetHour: the rest of the current hour plus every full hour in between.
func (s *Store) PredictUntil(ctx context.Context, targetHour int, start time.Time) float64 {
	start = start.In(s.loc)
	profiles := map[string]types.HourlyProfile{}
	at := func(t time.Time) float64 {
		key := t.Format(time.DateOnly)
		p, ok := profiles[key]
		if !ok {
			p = s.HourlyProfile(ctx, t)
			profiles[key] = p
		}
		return p[t.Hour()]
	}

	total := at(start) * float64(60-start.Minute()) / 60
	pos := s.local(start).BeginningOfHour().Add(time.Hour)
	for i := 0; i < 24 && pos.Hour() != targetHour; i++ {
		total += at(pos)
		pos = pos.Add(time.Hour)
	}
	return total
}

// Statistics summarizes the stored samples.
func (s *Store) Statistics(ctx context.Context) types.ConsumptionStats {
	samples := s.history(ctx)
	var stats types.ConsumptionStats
	if len(samples) == 0 {
		return stats
	}
	stats.TotalRecords = len(samples)
	stats.ManualRecords = lo.CountBy(samples, func(sample types.ConsumptionSample) bool { return sample.IsManual })
	stats.LearnedRecords = stats.TotalRecords - stats.ManualRecords

	// history is ordered by timestamp
	oldest := samples[0].Timestamp.In(s.loc)
	newest := samples[len(samples)-1].Timestamp.In(s.loc)
	stats.Oldest = &oldest
	stats.Newest = &newest
	stats.LearningProgress = math.Round(float64(stats.LearnedRecords)/float64(stats.TotalRecords)*1000) / 10
	return stats
}

// CleanupDuplicates removes every sample that isn't the preferred one of its
// local calendar hour and returns how many were removed.
func (s *Store) CleanupDuplicates(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	samples, err := s.db.GetConsumptionHistory(ctx, time.Time{}, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to load consumption history: %w", err)
	}
	groups := lo.GroupBy(samples, s.slotOf)
	var remove []time.Time
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		slices.SortStableFunc(group, preferred)
		for _, sample := range group[1:] {
			remove = append(remove, sample.Timestamp)
		}
	}
	if len(remove) == 0 {
		return 0, nil
	}
	slices.SortFunc(remove, time.Time.Compare)
	n, err := s.db.DeleteConsumptionSamples(ctx, remove)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicate consumption: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleaned up duplicate consumption", slog.Int("deleted", n))
	return n, nil
}

// ClearManual removes imported and manual samples.
func (s *Store) ClearManual(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.db.DeleteConsumption(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to clear manual consumption: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared manual consumption", slog.Int("deleted", n))
	return n, nil
}

// ClearAll removes every sample.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.db.DeleteConsumption(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to clear consumption: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared all consumption", slog.Int("deleted", n))
	return n, nil
}
