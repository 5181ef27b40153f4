package consumption

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// ErrNoCSVData is reported when no row of an import could be parsed.
var ErrNoCSVData = errors.New("no valid data found in CSV")

// csvDateLayouts are tried in order for the datum column.
var csvDateLayouts = []string{time.DateOnly, "02.01.2006"}

// ImportCSV imports a file with the header datum,wochentag,h0..h23. Both ","
// and ";" separated files are accepted, decimal commas are allowed in ";"
// separated files and in quoted values. Rows that can't be parsed are logged
// and skipped.
func (s *Store) ImportCSV(ctx context.Context, r io.Reader) types.ImportResult {
	days, err := ParseCSV(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to parse consumption csv", slog.Any("error", err))
		return types.ImportResult{Error: err.Error()}
	}
	if len(days) == 0 {
		return types.ImportResult{Error: ErrNoCSVData.Error()}
	}
	log.Ctx(ctx).InfoContext(ctx, "parsed consumption csv", slog.Int("days", len(days)))

	result := s.ImportBatch(ctx, days)
	result.ImportedDays = len(days)
	return result
}

// ParseCSV reads the import file into days. It only returns an error when
// the file itself is unreadable or misses a required column.
func ParseCSV(ctx context.Context, r io.Reader) ([]types.DailyConsumption, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	reader := csv.NewReader(br)
	headerLine, _, _ := strings.Cut(string(first), "\n")
	if strings.Count(headerLine, ";") > strings.Count(headerLine, ",") {
		reader.Comma = ';'
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	dateCol, ok := columns["datum"]
	if !ok {
		return nil, errors.New("missing column 'datum'")
	}
	weekdayCol, hasWeekday := columns["wochentag"]
	var hourCols [24]int
	for h := range 24 {
		col, ok := columns[fmt.Sprintf("h%d", h)]
		if !ok {
			return nil, fmt.Errorf("missing column 'h%d'", h)
		}
		hourCols[h] = col
	}

	var days []types.DailyConsumption
	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "unreadable csv row, skipping", slog.Int("row", row), slog.Any("error", err))
			continue
		}
		day, err := parseCSVRow(record, dateCol, weekdayCol, hasWeekday, hourCols)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid csv row, skipping", slog.Int("row", row), slog.Any("error", err))
			continue
		}
		days = append(days, day)
	}
	return days, nil
}

func parseCSVRow(record []string, dateCol, weekdayCol int, hasWeekday bool, hourCols [24]int) (types.DailyConsumption, error) {
	field := func(i int) (string, bool) {
		if i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}

	dateStr, _ := field(dateCol)
	if dateStr == "" {
		return types.DailyConsumption{}, errors.New("missing date")
	}
	var (
		date   time.Time
		parsed bool
	)
	for _, layout := range csvDateLayouts {
		if d, err := time.Parse(layout, dateStr); err == nil {
			date, parsed = d, true
			break
		}
	}
	if !parsed {
		return types.DailyConsumption{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD or DD.MM.YYYY", dateStr)
	}

	day := types.DailyConsumption{
		Date:  date.Format(time.DateOnly),
		Hours: make([]float64, 24),
	}
	if hasWeekday {
		day.Weekday, _ = field(weekdayCol)
	}
	for h, col := range hourCols {
		raw, ok := field(col)
		if !ok {
			return types.DailyConsumption{}, fmt.Errorf("missing value for h%d", h)
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return types.DailyConsumption{}, fmt.Errorf("invalid number %q in h%d", raw, h)
		}
		day.Hours[h] = v
	}
	return day, nil
}
