package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// maxImportBytes is large enough for years of hourly CSV rows.
const maxImportBytes = 10 << 20

func (s *Server) handleConsumptionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.store.Statistics(r.Context()))
}

func (s *Server) handleConsumptionProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := time.Now().In(s.store.Location())
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, d, s.store.Location())
		if err != nil {
			writeJSONError(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	profile := s.store.HourlyProfile(ctx, date)
	var total float64
	for _, kwh := range profile {
		total += kwh
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, http.StatusOK, struct {
		Date     string              `json:"date"`
		Profile  types.HourlyProfile `json:"profile"`
		TotalKWH float64             `json:"totalKWH"`
	}{
		Date:     date.Format(time.DateOnly),
		Profile:  profile,
		TotalKWH: total,
	})
}

func (s *Server) handleConsumptionToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	today := time.Now().In(s.store.Location())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct {
		Date  string          `json:"date"`
		Hours map[int]float64 `json:"hours"`
	}{
		Date:  today.Format(time.DateOnly),
		Hours: s.store.TodayConsumption(ctx, today),
	})
}

func (s *Server) handleConsumptionImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Days []types.DailyConsumption `json:"days"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImportBytes)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Days) == 0 {
		writeJSONError(w, "no days to import", http.StatusBadRequest)
		return
	}

	s.writeImportResult(w, r, s.store.ImportBatch(ctx, req.Days))
}

// handleConsumptionImportCSV accepts the file either as the raw body or as
// the "file" field of a multipart form.
func (s *Server) handleConsumptionImportCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var body io.Reader = r.Body
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "missing csv upload", slog.Any("error", err))
			writeJSONError(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()
		body = file
	}

	s.writeImportResult(w, r, s.store.ImportCSV(ctx, body))
}

func (s *Server) writeImportResult(w http.ResponseWriter, r *http.Request, result types.ImportResult) {
	if result.ImportedHours == 0 {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	s.replanAfterDataChange(r)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleManualProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Profile map[int]float64 `json:"profile"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Profile) == 0 {
		writeJSONError(w, "empty profile", http.StatusBadRequest)
		return
	}

	n, err := s.store.AddManualProfile(ctx, req.Profile)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to add manual profile", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.replanAfterDataChange(r)
	writeJSON(w, http.StatusOK, struct {
		ImportedHours int `json:"importedHours"`
	}{ImportedHours: n})
}

type clearScope string

const (
	clearScopeManual     clearScope = "manual"
	clearScopeAll        clearScope = "all"
	clearScopeDuplicates clearScope = "duplicates"
)

func (s *Server) handleConsumptionClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Scope clearScope `json:"scope"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var (
		n   int
		err error
	)
	switch req.Scope {
	case clearScopeManual:
		n, err = s.store.ClearManual(ctx)
	case clearScopeAll:
		n, err = s.store.ClearAll(ctx)
	case clearScopeDuplicates, "":
		n, err = s.store.CleanupDuplicates(ctx)
	default:
		writeJSONError(w, "unknown scope: "+string(req.Scope), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to clear consumption", slog.String("scope", string(req.Scope)), slog.Any("error", err))
		writeJSONError(w, "failed to clear consumption", http.StatusInternalServerError)
		return
	}
	if n > 0 {
		s.replanAfterDataChange(r)
	}
	writeJSON(w, http.StatusOK, struct {
		Deleted int `json:"deleted"`
	}{Deleted: n})
}

func (s *Server) replanAfterDataChange(r *http.Request) {
	ctx := r.Context()
	if _, err := s.loop.Replan(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to replan after consumption change", slog.Any("error", err))
	}
}
