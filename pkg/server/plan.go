package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.state.Snapshot()
	if !ok {
		writeJSONError(w, "no plan available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.loop.Replan(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to recalculate plan", slog.Any("error", err))
		if errors.Is(err, types.ErrInvalidBatteryParams) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONError(w, "failed to recalculate plan", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statusResponse struct {
	Status      *types.SystemStatus `json:"status,omitempty"`
	StatusError string              `json:"statusError,omitempty"`
	Mode        string              `json:"mode"`

	DryRun           bool `json:"dryRun"`
	Pause            bool `json:"pause"`
	AutoOptimization bool `json:"autoOptimization"`

	ChargeNow  *types.ChargingWindow `json:"chargeNow,omitempty"`
	NextWindow *types.ChargingWindow `json:"nextWindow,omitempty"`
	Plan       *PlanSnapshot         `json:"plan,omitempty"`
	LastAction *types.Action         `json:"lastAction,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, _, err := loadSettings(ctx, s.storage)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Mode:             s.loop.Mode(),
		DryRun:           settings.DryRun,
		Pause:            settings.Pause,
		AutoOptimization: settings.AutoOptimization,
	}

	if status, err := s.ess.GetStatus(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get ess status", slog.Any("error", err))
		resp.StatusError = err.Error()
	} else {
		resp.Status = &status
	}

	if snap, ok := s.state.Snapshot(); ok {
		resp.Plan = &snap
		if win, ok := snap.Plan.ChargeNow(); ok {
			resp.ChargeNow = &win
		}
		for _, win := range snap.Plan.ChargingWindows {
			if win.Hour > 0 {
				resp.NextWindow = &win
				break
			}
		}
	}

	if action, err := s.storage.GetLatestAction(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest action", slog.Any("error", err))
	} else {
		resp.LastAction = action
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

type controlRequest struct {
	Action ControlCommand `json:"action"`
	// PowerW is the charge power for start, the battery maximum when 0.
	PowerW float64 `json:"powerW"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	action, err := s.loop.Control(ctx, req.Action, req.PowerW)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrPaused):
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "manual control failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Action ControlCommand `json:"action"`
		Mode   string         `json:"mode"`
		Result *types.Action  `json:"result,omitempty"`
	}{
		Action: req.Action,
		Mode:   s.loop.Mode(),
		Result: actionOrNil(action),
	})
}

func actionOrNil(a types.Action) *types.Action {
	if a.Timestamp.IsZero() {
		return nil
	}
	return &a
}
