package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"alin-engine/app"
	"alin-engine/database"
	"alin-engine/handlers"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Config(r.Context())
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Dashboard(r.Context(), userID(r))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleWeeklyReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.WeeklyReport(r.Context(), userID(r))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAccuracyTrend(w http.ResponseWriter, r *http.Request) {
	weeks := getIntParam(r, "weeks", app.DefaultTrendWeeks, nil, nil)
	points, err := s.engine.AccuracyTrend(r.Context(), userID(r), weeks)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"weeks":  weeks,
		"points": points,
	})
}

type killSwitchRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	on, err := s.engine.KillSwitch(r.Context())
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.respondWithError(w, r, database.NewValidationError("enabled", "required"))
		return
	}
	if err := s.engine.SetKillSwitch(r.Context(), *req.Enabled); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (s *Server) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ExportSnapshot(r.Context(), userID(r))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// importRequest wraps a snapshot with its import options. Options default
// to genes and domains.
type importRequest struct {
	Snapshot *database.Snapshot      `json:"snapshot"`
	Options  *database.ImportOptions `json:"options"`
}

func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, &app.InvalidSnapshotError{Err: err})
		return
	}
	opts := app.DefaultImportOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	result, err := s.engine.ImportSnapshot(r.Context(), userID(r), req.Snapshot, opts)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lifecycle scheduler not configured"})
		return
	}
	report, err := s.scheduler.RunOnce(r.Context())
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetAddendum(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	text, err := s.engine.BuildAddendum(r.Context(), userID(r), mode)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":     mode,
		"addendum": text,
		"empty":    text == "",
	})
}

// handleCapture accepts turn and feedback events and processes them in the
// background. The caller never waits on learning.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "capture not configured"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondWithError(w, r, database.NewValidationError("body", err.Error()))
		return
	}
	event := r.PathValue("event")
	if _, ok := s.capture.GetHandler(event); !ok {
		s.respondWithError(w, r, database.NewNotFoundErrorWithID("capture event", event))
		return
	}
	if err := s.capture.Dispatch(event, userID(r), body); err != nil {
		if errors.Is(err, handlers.ErrBusy) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.engine.Database().Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	resp := map[string]interface{}{
		"status": status,
		"origin": s.engine.Origin(),
		"time":   time.Now().UTC(),
	}
	if s.broker != nil {
		resp["sse_clients"] = s.broker.Clients()
	}
	if s.hub != nil {
		resp["ws_peers"] = s.hub.Peers()
	}
	writeJSON(w, code, resp)
}
