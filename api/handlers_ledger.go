package api

import (
	"net/http"

	"alin-engine/app"
	"alin-engine/database/types"
)

func (s *Server) handleExtractPredictions(w http.ResponseWriter, r *http.Request) {
	var req app.ExtractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	preds, err := s.engine.ExtractAndRecord(r.Context(), userID(r), req)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"predictions": preds,
		"count":       len(preds),
	})
}

func (s *Server) handleRecordPrediction(w http.ResponseWriter, r *http.Request) {
	var req app.RecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	pred, created, err := s.engine.RecordPrediction(r.Context(), userID(r), req)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, pred)
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	preds, err := s.engine.ListPredictions(r.Context(), userID(r), types.PredictionFilter{
		Status:          q.Get("status"),
		Domain:          q.Get("domain"),
		Type:            q.Get("type"),
		ConversationRef: q.Get("conversation_ref"),
		MessageRef:      q.Get("message_ref"),
		Limit:           getIntParam(r, "limit", 50, intPtr(1), intPtr(500)),
	})
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": preds,
		"count":       len(preds),
	})
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	pred, err := s.engine.GetPrediction(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// resolveRecentRequest is an outcome aimed at a conversation's newest pending prediction
type resolveRecentRequest struct {
	ConversationRef string `json:"conversation_ref"`
	app.OutcomeInput
}

func (s *Server) handleResolveRecent(w http.ResponseWriter, r *http.Request) {
	var req resolveRecentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	res, err := s.engine.ResolveRecent(r.Context(), userID(r), req.ConversationRef, req.OutcomeInput)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolvePrediction(w http.ResponseWriter, r *http.Request) {
	var in app.OutcomeInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	res, err := s.engine.ResolveByID(r.Context(), userID(r), r.PathValue("id"), in)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req app.StandaloneOutcome
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	res, err := s.engine.RecordOutcome(r.Context(), userID(r), req)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	since, err := getTimeParam(r, "since")
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	q := r.URL.Query()
	outcomes, err := s.engine.ListOutcomes(r.Context(), userID(r), types.OutcomeFilter{
		Domain:      q.Get("domain"),
		TriggerType: q.Get("trigger_type"),
		Severity:    q.Get("severity"),
		Result:      q.Get("result"),
		Since:       since,
		Limit:       getIntParam(r, "limit", 50, intPtr(1), intPtr(500)),
	})
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}
