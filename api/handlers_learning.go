package api

import (
	"net/http"
	"time"

	"alin-engine/app"
	"alin-engine/database"
	"alin-engine/database/types"
)

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.engine.ListDomains(r.Context(), userID(r), r.URL.Query().Get("sort"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domains": domains,
		"count":   len(domains),
	})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDomain(r.Context(), userID(r), r.PathValue("domain"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDomainHistory(w http.ResponseWriter, r *http.Request) {
	since, err := getTimeParam(r, "since")
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	from := time.Now().AddDate(0, 0, -30)
	if since != nil {
		from = *since
	}
	history, err := s.engine.DomainHistory(r.Context(), userID(r), r.PathValue("domain"), from,
		getIntParam(r, "limit", 100, intPtr(1), intPtr(1000)))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":  r.PathValue("domain"),
		"since":   from,
		"history": history,
	})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patterns, err := s.engine.ListPatterns(r.Context(), userID(r), types.PatternFilter{
		Domain:      q.Get("domain"),
		PatternType: q.Get("pattern_type"),
		Status:      q.Get("status"),
		Limit:       getIntParam(r, "limit", 50, intPtr(1), intPtr(500)),
	})
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) handleDismissPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.DismissPattern(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Calibration(r.Context(), userID(r), r.URL.Query().Get("domain"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRebuildCalibration(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.engine.RebuildCalibration(r.Context(), userID(r))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) handleListGenes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	genes, err := s.engine.ListGenes(r.Context(), userID(r), types.GeneFilter{
		Domain:      q.Get("domain"),
		Status:      q.Get("status"),
		GeneType:    q.Get("gene_type"),
		MinStrength: getFloatParam(r, "min_strength", 0),
		Limit:       getIntParam(r, "limit", 100, intPtr(1), intPtr(500)),
	})
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"genes": genes,
		"count": len(genes),
	})
}

func (s *Server) handleGetGene(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetGene(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCompareGenes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmp, err := s.engine.CompareGenes(r.Context(), userID(r), q.Get("a"), q.Get("b"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleCreateGene(w http.ResponseWriter, r *http.Request) {
	var in app.GeneInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if in.Actor == "" {
		in.Actor = app.ActorAdmin
	}
	g, err := s.engine.CreateGene(r.Context(), userID(r), in)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// geneActionRequest carries the optional fields of every gene action
type geneActionRequest struct {
	Reason           string `json:"reason"`
	Actor            string `json:"actor"`
	Notes            string `json:"notes"`
	GeneText         string `json:"gene_text"`
	TriggerCondition string `json:"trigger_condition"`
	ActionDirective  string `json:"action_directive"`
}

func (s *Server) handleGeneAction(w http.ResponseWriter, r *http.Request) {
	var req geneActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if req.Actor == "" {
		req.Actor = app.ActorAdmin
	}

	ctx, user, id := r.Context(), userID(r), r.PathValue("id")
	var (
		g   *app.GeneView
		err error
	)
	switch action := r.PathValue("action"); action {
	case "confirm":
		g, err = s.engine.ConfirmGene(ctx, user, id, req.Reason, req.Actor)
	case "contradict":
		g, err = s.engine.ContradictGene(ctx, user, id, req.Reason, req.Actor)
	case "apply":
		g, err = s.engine.ApplyGene(ctx, user, id, req.Actor)
	case "approve":
		g, err = s.engine.ApproveGene(ctx, user, id, req.Notes, req.Actor)
	case "mutate":
		g, err = s.engine.MutateGene(ctx, user, id, app.MutateInput{
			GeneText:         req.GeneText,
			TriggerCondition: req.TriggerCondition,
			ActionDirective:  req.ActionDirective,
			Reason:           req.Reason,
			Actor:            req.Actor,
		})
	default:
		err = database.NewNotFoundErrorWithID("gene action", action)
	}
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGene(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := q.Get("actor")
	if actor == "" {
		actor = app.ActorAdmin
	}
	g, err := s.engine.DeleteGene(r.Context(), userID(r), r.PathValue("id"), q.Get("reason"), actor)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
