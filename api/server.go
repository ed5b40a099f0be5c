package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"alin-engine/app"
	"alin-engine/handlers"
	"alin-engine/realtime"
	"alin-engine/websocket"

	"go.uber.org/zap"
)

// Server handles HTTP API requests
type Server struct {
	engine    *app.Engine
	scheduler *app.Scheduler
	capture   *handlers.HandlerManager
	broker    *realtime.Broker
	hub       *websocket.Hub
	logger    *zap.Logger
}

// NewServer creates a new API server instance. broker and hub may be nil,
// in which case the live feed routes are not registered.
func NewServer(engine *app.Engine, scheduler *app.Scheduler, capture *handlers.HandlerManager, broker *realtime.Broker, hub *websocket.Hub, logger *zap.Logger) *Server {
	return &Server{
		engine:    engine,
		scheduler: scheduler,
		capture:   capture,
		broker:    broker,
		hub:       hub,
		logger:    logger.Named("api"),
	}
}

// Handler builds the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Live feed
	if s.broker != nil {
		mux.Handle("GET /api/events", s.broker)
	}
	if s.hub != nil {
		mux.Handle("GET /api/events/ws", s.hub)
	}

	mux.HandleFunc("GET /api/config", s.handleGetConfig)

	// Ledger and resolver
	mux.HandleFunc("POST /api/predictions/extract", s.handleExtractPredictions)
	mux.HandleFunc("POST /api/predictions", s.handleRecordPrediction)
	mux.HandleFunc("GET /api/predictions", s.handleListPredictions)
	mux.HandleFunc("GET /api/predictions/{id}", s.handleGetPrediction)
	mux.HandleFunc("POST /api/predictions/resolve-recent", s.handleResolveRecent)
	mux.HandleFunc("POST /api/predictions/{id}/resolve", s.handleResolvePrediction)
	mux.HandleFunc("POST /api/outcomes", s.handleRecordOutcome)
	mux.HandleFunc("GET /api/outcomes", s.handleListOutcomes)

	// Weightmap
	mux.HandleFunc("GET /api/domains", s.handleListDomains)
	mux.HandleFunc("GET /api/domains/{domain}", s.handleGetDomain)
	mux.HandleFunc("GET /api/domains/{domain}/history", s.handleDomainHistory)

	// Cortex
	mux.HandleFunc("GET /api/patterns", s.handleListPatterns)
	mux.HandleFunc("POST /api/patterns/{id}/dismiss", s.handleDismissPattern)
	mux.HandleFunc("GET /api/calibration", s.handleGetCalibration)
	mux.HandleFunc("POST /api/calibration/snapshot", s.handleRebuildCalibration)

	// Genome
	mux.HandleFunc("GET /api/genes", s.handleListGenes)
	mux.HandleFunc("GET /api/genes/compare", s.handleCompareGenes)
	mux.HandleFunc("GET /api/genes/{id}", s.handleGetGene)
	mux.HandleFunc("POST /api/genes", s.handleCreateGene)
	mux.HandleFunc("POST /api/genes/{id}/{action}", s.handleGeneAction)
	mux.HandleFunc("DELETE /api/genes/{id}", s.handleDeleteGene)

	// Reports
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/reports/weekly", s.handleWeeklyReport)
	mux.HandleFunc("GET /api/reports/accuracy-trend", s.handleAccuracyTrend)

	// Operations
	mux.HandleFunc("GET /api/kill-switch", s.handleGetKillSwitch)
	mux.HandleFunc("PUT /api/kill-switch", s.handleSetKillSwitch)
	mux.HandleFunc("GET /api/snapshot", s.handleExportSnapshot)
	mux.HandleFunc("POST /api/snapshot/import", s.handleImportSnapshot)
	mux.HandleFunc("POST /api/lifecycle/run", s.handleRunLifecycle)
	mux.HandleFunc("GET /api/addendum", s.handleGetAddendum)

	// Capture
	mux.HandleFunc("POST /api/capture/{event}", s.handleCapture)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves on the given port until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Handlers are distributed across multiple files:
// - handlers_ledger.go: predictions and outcomes
// - handlers_learning.go: domains, patterns, calibration, genes
// - handlers_ops.go: config, reports, kill switch, snapshot, lifecycle, addendum, capture, health
