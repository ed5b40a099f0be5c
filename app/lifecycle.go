package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alin-engine/database"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Lifecycle sub-task names, also the keys of LifecycleReport.Errors
const (
	TaskExpirePredictions = "expire_predictions"
	TaskPrunePatterns     = "prune_patterns"
	TaskDecayPatterns     = "decay_patterns"
	TaskPruneGenes        = "prune_genes"
	TaskDecayDomains      = "decay_domains"
	TaskCalibration       = "rebuild_calibration"
)

// LifecycleReport summarizes one maintenance pass
type LifecycleReport struct {
	StartedAt          time.Time         `json:"started_at"`
	FinishedAt         time.Time         `json:"finished_at"`
	ExpiredPredictions int64             `json:"expired_predictions"`
	PrunedPatterns     int64             `json:"pruned_patterns"`
	DecayedPatterns    int64             `json:"decayed_patterns"`
	PrunedGenes        int64             `json:"pruned_genes"`
	DecayedDomains     int64             `json:"decayed_domains"`
	CalibrationRows    int64             `json:"calibration_rows"`
	Errors             map[string]string `json:"errors,omitempty"`
	Shared             bool              `json:"shared"` // joined a pass already in flight
}

// Scheduler runs the maintenance pass on an interval. Passes never overlap
// within a process: a trigger during a running pass waits for it and gets
// its report.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	group    singleflight.Group
	logger   *zap.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler using the engine's configured interval
func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:   e,
		interval: e.cfg.LifecycleInterval(),
		logger:   e.logger.Named("lifecycle"),
		done:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until ctx is
// cancelled or Stop is called. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("lifecycle scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle scheduler stopped")
			return
		case <-s.done:
			s.logger.Info("lifecycle scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends Start
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("lifecycle pass failed", zap.Error(err))
		return
	}
	if len(report.Errors) > 0 {
		s.logger.Warn("lifecycle pass finished with errors", zap.Any("errors", report.Errors))
	}
}

// RunOnce performs a pass, or joins the one in flight. The pass outlives a
// cancelled caller but is bounded by the scheduling interval.
func (s *Scheduler) RunOnce(ctx context.Context) (*LifecycleReport, error) {
	v, err, shared := s.group.Do("lifecycle", func() (interface{}, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
		defer cancel()
		return s.engine.runLifecycle(passCtx, s.logger)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*LifecycleReport)
	report.Shared = shared
	return &report, nil
}

// runLifecycle executes every sub-task. A failing sub-task is recorded in the
// report and never stops the others.
func (e *Engine) runLifecycle(ctx context.Context, logger *zap.Logger) (*LifecycleReport, error) {
	now := e.now()
	report := &LifecycleReport{StartedAt: now, Errors: make(map[string]string)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(3)
	run := func(name string, task func(context.Context) error) {
		g.Go(func() error {
			began := time.Now()
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return task(ctx)
			}()
			if err != nil {
				mu.Lock()
				report.Errors[name] = err.Error()
				mu.Unlock()
			}
			logger.Debug("lifecycle task done", zap.String("task", name), zap.Duration("took", time.Since(began)), zap.Error(err))
			return nil
		})
	}

	cfg := e.cfg
	run(TaskExpirePredictions, func(ctx context.Context) error {
		maxAge := now.Add(-time.Duration(cfg.PredictionMaxAgeHours) * time.Hour)
		n, err := e.predictions.ExpireStale(ctx, now, maxAge)
		report.ExpiredPredictions = n
		return err
	})
	run(TaskPrunePatterns, func(ctx context.Context) error {
		seenBefore := now.Add(-time.Duration(cfg.PatternPruneAgeDays) * 24 * time.Hour)
		n, err := e.cortex.PruneWeak(ctx, cfg.PatternPruneFrequency, seenBefore)
		report.PrunedPatterns = n
		return err
	})
	run(TaskDecayPatterns, func(ctx context.Context) error {
		staleBefore := now.Add(-time.Duration(cfg.PatternStaleDays) * 24 * time.Hour)
		n, err := e.cortex.DecayStale(ctx, staleBefore)
		report.DecayedPatterns = n
		return err
	})
	run(TaskPruneGenes, func(ctx context.Context) error {
		n, err := e.pruneGenes(ctx, cfg.GenePruneFloor)
		report.PrunedGenes = n
		return err
	})
	run(TaskDecayDomains, func(ctx context.Context) error {
		n, err := e.weightmap.DecayIdle(ctx, now.Add(-database.DomainIdleAfter))
		report.DecayedDomains = n
		return err
	})
	run(TaskCalibration, func(ctx context.Context) error {
		n, err := e.rebuildAllCalibration(ctx)
		report.CalibrationRows = n
		return err
	})

	_ = g.Wait()
	report.FinishedAt = e.now()

	if err := e.db.SetFlag(ctx, database.FlagLastLifecycleRun, report.FinishedAt.Format(time.RFC3339Nano)); err != nil {
		report.Errors["record_run"] = err.Error()
	}
	if report.PrunedGenes > 0 {
		e.invalidate(ctx, "all", "")
	}

	logger.Info("lifecycle pass complete",
		zap.Int64("expired", report.ExpiredPredictions),
		zap.Int64("patterns_pruned", report.PrunedPatterns),
		zap.Int64("patterns_decayed", report.DecayedPatterns),
		zap.Int64("genes_pruned", report.PrunedGenes),
		zap.Int64("domains_decayed", report.DecayedDomains),
		zap.Int64("calibration_rows", report.CalibrationRows),
		zap.Int("errors", len(report.Errors)))
	e.publish(EventLifecycleRun, report)
	return report, nil
}

// pruneGenes retires dormant genes whose strength fell below floor
func (e *Engine) pruneGenes(ctx context.Context, floor float64) (int64, error) {
	candidates, err := e.genome.PruneCandidates(ctx, floor)
	if err != nil {
		return 0, err
	}
	var pruned int64
	var firstErr error
	for _, g := range candidates {
		reason := fmt.Sprintf("pruned: dormant with strength %.2f below %.2f", g.Strength, floor)
		if _, err := e.DeleteGene(ctx, g.UserID, g.ID, reason, ActorLifecycle); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pruned++
	}
	return pruned, firstErr
}

func (e *Engine) rebuildAllCalibration(ctx context.Context) (int64, error) {
	users, err := e.predictions.UsersWithResolved(ctx)
	if err != nil {
		return 0, err
	}
	var rows int64
	for _, u := range users {
		snaps, err := e.RebuildCalibration(ctx, u)
		if err != nil {
			return rows, fmt.Errorf("user %s: %w", u, err)
		}
		rows += int64(len(snaps))
	}
	return rows, nil
}
