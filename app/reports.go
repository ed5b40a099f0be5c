package app

import (
	"context"
	"math"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"
)

// Report bounds
const (
	DefaultTrendWeeks = 8
	MaxTrendWeeks     = 52
)

// Dashboard summarizes every layer of one user's engine state
func (e *Engine) Dashboard(ctx context.Context, userID string) (*types.DashboardSummary, error) {
	var (
		d   types.DashboardSummary
		err error
	)
	if d.PredictionsByStatus, err = e.analytics.CountBy(ctx, &models.Prediction{}, "status", userID); err != nil {
		return nil, err
	}
	if d.OutcomesByResult, err = e.analytics.CountBy(ctx, &models.Outcome{}, "result", userID); err != nil {
		return nil, err
	}
	if d.GenesByStatus, err = e.analytics.CountBy(ctx, &models.BehavioralGene{}, "status", userID); err != nil {
		return nil, err
	}
	if d.PatternsByStatus, err = e.analytics.CountBy(ctx, &models.ConsequencePattern{}, "status", userID); err != nil {
		return nil, err
	}
	if d.DomainCount, d.AvgAccuracy, err = e.analytics.DomainAggregate(ctx, userID); err != nil {
		return nil, err
	}
	d.AvgAccuracy = round4(d.AvgAccuracy)
	if d.AvgGeneStrength, err = e.analytics.AvgGeneStrength(ctx, userID); err != nil {
		return nil, err
	}
	d.AvgGeneStrength = round4(d.AvgGeneStrength)
	if d.AuditEntries, err = e.analytics.AuditCount(ctx, userID); err != nil {
		return nil, err
	}

	view, err := e.Config(ctx)
	if err != nil {
		return nil, err
	}
	d.KillSwitch = view.KillSwitch
	d.BootstrapActive = view.BootstrapActive

	last, err := e.db.GetTimeFlag(ctx, database.FlagLastLifecycleRun)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		d.LastLifecycleRun = &last
	}
	return &d, nil
}

// WeeklyReport compares the trailing seven days with the seven before
func (e *Engine) WeeklyReport(ctx context.Context, userID string) (*types.WeeklyReport, error) {
	now := e.now()
	week := 7 * 24 * time.Hour

	this, err := e.analytics.Window(ctx, userID, now.Add(-week), now)
	if err != nil {
		return nil, err
	}
	last, err := e.analytics.Window(ctx, userID, now.Add(-2*week), now.Add(-week))
	if err != nil {
		return nil, err
	}
	this.Accuracy, last.Accuracy = round4(this.Accuracy), round4(last.Accuracy)
	this.AvgCalibrationGap, last.AvgCalibrationGap = round4(this.AvgCalibrationGap), round4(last.AvgCalibrationGap)

	r := &types.WeeklyReport{
		ThisWeek:          this,
		LastWeek:          last,
		AccuracyChange:    round4(this.Accuracy - last.Accuracy),
		CalibrationChange: round4(last.AvgCalibrationGap - this.AvgCalibrationGap),
	}
	if r.ImprovingDomains, err = e.analytics.DomainsByTrend(ctx, userID, models.TrendImproving); err != nil {
		return nil, err
	}
	if r.DecliningDomains, err = e.analytics.DomainsByTrend(ctx, userID, models.TrendDeclining); err != nil {
		return nil, err
	}
	return r, nil
}

// AccuracyTrend returns weekly accuracy for the trailing weeks, oldest first.
// weeks <= 0 uses DefaultTrendWeeks.
func (e *Engine) AccuracyTrend(ctx context.Context, userID string, weeks int) ([]types.TrendPoint, error) {
	if weeks <= 0 {
		weeks = DefaultTrendWeeks
	}
	if weeks > MaxTrendWeeks {
		return nil, database.NewValidationErrorWithValue("weeks", "too many weeks", weeks)
	}
	points, err := e.analytics.AccuracyTrend(ctx, userID, weeks, e.now())
	if err != nil {
		return nil, err
	}
	for i := range points {
		points[i].Accuracy = round4(points[i].Accuracy)
	}
	return points, nil
}

// GeneProjection is how one gene would look after its next piece of evidence
type GeneProjection struct {
	Gene                GeneView `json:"gene"`
	Renders             bool     `json:"renders"`
	StrengthIfConfirmed float64  `json:"strength_if_confirmed"`
	StrengthIfContra    float64  `json:"strength_if_contradicted"`
	DormantIfContra     bool     `json:"dormant_if_contradicted"`
	RendersIfContra     bool     `json:"renders_if_contradicted"`
}

// GeneComparison sets two genes side by side
type GeneComparison struct {
	A                GeneProjection `json:"a"`
	B                GeneProjection `json:"b"`
	SameDomain       bool           `json:"same_domain"`
	Conflicting      bool           `json:"conflicting"` // caution and reinforcement over one domain
	StrengthGap      float64        `json:"strength_gap"`
	EffectivenessGap float64        `json:"effectiveness_gap"`
	Stronger         string         `json:"stronger"`
}

// CompareGenes projects two genes through a confirm and a contradict
func (e *Engine) CompareGenes(ctx context.Context, userID, idA, idB string) (*GeneComparison, error) {
	if idA == "" || idB == "" {
		return nil, database.NewValidationError("a,b", "two gene ids required")
	}
	a, err := e.genome.GetGene(ctx, userID, idA)
	if err != nil {
		return nil, err
	}
	b, err := e.genome.GetGene(ctx, userID, idB)
	if err != nil {
		return nil, err
	}

	c := &GeneComparison{
		A:                e.project(*a),
		B:                e.project(*b),
		SameDomain:       a.Domain == b.Domain,
		StrengthGap:      round4(a.Strength - b.Strength),
		EffectivenessGap: round4(a.Effectiveness() - b.Effectiveness()),
	}
	c.Conflicting = c.SameDomain && opposing(a.GeneType, b.GeneType)
	switch {
	case a.Strength > b.Strength:
		c.Stronger = a.ID
	case b.Strength > a.Strength:
		c.Stronger = b.ID
	}
	return c, nil
}

func (e *Engine) project(g models.BehavioralGene) GeneProjection {
	floor := e.cfg.GeneStrengthFloor
	p := GeneProjection{
		Gene:                viewOf(g),
		Renders:             g.Status == models.GeneActive && g.Strength >= floor,
		StrengthIfConfirmed: round4(math.Min(1, g.Strength+database.GeneConfirmStep)),
		StrengthIfContra:    round4(math.Max(0, g.Strength-database.GeneContradictStep)),
	}
	p.DormantIfContra = g.Status == models.GeneActive && p.StrengthIfContra < database.GeneDormantBelow
	p.RendersIfContra = g.Status == models.GeneActive && !p.DormantIfContra && p.StrengthIfContra >= floor
	return p
}

func opposing(a, b string) bool {
	return (a == models.GeneTypeCaution && b == models.GeneTypeReinforcement) ||
		(a == models.GeneTypeReinforcement && b == models.GeneTypeCaution)
}
