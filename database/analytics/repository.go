package analytics

import (
	"context"
	"fmt"
	"time"

	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"gorm.io/gorm"
)

// Repository handles read-only aggregate queries for dashboards and reports
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new analytics repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ============================================================================
// Dashboard
// ============================================================================

// CountBy groups a user's rows of model by column
func (r *Repository) CountBy(ctx context.Context, model interface{}, column, userID string) (map[string]int64, error) {
	var rows []types.StatusCount
	err := r.db.WithContext(ctx).Model(model).
		Select(column+" AS bucket_key, COUNT(*) AS total").
		Where("user_id = ?", userID).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("CountBy(%s): %w", column, err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Count
	}
	return out, nil
}

// DomainAggregate returns the number of domains and their mean accuracy
func (r *Repository) DomainAggregate(ctx context.Context, userID string) (int64, float64, error) {
	var row struct {
		DomainCount int64
		AvgAccuracy float64
	}
	err := r.db.WithContext(ctx).Model(&models.DomainState{}).
		Select("COUNT(*) AS domain_count, COALESCE(AVG(prediction_accuracy), 0) AS avg_accuracy").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("DomainAggregate: %w", err)
	}
	return row.DomainCount, row.AvgAccuracy, nil
}

// AvgGeneStrength is the mean strength of non-retired genes
func (r *Repository) AvgGeneStrength(ctx context.Context, userID string) (float64, error) {
	var avg float64
	err := r.db.WithContext(ctx).Model(&models.BehavioralGene{}).
		Select("COALESCE(AVG(strength), 0)").
		Where("user_id = ? AND status <> ?", userID, models.GeneRetired).
		Scan(&avg).Error
	if err != nil {
		return 0, fmt.Errorf("AvgGeneStrength: %w", err)
	}
	return avg, nil
}

// AuditCount counts a user's audit entries
func (r *Repository) AuditCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.GeneAuditEntry{}).Where("user_id = ?", userID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("AuditCount: %w", err)
	}
	return n, nil
}

// ============================================================================
// Reporting windows
// ============================================================================

func (r *Repository) count(ctx context.Context, model interface{}, where string, args ...interface{}) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(model).Where(where, args...).Count(&n).Error
	return n, err
}

// Window computes activity statistics for [from, to)
func (r *Repository) Window(ctx context.Context, userID string, from, to time.Time) (types.WindowStats, error) {
	ws := types.WindowStats{From: from, To: to}
	var err error

	if ws.PredictionsMade, err = r.count(ctx, &models.Prediction{},
		"user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to); err != nil {
		return ws, fmt.Errorf("Window: predictions: %w", err)
	}

	resolved := "user_id = ? AND status = ? AND resolved_at >= ? AND resolved_at < ?"
	if ws.Correct, err = r.count(ctx, &models.Prediction{}, resolved, userID, models.PredictionVerifiedRight, from, to); err != nil {
		return ws, fmt.Errorf("Window: correct: %w", err)
	}
	if ws.Wrong, err = r.count(ctx, &models.Prediction{}, resolved, userID, models.PredictionVerifiedWrong, from, to); err != nil {
		return ws, fmt.Errorf("Window: wrong: %w", err)
	}
	if ws.Partial, err = r.count(ctx, &models.Prediction{}, resolved, userID, models.PredictionPartiallyRight, from, to); err != nil {
		return ws, fmt.Errorf("Window: partial: %w", err)
	}
	ws.PredictionsResolved = ws.Correct + ws.Wrong + ws.Partial
	if ws.PredictionsResolved > 0 {
		ws.Accuracy = float64(ws.Correct) / float64(ws.PredictionsResolved)
	}

	if ws.GenesCreated, err = r.count(ctx, &models.BehavioralGene{},
		"user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to); err != nil {
		return ws, fmt.Errorf("Window: genes: %w", err)
	}

	audit := "user_id = ? AND action = ? AND created_at >= ? AND created_at < ?"
	if ws.GeneConfirmations, err = r.count(ctx, &models.GeneAuditEntry{}, audit, userID, models.AuditConfirm, from, to); err != nil {
		return ws, fmt.Errorf("Window: confirmations: %w", err)
	}
	if ws.GeneContradictions, err = r.count(ctx, &models.GeneAuditEntry{}, audit, userID, models.AuditContradict, from, to); err != nil {
		return ws, fmt.Errorf("Window: contradictions: %w", err)
	}
	if ws.GenesProposed, err = r.count(ctx, &models.GeneAuditEntry{}, audit+" AND actor = ?",
		userID, models.AuditCreate, from, to, "cortex"); err != nil {
		return ws, fmt.Errorf("Window: proposals: %w", err)
	}

	err = r.db.WithContext(ctx).Model(&models.CalibrationSnapshot{}).
		Select("COALESCE(AVG(ABS(overconfidence_delta)), 0)").
		Where("user_id = ? AND total_predictions > 0 AND snapshot_at >= ? AND snapshot_at < ?", userID, from, to).
		Scan(&ws.AvgCalibrationGap).Error
	if err != nil {
		return ws, fmt.Errorf("Window: calibration: %w", err)
	}
	return ws, nil
}

// DomainsByTrend lists a user's domains currently carrying trend
func (r *Repository) DomainsByTrend(ctx context.Context, userID, trend string) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&models.DomainState{}).
		Where("user_id = ? AND trend = ?", userID, trend).
		Order("domain ASC").
		Pluck("domain", &out).Error
	if err != nil {
		return nil, fmt.Errorf("DomainsByTrend: %w", err)
	}
	return out, nil
}

// AccuracyTrend returns one point per week for the last weeks weeks, oldest first
func (r *Repository) AccuracyTrend(ctx context.Context, userID string, weeks int, now time.Time) ([]types.TrendPoint, error) {
	points := make([]types.TrendPoint, 0, weeks)
	end := now
	for i := weeks - 1; i >= 0; i-- {
		from := end.Add(-time.Duration(i+1) * 7 * 24 * time.Hour)
		to := end.Add(-time.Duration(i) * 7 * 24 * time.Hour)

		var row struct {
			Resolved int64
			Correct  int64
		}
		err := r.db.WithContext(ctx).Model(&models.Prediction{}).
			Select("COUNT(*) AS resolved, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS correct", models.PredictionVerifiedRight).
			Where("user_id = ? AND status IN ? AND resolved_at >= ? AND resolved_at < ?", userID, []string{
				models.PredictionVerifiedRight, models.PredictionVerifiedWrong, models.PredictionPartiallyRight,
			}, from, to).
			Scan(&row).Error
		if err != nil {
			return nil, fmt.Errorf("AccuracyTrend: %w", err)
		}

		p := types.TrendPoint{WeekStart: from, Resolved: row.Resolved, Correct: row.Correct}
		if row.Resolved > 0 {
			p.Accuracy = float64(row.Correct) / float64(row.Resolved)
		}
		points = append(points, p)
	}
	return points, nil
}
