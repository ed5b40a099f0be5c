package weightmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"

	"gorm.io/gorm"
)

// Verdict is one outcome folded into a domain
type Verdict struct {
	Result            string
	Confidence        *float64 // stated confidence of the resolved prediction, if any
	PainDelta         float64
	SatisfactionDelta float64
	Summary           string
}

// Repository handles database operations for domain weightmaps
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new weightmap repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

func clampExpr(expr string) string {
	return "CASE WHEN (" + expr + ") > 1 THEN 1.0 WHEN (" + expr + ") < 0 THEN 0.0 ELSE (" + expr + ") END"
}

var (
	newAccuracyExpr = "((domain_states.correct_predictions + @is_correct) * 1.0 / (domain_states.total_predictions + 1))"
	accDeltaExpr    = "(" + newAccuracyExpr + " - domain_states.prediction_accuracy)"
	avgDeltaExpr    = "(domain_states.avg_accuracy_delta * 0.7 + " + accDeltaExpr + " * 0.3)"
	newStreakExpr   = "(CASE WHEN @streak = 'none' THEN 0 WHEN domain_states.streak_type = @streak THEN domain_states.streak_count + 1 ELSE 1 END)"

	// One statement per verdict: counters, clamped scores, calibration,
	// streaks, volatility and trend are all derived from the row being
	// replaced, so concurrent verdicts serialize on the row lock.
	upsertDomainStateSQL = `
INSERT INTO domain_states (
	user_id, domain, pain_score, satisfaction_score, prediction_accuracy, calibration_offset,
	total_predictions, correct_predictions, wrong_predictions, partial_predictions,
	confidence_sum, confidence_samples, streak_type, streak_count, best_streak, worst_streak,
	decay_rate, volatility, trend, last_accuracy_delta, avg_accuracy_delta, updated_at
) VALUES (
	@user_id, @domain, @init_pain, @init_satisfaction, @init_accuracy, @init_offset,
	1, @is_correct, @is_wrong, @is_partial,
	@confidence, @samples, @streak, @init_streak, @init_best, @init_worst,
	@decay_rate, 0, 'stable', 0, 0, @now
)
ON CONFLICT (user_id, domain) DO UPDATE SET
	total_predictions = domain_states.total_predictions + 1,
	correct_predictions = domain_states.correct_predictions + @is_correct,
	wrong_predictions = domain_states.wrong_predictions + @is_wrong,
	partial_predictions = domain_states.partial_predictions + @is_partial,
	prediction_accuracy = ` + newAccuracyExpr + `,
	pain_score = ` + clampExpr("domain_states.pain_score + @pain_delta") + `,
	satisfaction_score = ` + clampExpr("domain_states.satisfaction_score + @satisfaction_delta") + `,
	confidence_sum = domain_states.confidence_sum + @confidence,
	confidence_samples = domain_states.confidence_samples + @samples,
	calibration_offset = CASE WHEN domain_states.confidence_samples + @samples > 0
		THEN (domain_states.confidence_sum + @confidence) * 1.0 / (domain_states.confidence_samples + @samples) - ` + newAccuracyExpr + `
		ELSE 0 END,
	streak_type = @streak,
	streak_count = ` + newStreakExpr + `,
	best_streak = CASE WHEN @streak = 'correct' AND ` + newStreakExpr + ` > domain_states.best_streak
		THEN ` + newStreakExpr + ` ELSE domain_states.best_streak END,
	worst_streak = CASE WHEN @streak = 'wrong' AND ` + newStreakExpr + ` > domain_states.worst_streak
		THEN ` + newStreakExpr + ` ELSE domain_states.worst_streak END,
	volatility = domain_states.volatility * 0.8 + CASE WHEN ` + accDeltaExpr + ` * domain_states.last_accuracy_delta < 0 THEN 0.2 ELSE 0 END,
	last_accuracy_delta = ` + accDeltaExpr + `,
	avg_accuracy_delta = ` + avgDeltaExpr + `,
	trend = CASE WHEN ` + avgDeltaExpr + ` > 0.01 THEN 'improving'
		WHEN ` + avgDeltaExpr + ` < -0.01 THEN 'declining'
		ELSE 'stable' END,
	updated_at = @now`
)

// StreakFor maps a verdict to the streak it extends; partial breaks streaks
func StreakFor(result string) string {
	switch result {
	case models.ResultCorrect:
		return models.StreakCorrect
	case models.ResultWrong:
		return models.StreakWrong
	default:
		return models.StreakNone
	}
}

// ApplyVerdict folds v into the (user, domain) row, creating it on first
// sight, and appends a history entry with the resulting state.
func (r *Repository) ApplyVerdict(ctx context.Context, userID, domain string, v Verdict, now time.Time) (*models.DomainState, error) {
	var isCorrect, isWrong, isPartial int
	switch v.Result {
	case models.ResultCorrect:
		isCorrect = 1
	case models.ResultWrong:
		isWrong = 1
	case models.ResultPartial:
		isPartial = 1
	default:
		return nil, database.NewValidationErrorWithValue("result", "must be correct, wrong or partial", v.Result)
	}

	confidence, samples := 0.0, 0
	if v.Confidence != nil {
		confidence, samples = database.Clamp01(*v.Confidence), 1
	}
	initOffset := 0.0
	if samples > 0 {
		initOffset = confidence - float64(isCorrect)
	}

	streak := StreakFor(v.Result)
	initStreak, initBest, initWorst := 0, 0, 0
	if streak != models.StreakNone {
		initStreak = 1
	}
	if streak == models.StreakCorrect {
		initBest = 1
	}
	if streak == models.StreakWrong {
		initWorst = 1
	}

	args := map[string]interface{}{
		"user_id":            userID,
		"domain":             domain,
		"init_pain":          database.Clamp01(v.PainDelta),
		"init_satisfaction":  database.Clamp01(v.SatisfactionDelta),
		"init_accuracy":      float64(isCorrect),
		"init_offset":        initOffset,
		"is_correct":         isCorrect,
		"is_wrong":           isWrong,
		"is_partial":         isPartial,
		"confidence":         confidence,
		"samples":            samples,
		"streak":             streak,
		"init_streak":        initStreak,
		"init_best":          initBest,
		"init_worst":         initWorst,
		"decay_rate":         database.DefaultDecayRate,
		"pain_delta":         v.PainDelta,
		"satisfaction_delta": v.SatisfactionDelta,
		"now":                now,
	}

	db := r.db.WithContext(ctx)
	if err := db.Exec(upsertDomainStateSQL, args).Error; err != nil {
		return nil, fmt.Errorf("ApplyVerdict: %w", err)
	}

	var state models.DomainState
	if err := db.Where("user_id = ? AND domain = ?", userID, domain).First(&state).Error; err != nil {
		return nil, fmt.Errorf("ApplyVerdict: reload: %w", err)
	}

	entry := historyFrom(&state, "outcome_"+v.Result, v.Summary, now)
	if err := db.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("ApplyVerdict: history: %w", err)
	}
	return &state, nil
}

func historyFrom(s *models.DomainState, event, summary string, now time.Time) *models.DomainHistoryEntry {
	return &models.DomainHistoryEntry{
		UserID:             s.UserID,
		Domain:             s.Domain,
		EventType:          event,
		Summary:            summary,
		PredictionAccuracy: s.PredictionAccuracy,
		CalibrationOffset:  s.CalibrationOffset,
		PainScore:          s.PainScore,
		SatisfactionScore:  s.SatisfactionScore,
		TotalPredictions:   s.TotalPredictions,
		StreakType:         s.StreakType,
		StreakCount:        s.StreakCount,
		Volatility:         s.Volatility,
		Trend:              s.Trend,
		CreatedAt:          now,
	}
}

// GetState retrieves one domain row
func (r *Repository) GetState(ctx context.Context, userID, domain string) (*models.DomainState, error) {
	var s models.DomainState
	err := r.db.WithContext(ctx).Where("user_id = ? AND domain = ?", userID, domain).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.NewNotFoundErrorWithID("domain", domain)
	}
	if err != nil {
		return nil, fmt.Errorf("GetState: %w", err)
	}
	return &s, nil
}

// ListStates lists a user's domains. sortBy is "pain", "accuracy" or "" (by name).
func (r *Repository) ListStates(ctx context.Context, userID, sortBy string) ([]models.DomainState, error) {
	var out []models.DomainState
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)

	switch sortBy {
	case "pain":
		query = query.Order("pain_score DESC").Order("domain ASC")
	case "accuracy":
		query = query.Order("prediction_accuracy DESC").Order("domain ASC")
	case "":
		query = query.Order("domain ASC")
	default:
		return nil, database.NewValidationErrorWithValue("sort", "must be pain or accuracy", sortBy)
	}

	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListStates: %w", err)
	}
	return out, nil
}

// History lists a domain's history entries since a time, newest first
func (r *Repository) History(ctx context.Context, userID, domain string, since time.Time, limit int) ([]models.DomainHistoryEntry, error) {
	var out []models.DomainHistoryEntry
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND domain = ?", userID, domain).
		Order("created_at DESC").Order("id DESC")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if limit <= 0 || limit > database.MaxLimit {
		limit = database.MaxLimit
	}
	if err := query.Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return out, nil
}

// DecayIdle pulls pain and satisfaction of domains idle since idleBefore
// toward zero by each row's decay rate. updated_at is left alone so idle
// domains keep decaying on every pass. Returns rows touched.
func (r *Repository) DecayIdle(ctx context.Context, idleBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.DomainState{}).
		Where("updated_at < ? AND (pain_score > 0 OR satisfaction_score > 0)", idleBefore).
		UpdateColumns(map[string]interface{}{
			"pain_score":         gorm.Expr("pain_score * (1 - decay_rate)"),
			"satisfaction_score": gorm.Expr("satisfaction_score * (1 - decay_rate)"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("DecayIdle: %w", res.Error)
	}
	return res.RowsAffected, nil
}
