package predictions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository handles database operations for predictions and outcomes
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new predictions repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// InsertIfAbsent stores p unless the same (user, message, text) already
// exists. It reports whether a row was written.
func (r *Repository) InsertIfAbsent(ctx context.Context, p *models.Prediction) (bool, error) {
	if p.TextHash == "" {
		p.TextHash = database.HashText(p.Text)
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_ref"}, {Name: "text_hash"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return false, fmt.Errorf("InsertIfAbsent: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetPrediction retrieves one prediction of a user
func (r *Repository) GetPrediction(ctx context.Context, userID, id string) (*models.Prediction, error) {
	var p models.Prediction
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.NewNotFoundErrorWithID("prediction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPrediction: %w", err)
	}
	return &p, nil
}

// FindDuplicate returns the stored prediction with the same (user, message, text), or nil
func (r *Repository) FindDuplicate(ctx context.Context, userID, messageRef, text string) (*models.Prediction, error) {
	var p models.Prediction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND message_ref = ? AND text_hash = ?", userID, messageRef, database.HashText(text)).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindDuplicate: %w", err)
	}
	return &p, nil
}

// ListPredictions retrieves predictions with filters, newest first
func (r *Repository) ListPredictions(ctx context.Context, userID string, f types.PredictionFilter) ([]models.Prediction, error) {
	var out []models.Prediction
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")

	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Domain != "" {
		query = query.Where("domain = ?", f.Domain)
	}
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	if f.ConversationRef != "" {
		query = query.Where("conversation_ref = ?", f.ConversationRef)
	}
	if f.MessageRef != "" {
		query = query.Where("message_ref = ?", f.MessageRef)
	}
	query = query.Limit(clampLimit(f.Limit))

	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListPredictions: %w", err)
	}
	return out, nil
}

// LatestPending returns the newest pending prediction in a conversation, or nil
func (r *Repository) LatestPending(ctx context.Context, userID, conversationRef string) (*models.Prediction, error) {
	var p models.Prediction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_ref = ? AND status = ?", userID, conversationRef, models.PredictionPending).
		Order("created_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestPending: %w", err)
	}
	return &p, nil
}

// MarkResolved moves a pending prediction to status. The status guard makes
// resolution happen at most once: a second call gets a ConflictError.
func (r *Repository) MarkResolved(ctx context.Context, userID, id, status string, outcomeID *string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, models.PredictionPending).
		Updates(map[string]interface{}{
			"status":                status,
			"outcome_ref":           outcomeID,
			"resolved_at":           now,
			"verification_attempts": gorm.Expr("verification_attempts + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("MarkResolved: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND user_id = ?", id, userID).Count(&count).Error; err != nil {
		return fmt.Errorf("MarkResolved: %w", err)
	}
	if count == 0 {
		return database.NewNotFoundErrorWithID("prediction", id)
	}
	return database.NewConflictError("prediction", id, "already resolved")
}

// ExpireStale marks pending predictions expired once past expiresAt or older
// than createdBefore. Returns the number expired.
func (r *Repository) ExpireStale(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("status = ?", models.PredictionPending).
		Where("((expires_at IS NOT NULL AND expires_at < ?) OR created_at < ?)", now, createdBefore).
		Updates(map[string]interface{}{
			"status":      models.PredictionExpired,
			"resolved_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("ExpireStale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CalibrationSamples returns confidence and verdict of every resolved,
// verdict-bearing prediction of a user
func (r *Repository) CalibrationSamples(ctx context.Context, userID string) ([]types.CalibrationSample, error) {
	var out []types.CalibrationSample
	err := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Select("domain, confidence, status").
		Where("user_id = ? AND status IN ?", userID, []string{
			models.PredictionVerifiedRight, models.PredictionVerifiedWrong, models.PredictionPartiallyRight,
		}).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("CalibrationSamples: %w", err)
	}
	return out, nil
}

// UsersWithResolved lists users holding at least one resolved prediction
func (r *Repository) UsersWithResolved(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Distinct("user_id").
		Where("status IN ?", []string{
			models.PredictionVerifiedRight, models.PredictionVerifiedWrong, models.PredictionPartiallyRight,
		}).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("UsersWithResolved: %w", err)
	}
	return users, nil
}

// InsertOutcome persists an outcome
func (r *Repository) InsertOutcome(ctx context.Context, o *models.Outcome) error {
	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("InsertOutcome: %w", err)
	}
	return nil
}

// ListOutcomes retrieves outcomes with filters, newest first
func (r *Repository) ListOutcomes(ctx context.Context, userID string, f types.OutcomeFilter) ([]models.Outcome, error) {
	var out []models.Outcome
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")

	if f.Domain != "" {
		query = query.Where("domain = ?", f.Domain)
	}
	if f.TriggerType != "" {
		query = query.Where("trigger_type = ?", f.TriggerType)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.Result != "" {
		query = query.Where("result = ?", f.Result)
	}
	if f.Since != nil {
		query = query.Where("created_at >= ?", *f.Since)
	}
	query = query.Limit(clampLimit(f.Limit))

	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListOutcomes: %w", err)
	}
	return out, nil
}

// OutcomeIDsBySignature lists outcome ids contributing to a pattern, oldest first
func (r *Repository) OutcomeIDsBySignature(ctx context.Context, userID, domain, signature string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Outcome{}).
		Where("user_id = ? AND domain = ? AND pattern_signature = ?", userID, domain, signature).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("OutcomeIDsBySignature: %w", err)
	}
	return ids, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return database.DefaultLimit
	}
	if limit > database.MaxLimit {
		return database.MaxLimit
	}
	return limit
}
