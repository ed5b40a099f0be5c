package cortex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sighting is one outcome observed under a pattern signature
type Sighting struct {
	UserID      string
	Domain      string
	Signature   string
	PatternType string
	TriggerType string
	Description string
}

// Repository handles database operations for consequence patterns and
// calibration snapshots
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new cortex repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

const upsertPatternSQL = `
INSERT INTO consequence_patterns (
	id, user_id, domain, pattern_type, pattern_signature, trigger_type, description,
	frequency, confidence, first_seen_at, last_seen_at, suggested_gene, status
) VALUES (
	@id, @user_id, @domain, @pattern_type, @signature, @trigger_type, @description,
	1, @init_confidence, @now, @now, '', @init_status
)
ON CONFLICT (user_id, domain, pattern_signature) DO UPDATE SET
	frequency = consequence_patterns.frequency + 1,
	confidence = ROUND(CAST((consequence_patterns.frequency + 1) * 1.0 / (consequence_patterns.frequency + 1 + @k) AS NUMERIC), 4),
	last_seen_at = @now,
	description = @description,
	status = CASE WHEN consequence_patterns.status = 'emerging' AND consequence_patterns.frequency + 1 >= @threshold
		THEN 'confirmed' ELSE consequence_patterns.status END`

// PatternConfidence is frequency / (frequency + k), rounded to 4 places
func PatternConfidence(frequency int) float64 {
	c := float64(frequency) / float64(frequency+database.PatternConfidenceK)
	return float64(int64(c*10000+0.5)) / 10000
}

// RecordSighting increments the pattern for s, creating it on first sight,
// and returns the row after the update. Status moves emerging -> confirmed
// in the same statement once frequency reaches threshold.
func (r *Repository) RecordSighting(ctx context.Context, s Sighting, threshold int, now time.Time) (*models.ConsequencePattern, error) {
	initStatus := models.PatternEmerging
	if threshold <= 1 {
		initStatus = models.PatternConfirmed
	}
	args := map[string]interface{}{
		"id":              uuid.NewString(),
		"user_id":         s.UserID,
		"domain":          s.Domain,
		"pattern_type":    s.PatternType,
		"signature":       s.Signature,
		"trigger_type":    s.TriggerType,
		"description":     s.Description,
		"init_confidence": PatternConfidence(1),
		"init_status":     initStatus,
		"now":             now,
		"k":               database.PatternConfidenceK,
		"threshold":       threshold,
	}

	db := r.db.WithContext(ctx)
	if err := db.Exec(upsertPatternSQL, args).Error; err != nil {
		return nil, fmt.Errorf("RecordSighting: %w", err)
	}

	var p models.ConsequencePattern
	err := db.Where("user_id = ? AND domain = ? AND pattern_signature = ?", s.UserID, s.Domain, s.Signature).First(&p).Error
	if err != nil {
		return nil, fmt.Errorf("RecordSighting: reload: %w", err)
	}
	return &p, nil
}

// MarkSuggested attaches the suggested gene text and moves a confirmed
// pattern to suggested. Only one caller wins for a given pattern.
func (r *Repository) MarkSuggested(ctx context.Context, id, geneText string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ConsequencePattern{}).
		Where("id = ? AND status = ?", id, models.PatternConfirmed).
		Updates(map[string]interface{}{
			"suggested_gene": geneText,
			"status":         models.PatternSuggested,
		})
	if res.Error != nil {
		return false, fmt.Errorf("MarkSuggested: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetPattern retrieves one pattern of a user
func (r *Repository) GetPattern(ctx context.Context, userID, id string) (*models.ConsequencePattern, error) {
	var p models.ConsequencePattern
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.NewNotFoundErrorWithID("pattern", id)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPattern: %w", err)
	}
	return &p, nil
}

// ListPatterns retrieves patterns with filters, most frequent first
func (r *Repository) ListPatterns(ctx context.Context, userID string, f types.PatternFilter) ([]models.ConsequencePattern, error) {
	var out []models.ConsequencePattern
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("frequency DESC").Order("last_seen_at DESC")

	if f.Domain != "" {
		query = query.Where("domain = ?", f.Domain)
	}
	if f.PatternType != "" {
		query = query.Where("pattern_type = ?", f.PatternType)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > database.MaxLimit {
		limit = database.DefaultLimit
	}

	if err := query.Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListPatterns: %w", err)
	}
	return out, nil
}

// Dismiss marks a pattern dismissed; later sightings keep counting but never
// confirm it again
func (r *Repository) Dismiss(ctx context.Context, userID, id string) error {
	res := r.db.WithContext(ctx).Model(&models.ConsequencePattern{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("status", models.PatternDismissed)
	if res.Error != nil {
		return fmt.Errorf("Dismiss: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewNotFoundErrorWithID("pattern", id)
	}
	return nil
}

// DecayStale scales confidence of live patterns unseen since staleBefore
func (r *Repository) DecayStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ConsequencePattern{}).
		Where("last_seen_at < ? AND status IN ?", staleBefore, []string{models.PatternEmerging, models.PatternConfirmed}).
		UpdateColumn("confidence", gorm.Expr("ROUND(CAST(confidence * ? AS NUMERIC), 4)", database.PatternStaleDecay))
	if res.Error != nil {
		return 0, fmt.Errorf("DecayStale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneWeak deletes emerging patterns that stayed below minFrequency and
// have not been seen since seenBefore
func (r *Repository) PruneWeak(ctx context.Context, minFrequency int, seenBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND frequency < ? AND last_seen_at < ?", models.PatternEmerging, minFrequency, seenBefore).
		Delete(&models.ConsequencePattern{})
	if res.Error != nil {
		return 0, fmt.Errorf("PruneWeak: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SaveCalibration writes one calibration pass
func (r *Repository) SaveCalibration(ctx context.Context, rows []models.CalibrationSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("SaveCalibration: %w", err)
	}
	return nil
}

// LatestCalibration returns the newest pass per domain (or for one domain)
func (r *Repository) LatestCalibration(ctx context.Context, userID, domain string) ([]models.CalibrationSnapshot, error) {
	var out []models.CalibrationSnapshot
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(`snapshot_at = (SELECT MAX(c2.snapshot_at) FROM calibration_snapshots c2
			WHERE c2.user_id = calibration_snapshots.user_id AND c2.domain = calibration_snapshots.domain)`).
		Order("domain ASC").Order("bucket_index ASC")
	if domain != "" {
		query = query.Where("domain = ?", domain)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("LatestCalibration: %w", err)
	}
	return out, nil
}
