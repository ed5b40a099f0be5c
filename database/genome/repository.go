package genome

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

// Repository handles database operations for behavioral genes and their
// audit log
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new genome repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// Strength updates are computed by the store so concurrent confirmations and
// contradictions never overwrite each other.
const (
	confirmSQL = `
UPDATE behavioral_genes SET
	confirmations = confirmations + 1,
	applications = applications + 1,
	strength = CASE WHEN strength + 0.1 >= 1 THEN 1.0 ELSE ROUND(CAST(strength + 0.1 AS NUMERIC), 4) END,
	last_applied_at = @now,
	updated_at = @now
WHERE id = @id AND user_id = @user_id AND status <> 'retired'`

	contradictSQL = `
UPDATE behavioral_genes SET
	contradictions = contradictions + 1,
	strength = CASE WHEN strength - 0.15 <= 0 THEN 0.0 ELSE ROUND(CAST(strength - 0.15 AS NUMERIC), 4) END,
	status = CASE WHEN ROUND(CAST(strength - 0.15 AS NUMERIC), 4) < 0.2 THEN 'dormant' ELSE status END,
	updated_at = @now
WHERE id = @id AND user_id = @user_id AND status <> 'retired'`

	applySQL = `
UPDATE behavioral_genes SET
	applications = applications + 1,
	last_applied_at = @now,
	last_rendered_at = @now
WHERE id = @id AND user_id = @user_id AND status <> 'retired'`
)

// Insert persists a new gene
func (r *Repository) Insert(ctx context.Context, g *models.BehavioralGene) error {
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

// InsertAudit appends an audit entry
func (r *Repository) InsertAudit(ctx context.Context, e *models.GeneAuditEntry) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("InsertAudit: %w", err)
	}
	return nil
}

// GetGene retrieves one gene of a user
func (r *Repository) GetGene(ctx context.Context, userID, id string) (*models.BehavioralGene, error) {
	return r.get(r.db.WithContext(ctx), userID, id)
}

// LockGene reads a gene with a row lock for the rest of the transaction
func (r *Repository) LockGene(ctx context.Context, userID, id string) (*models.BehavioralGene, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, id)
}

func (r *Repository) get(db *gorm.DB, userID, id string) (*models.BehavioralGene, error) {
	var g models.BehavioralGene
	err := db.Where("id = ? AND user_id = ?", id, userID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.NewNotFoundErrorWithID("gene", id)
	}
	if err != nil {
		return nil, fmt.Errorf("GetGene: %w", err)
	}
	return &g, nil
}

// ListGenes retrieves genes with filters, strongest first
func (r *Repository) ListGenes(ctx context.Context, userID string, f types.GeneFilter) ([]models.BehavioralGene, error) {
	var out []models.BehavioralGene
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("strength DESC").Order("created_at ASC")

	if f.Domain != "" {
		query = query.Where("domain = ?", f.Domain)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.GeneType != "" {
		query = query.Where("gene_type = ?", f.GeneType)
	}
	if f.MinStrength > 0 {
		query = query.Where("strength >= ?", f.MinStrength)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListGenes: %w", err)
	}
	return out, nil
}

// ListAudit returns a gene's audit trail, newest first. Empty geneID lists
// the whole user log.
func (r *Repository) ListAudit(ctx context.Context, userID, geneID string, limit int) ([]models.GeneAuditEntry, error) {
	var out []models.GeneAuditEntry
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("id ASC")
	if geneID != "" {
		query = query.Where("gene_ref = ?", geneID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}
	return out, nil
}

func (r *Repository) execOnGene(ctx context.Context, op, sql, userID, id string, now time.Time) error {
	res := r.db.WithContext(ctx).Exec(sql, map[string]interface{}{"id": id, "user_id": userID, "now": now})
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewNotFoundErrorWithID("gene", id)
	}
	return nil
}

// Confirm adds one confirmation: strength +0.1 capped at 1, applications +1
func (r *Repository) Confirm(ctx context.Context, userID, id string, now time.Time) error {
	return r.execOnGene(ctx, "Confirm", confirmSQL, userID, id, now)
}

// Contradict adds one contradiction: strength -0.15 floored at 0, dormant below 0.2
func (r *Repository) Contradict(ctx context.Context, userID, id string, now time.Time) error {
	return r.execOnGene(ctx, "Contradict", contradictSQL, userID, id, now)
}

// Apply records that the gene influenced a response
func (r *Repository) Apply(ctx context.Context, userID, id string, now time.Time) error {
	return r.execOnGene(ctx, "Apply", applySQL, userID, id, now)
}

// Approve activates a gene awaiting review (or a dormant one)
func (r *Repository) Approve(ctx context.Context, userID, id, notes string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.BehavioralGene{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID, []string{models.GenePendingReview, models.GeneDormant}).
		Updates(map[string]interface{}{
			"status":          models.GeneActive,
			"requires_review": false,
			"review_notes":    notes,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("Approve: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewConflictError("gene", id, "only pending_review or dormant genes can be approved")
	}
	return nil
}

// Mutate replaces the gene's text fields with next, appending the previous
// version to its mutation history. The caller holds the row lock on current.
func (r *Repository) Mutate(ctx context.Context, current *models.BehavioralGene, next models.GeneMutation, now time.Time) error {
	history := append(current.MutationHistory, models.GeneMutation{
		GeneText:         current.GeneText,
		TriggerCondition: current.TriggerCondition,
		ActionDirective:  current.ActionDirective,
		Strength:         current.Strength,
		Reason:           next.Reason,
		MutatedAt:        now,
	})
	res := r.db.WithContext(ctx).Model(&models.BehavioralGene{}).
		Where("id = ? AND user_id = ? AND status <> ?", current.ID, current.UserID, models.GeneRetired).
		Updates(map[string]interface{}{
			"gene_text":         next.GeneText,
			"trigger_condition": next.TriggerCondition,
			"action_directive":  next.ActionDirective,
			"mutation_history":  history,
			"updated_at":        now,
		})
	if res.Error != nil {
		return fmt.Errorf("Mutate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewNotFoundErrorWithID("gene", current.ID)
	}
	return nil
}

// Retire soft-deletes a gene
func (r *Repository) Retire(ctx context.Context, userID, id string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.BehavioralGene{}).
		Where("id = ? AND user_id = ? AND status <> ?", id, userID, models.GeneRetired).
		Updates(map[string]interface{}{
			"status":     models.GeneRetired,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("Retire: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewNotFoundErrorWithID("gene", id)
	}
	return nil
}

// EvidenceCandidates lists active genes of domain (or general) rendered into
// an addendum since appliedSince. Confirmations do not extend the window.
func (r *Repository) EvidenceCandidates(ctx context.Context, userID, domain string, appliedSince time.Time) ([]models.BehavioralGene, error) {
	var out []models.BehavioralGene
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND domain IN ?", userID, models.GeneActive, []string{domain, "general"}).
		Where("last_rendered_at IS NOT NULL AND last_rendered_at >= ?", appliedSince).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("EvidenceCandidates: %w", err)
	}
	return out, nil
}

// PruneCandidates lists dormant genes whose strength fell below floor
func (r *Repository) PruneCandidates(ctx context.Context, floor float64) ([]models.BehavioralGene, error) {
	var out []models.BehavioralGene
	err := r.db.WithContext(ctx).
		Where("status = ? AND strength < ?", models.GeneDormant, floor).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("PruneCandidates: %w", err)
	}
	return out, nil
}
