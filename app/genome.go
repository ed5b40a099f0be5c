package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alin-engine/database"
	"alin-engine/database/genome"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actors
const (
	ActorAdmin     = "admin"
	ActorCortex    = "cortex"
	ActorEvidence  = "evidence"
	ActorAddendum  = "addendum"
	ActorLifecycle = "lifecycle"
)

// GeneInput creates a gene by hand
type GeneInput struct {
	GeneText         string   `json:"gene_text"`
	GeneType         string   `json:"gene_type"`
	Domain           string   `json:"domain"`
	TriggerCondition string   `json:"trigger_condition"`
	ActionDirective  string   `json:"action_directive"`
	Strength         *float64 `json:"strength,omitempty"`
	Status           string   `json:"status"`
	RequiresReview   bool     `json:"requires_review"`
	ReviewNotes      string   `json:"review_notes"`
	RegressionRisk   string   `json:"regression_risk"`
	ParentGeneRef    *string  `json:"parent_gene_ref,omitempty"`
	SourcePattern    string   `json:"source_pattern"`
	Reason           string   `json:"reason"`
	Actor            string   `json:"actor"`
}

// GeneView is a gene with its derived effectiveness
type GeneView struct {
	models.BehavioralGene
	Effectiveness float64 `json:"effectiveness"`
}

// GeneDetail is one gene and its audit trail
type GeneDetail struct {
	Gene     GeneView                `json:"gene"`
	AuditLog []models.GeneAuditEntry `json:"audit_log"`
}

func viewOf(g models.BehavioralGene) GeneView {
	return GeneView{BehavioralGene: g, Effectiveness: round4(g.Effectiveness())}
}

func auditEntry(g *models.BehavioralGene, action string, before, after *models.BehavioralGene, reason, actor string, now time.Time) (*models.GeneAuditEntry, error) {
	entry := &models.GeneAuditEntry{
		ID:        uuid.NewString(),
		UserID:    g.UserID,
		GeneRef:   g.ID,
		Action:    action,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return nil, fmt.Errorf("audit previous state: %w", err)
		}
		entry.PreviousState = datatypes.JSON(b)
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return nil, fmt.Errorf("audit new state: %w", err)
		}
		entry.NewState = datatypes.JSON(b)
	}
	return entry, nil
}

// CreateGene validates and stores a new gene with its create audit entry
func (e *Engine) CreateGene(ctx context.Context, userID string, in GeneInput) (*GeneView, error) {
	text := strings.TrimSpace(in.GeneText)
	strength := database.GeneDefaultStrength
	if in.Strength != nil {
		strength = *in.Strength
	}
	status := in.Status
	if status == "" {
		status = models.GeneActive
		if in.RequiresReview {
			status = models.GenePendingReview
		}
	}
	domain := strings.ToLower(strings.TrimSpace(in.Domain))
	if domain == "" {
		domain = "general"
	}

	switch {
	case text == "":
		return nil, database.NewValidationError("gene_text", "required")
	case !models.ValidGeneType(in.GeneType):
		return nil, database.NewValidationErrorWithValue("gene_type", "must be caution, reinforcement, correction or preference", in.GeneType)
	case !models.ValidGeneStatus(status) || status == models.GeneRetired:
		return nil, database.NewValidationErrorWithValue("status", "must be active, pending_review or dormant", status)
	case strength < 0 || strength > 1:
		return nil, database.NewValidationErrorWithValue("strength", "must be within [0,1]", strength)
	}

	now := e.now()
	g := &models.BehavioralGene{
		ID:               uuid.NewString(),
		UserID:           userID,
		GeneText:         text,
		GeneType:         in.GeneType,
		Domain:           domain,
		SourcePattern:    in.SourcePattern,
		TriggerCondition: in.TriggerCondition,
		ActionDirective:  in.ActionDirective,
		Strength:         round4(strength),
		Status:           status,
		RequiresReview:   in.RequiresReview || status == models.GenePendingReview,
		ReviewNotes:      in.ReviewNotes,
		RegressionRisk:   in.RegressionRisk,
		ParentGeneRef:    in.ParentGeneRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		genes := e.genome.WithTx(tx)
		if g.ParentGeneRef != nil {
			if _, err := genes.GetGene(ctx, userID, *g.ParentGeneRef); err != nil {
				return err
			}
		}
		if err := genes.Insert(ctx, g); err != nil {
			return err
		}
		entry, err := auditEntry(g, models.AuditCreate, nil, g, reasonOr(in.Reason, "created"), actorOr(in.Actor), now)
		if err != nil {
			return err
		}
		return genes.InsertAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, "addendum", userID)
	e.publish(EventGeneChanged, g)
	if g.Status == models.GenePendingReview {
		e.notifyReview(ctx, ReviewGeneProposed, g)
	}
	v := viewOf(*g)
	return &v, nil
}

// geneOp runs one genome mutation in a transaction: lock the row for the
// before-state, apply op, reload, and append exactly one audit entry.
func (e *Engine) geneOp(ctx context.Context, userID, id, action, reason, actor string,
	op func(genes *genome.Repository, before *models.BehavioralGene, now time.Time) error) (*models.BehavioralGene, error) {

	now := e.now()
	var before, after *models.BehavioralGene
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		genes := e.genome.WithTx(tx)
		var err error
		if before, err = genes.LockGene(ctx, userID, id); err != nil {
			return err
		}
		if err := op(genes, before, now); err != nil {
			return err
		}
		if after, err = genes.GetGene(ctx, userID, id); err != nil {
			return err
		}
		entry, err := auditEntry(after, action, before, after, reason, actor, now)
		if err != nil {
			return err
		}
		return genes.InsertAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	// apply only records use; the rendered addendum is unchanged
	if action != models.AuditApply {
		e.invalidate(ctx, "addendum", userID)
		e.publish(EventGeneChanged, after)
	}
	if after.Status == models.GeneDormant && before.Status != models.GeneDormant {
		e.logger.Info("gene went dormant", zap.String("user_id", userID), zap.String("gene_id", id), zap.Float64("strength", after.Strength))
		e.notifyReview(ctx, ReviewGeneDormant, after)
	}
	return after, nil
}

// ConfirmGene records supporting evidence
func (e *Engine) ConfirmGene(ctx context.Context, userID, id, reason, actor string) (*GeneView, error) {
	g, err := e.geneOp(ctx, userID, id, models.AuditConfirm, reasonOr(reason, "confirmed"), actorOr(actor),
		func(genes *genome.Repository, _ *models.BehavioralGene, now time.Time) error {
			return genes.Confirm(ctx, userID, id, now)
		})
	return viewPtr(g), err
}

// ContradictGene records opposing evidence; strength below 0.2 goes dormant
func (e *Engine) ContradictGene(ctx context.Context, userID, id, reason, actor string) (*GeneView, error) {
	g, err := e.geneOp(ctx, userID, id, models.AuditContradict, reasonOr(reason, "contradicted"), actorOr(actor),
		func(genes *genome.Repository, _ *models.BehavioralGene, now time.Time) error {
			return genes.Contradict(ctx, userID, id, now)
		})
	return viewPtr(g), err
}

// ApplyGene records that the gene shaped an addendum
func (e *Engine) ApplyGene(ctx context.Context, userID, id, actor string) (*GeneView, error) {
	g, err := e.geneOp(ctx, userID, id, models.AuditApply, "rendered into addendum", actorOr(actor),
		func(genes *genome.Repository, _ *models.BehavioralGene, now time.Time) error {
			return genes.Apply(ctx, userID, id, now)
		})
	return viewPtr(g), err
}

// ApproveGene activates a gene awaiting review
func (e *Engine) ApproveGene(ctx context.Context, userID, id, notes, actor string) (*GeneView, error) {
	g, err := e.geneOp(ctx, userID, id, models.AuditApprove, reasonOr(notes, "approved"), actorOr(actor),
		func(genes *genome.Repository, _ *models.BehavioralGene, now time.Time) error {
			return genes.Approve(ctx, userID, id, notes, now)
		})
	return viewPtr(g), err
}

// MutateInput replaces a gene's wording
type MutateInput struct {
	GeneText         string `json:"gene_text"`
	TriggerCondition string `json:"trigger_condition"`
	ActionDirective  string `json:"action_directive"`
	Reason           string `json:"reason"`
	Actor            string `json:"actor"`
}

// MutateGene rewrites a gene, keeping the prior version in its history.
// Empty fields keep their current value.
func (e *Engine) MutateGene(ctx context.Context, userID, id string, in MutateInput) (*GeneView, error) {
	if strings.TrimSpace(in.GeneText) == "" && in.TriggerCondition == "" && in.ActionDirective == "" {
		return nil, database.NewValidationError("gene_text", "a mutation must change at least one field")
	}
	g, err := e.geneOp(ctx, userID, id, models.AuditMutate, reasonOr(in.Reason, "mutated"), actorOr(in.Actor),
		func(genes *genome.Repository, before *models.BehavioralGene, now time.Time) error {
			if before.Status == models.GeneRetired {
				return database.NewConflictError("gene", id, "retired genes cannot be mutated")
			}
			next := models.GeneMutation{
				GeneText:         firstNonEmpty(strings.TrimSpace(in.GeneText), before.GeneText),
				TriggerCondition: firstNonEmpty(in.TriggerCondition, before.TriggerCondition),
				ActionDirective:  firstNonEmpty(in.ActionDirective, before.ActionDirective),
				Reason:           in.Reason,
			}
			return genes.Mutate(ctx, before, next, now)
		})
	return viewPtr(g), err
}

// DeleteGene retires a gene; the row and its audit trail remain
func (e *Engine) DeleteGene(ctx context.Context, userID, id, reason, actor string) (*GeneView, error) {
	g, err := e.geneOp(ctx, userID, id, models.AuditDelete, reasonOr(reason, "deleted"), actorOr(actor),
		func(genes *genome.Repository, _ *models.BehavioralGene, now time.Time) error {
			return genes.Retire(ctx, userID, id, now)
		})
	return viewPtr(g), err
}

// GetGene returns a gene and its audit trail
func (e *Engine) GetGene(ctx context.Context, userID, id string) (*GeneDetail, error) {
	g, err := e.genome.GetGene(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	audit, err := e.genome.ListAudit(ctx, userID, id, database.MaxLimit)
	if err != nil {
		return nil, err
	}
	return &GeneDetail{Gene: viewOf(*g), AuditLog: audit}, nil
}

// ListGenes lists a user's genes with effectiveness
func (e *Engine) ListGenes(ctx context.Context, userID string, f types.GeneFilter) ([]GeneView, error) {
	if f.Status != "" && !models.ValidGeneStatus(f.Status) {
		return nil, database.NewValidationErrorWithValue("status", "unknown gene status", f.Status)
	}
	if f.GeneType != "" && !models.ValidGeneType(f.GeneType) {
		return nil, database.NewValidationErrorWithValue("gene_type", "unknown gene type", f.GeneType)
	}
	if f.MinStrength < 0 || f.MinStrength > 1 {
		return nil, database.NewValidationErrorWithValue("min_strength", "must be within [0,1]", f.MinStrength)
	}
	genes, err := e.genome.ListGenes(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	out := make([]GeneView, len(genes))
	for i, g := range genes {
		out[i] = viewOf(g)
	}
	return out, nil
}

// applyEvidence confirms or contradicts genes recently applied in domain
func (e *Engine) applyEvidence(ctx context.Context, userID, domain, result string) error {
	if result == models.ResultPartial {
		return nil
	}
	since := e.now().Add(-time.Duration(e.cfg.EvidenceWindowHours) * time.Hour)
	candidates, err := e.genome.EvidenceCandidates(ctx, userID, domain, since)
	if err != nil {
		return err
	}

	var errs []error
	for _, g := range candidates {
		reason := fmt.Sprintf("%s outcome in %s after the gene was applied", result, domain)
		if result == models.ResultCorrect {
			_, err = e.ConfirmGene(ctx, userID, g.ID, reason, ActorEvidence)
		} else {
			_, err = e.ContradictGene(ctx, userID, g.ID, reason, ActorEvidence)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("gene %s: %w", g.ID, err))
		}
	}
	return errors.Join(errs...)
}

func viewPtr(g *models.BehavioralGene) *GeneView {
	if g == nil {
		return nil
	}
	v := viewOf(*g)
	return &v
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func actorOr(actor string) string {
	if actor == "" {
		return ActorAdmin
	}
	return actor
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
