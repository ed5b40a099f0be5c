package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"alin-engine/database"
	"alin-engine/database/cortex"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PatternSignature is the normalized digest grouping outcomes into patterns
func PatternSignature(triggerType, domain, result string) string {
	key := strings.ToLower(strings.TrimSpace(triggerType)) + "|" +
		strings.ToLower(strings.TrimSpace(domain)) + "|" + result
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:database.PatternSignatureLength]
}

// PatternTypeFor maps a verdict to the pattern it feeds
func PatternTypeFor(result string) string {
	switch result {
	case models.ResultWrong:
		return models.PatternFailureMode
	case models.ResultCorrect:
		return models.PatternSuccessMode
	}
	return models.PatternMixedSignal
}

// ScanOutcome records o as a sighting of its pattern. When the sighting
// confirms the pattern a gene is proposed for review.
func (e *Engine) ScanOutcome(ctx context.Context, o *models.Outcome) (*models.ConsequencePattern, error) {
	sighting := cortex.Sighting{
		UserID:      o.UserID,
		Domain:      o.Domain,
		Signature:   o.PatternSignature,
		PatternType: PatternTypeFor(o.Result),
		TriggerType: o.TriggerType,
		Description: fmt.Sprintf("%s outcomes after %s in %s", o.Result, strings.ReplaceAll(o.TriggerType, "_", " "), o.Domain),
	}
	p, err := e.cortex.RecordSighting(ctx, sighting, e.cfg.PatternConfirmThreshold, e.now())
	if err != nil {
		return nil, err
	}

	if p.Status == models.PatternConfirmed {
		e.publish(EventPatternConfirmed, p)
		gene, err := e.proposeGene(ctx, p)
		if err != nil {
			return p, fmt.Errorf("propose gene: %w", err)
		}
		if gene != nil {
			p.Status = models.PatternSuggested
			p.SuggestedGene = gene.GeneText
		}
	}
	return p, nil
}

type geneTemplate struct {
	geneType  string
	text      string
	directive string
}

var geneTemplates = map[string]geneTemplate{
	models.PatternFailureMode: {
		geneType:  models.GeneTypeCaution,
		text:      "Predictions about %s after %s have gone wrong %d times; slow down and verify before asserting.",
		directive: "Before answering about %s when %s is involved, check assumptions and state uncertainty explicitly.",
	},
	models.PatternSuccessMode: {
		geneType:  models.GeneTypeReinforcement,
		text:      "Predictions about %s after %s have held up %d times; keep the current approach.",
		directive: "Keep the current approach for %s when %s is involved.",
	},
	models.PatternMixedSignal: {
		geneType:  models.GeneTypeCorrection,
		text:      "Predictions about %s after %s were only partly right %d times; qualify them.",
		directive: "When discussing %s around %s, name what could differ from the expectation.",
	},
}

// proposeGene turns a confirmed pattern into a pending_review gene. The
// pattern flips to suggested in the same transaction, guarded on its
// confirmed status, so one pattern never proposes twice.
func (e *Engine) proposeGene(ctx context.Context, p *models.ConsequencePattern) (*models.BehavioralGene, error) {
	tpl, ok := geneTemplates[p.PatternType]
	if !ok {
		tpl = geneTemplates[models.PatternMixedSignal]
	}
	trigger := strings.ReplaceAll(p.TriggerType, "_", " ")
	text := fmt.Sprintf(tpl.text, p.Domain, trigger, p.Frequency)
	directive := fmt.Sprintf(tpl.directive, p.Domain, trigger)

	if e.drafter != nil {
		draftCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		drafted, err := e.drafter.DraftGene(draftCtx, p, text)
		cancel()
		if err != nil {
			e.logger.Debug("gene drafting failed, using template", zap.String("pattern_id", p.ID), zap.Error(err))
		} else if drafted = strings.TrimSpace(drafted); drafted != "" {
			text = drafted
		}
	}

	now := e.now()
	patternRef := p.ID
	gene := &models.BehavioralGene{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		GeneText:         text,
		GeneType:         tpl.geneType,
		Domain:           p.Domain,
		SourcePattern:    p.Description,
		SourcePatternRef: &patternRef,
		TriggerCondition: fmt.Sprintf("domain=%s trigger=%s", p.Domain, p.TriggerType),
		ActionDirective:  directive,
		Strength:         database.GeneDefaultStrength,
		Status:           models.GenePendingReview,
		RequiresReview:   true,
		RegressionRisk:   regressionRisk(p),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created := false
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		won, err := e.cortex.WithTx(tx).MarkSuggested(ctx, p.ID, text)
		if err != nil || !won {
			return err
		}
		genes := e.genome.WithTx(tx)
		if err := genes.Insert(ctx, gene); err != nil {
			return err
		}
		entry, err := auditEntry(gene, models.AuditCreate, nil, gene, "proposed from confirmed pattern "+p.PatternSignature, ActorCortex, now)
		if err != nil {
			return err
		}
		created = true
		return genes.InsertAudit(ctx, entry)
	})
	if err != nil || !created {
		return nil, err
	}

	e.logger.Info("gene proposed from pattern",
		zap.String("user_id", p.UserID), zap.String("pattern_id", p.ID), zap.String("gene_id", gene.ID))
	e.invalidate(ctx, "addendum", p.UserID)
	e.publish(EventGeneChanged, gene)
	e.notifyReview(ctx, ReviewGeneProposed, gene)
	return gene, nil
}

func regressionRisk(p *models.ConsequencePattern) string {
	switch {
	case p.PatternType == models.PatternSuccessMode:
		return "low"
	case p.Frequency >= 6:
		return "high"
	default:
		return "medium"
	}
}

// ListPatterns lists a user's patterns with their contributing outcomes
func (e *Engine) ListPatterns(ctx context.Context, userID string, f types.PatternFilter) ([]models.ConsequencePattern, error) {
	if f.Status != "" && !models.ValidPatternStatus(f.Status) {
		return nil, database.NewValidationErrorWithValue("status", "unknown pattern status", f.Status)
	}
	patterns, err := e.cortex.ListPatterns(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		ids, err := e.predictions.OutcomeIDsBySignature(ctx, userID, patterns[i].Domain, patterns[i].PatternSignature)
		if err != nil {
			return nil, err
		}
		patterns[i].ContributingOutcomes = ids
	}
	return patterns, nil
}

// DismissPattern stops a pattern from ever proposing a gene
func (e *Engine) DismissPattern(ctx context.Context, userID, id string) (*models.ConsequencePattern, error) {
	if err := e.cortex.Dismiss(ctx, userID, id); err != nil {
		return nil, err
	}
	return e.cortex.GetPattern(ctx, userID, id)
}

// BucketFor assigns a stated confidence to one of the five calibration buckets
func BucketFor(confidence float64) int {
	b := int(math.Floor(database.Clamp01(confidence) * database.CalibrationBuckets))
	if b > database.CalibrationBuckets-1 {
		b = database.CalibrationBuckets - 1
	}
	return b
}

// BuildCalibration computes one calibration pass per domain over samples.
// Partial verdicts count as not correct. Every row shares snapshotAt.
func BuildCalibration(userID string, samples []types.CalibrationSample, snapshotAt time.Time) []models.CalibrationSnapshot {
	type bucket struct{ total, correct int }
	byDomain := make(map[string]*[database.CalibrationBuckets]bucket)
	for _, s := range samples {
		buckets, ok := byDomain[s.Domain]
		if !ok {
			buckets = &[database.CalibrationBuckets]bucket{}
			byDomain[s.Domain] = buckets
		}
		b := &buckets[BucketFor(s.Confidence)]
		b.total++
		if s.Status == models.PredictionVerifiedRight {
			b.correct++
		}
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	rows := make([]models.CalibrationSnapshot, 0, len(domains)*database.CalibrationBuckets)
	for _, domain := range domains {
		for i, b := range byDomain[domain] {
			lo := float64(i) * database.CalibrationWidth
			row := models.CalibrationSnapshot{
				ID:                 uuid.NewString(),
				UserID:             userID,
				Domain:             domain,
				BucketIndex:        i,
				BucketMin:          round4(lo),
				BucketMax:          round4(lo + database.CalibrationWidth),
				TotalPredictions:   b.total,
				CorrectPredictions: b.correct,
				SnapshotAt:         snapshotAt,
			}
			if b.total > 0 {
				row.ActualAccuracy = round4(float64(b.correct) / float64(b.total))
				row.OverconfidenceDelta = round4(lo + database.CalibrationWidth/2 - row.ActualAccuracy)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// RebuildCalibration writes a fresh calibration pass for one user
func (e *Engine) RebuildCalibration(ctx context.Context, userID string) ([]models.CalibrationSnapshot, error) {
	samples, err := e.predictions.CalibrationSamples(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := BuildCalibration(userID, samples, e.now())
	if err := e.cortex.SaveCalibration(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CalibrationView is the latest pass per domain plus the pooled curve
type CalibrationView struct {
	Snapshots []models.CalibrationSnapshot `json:"snapshots"`
	Buckets   []CalibrationBucket          `json:"buckets"`
}

// CalibrationBucket pools one bucket across domains
type CalibrationBucket struct {
	BucketIndex         int     `json:"bucket_index"`
	BucketMin           float64 `json:"bucket_min"`
	BucketMax           float64 `json:"bucket_max"`
	TotalPredictions    int     `json:"total_predictions"`
	CorrectPredictions  int     `json:"correct_predictions"`
	ActualAccuracy      float64 `json:"actual_accuracy"`
	OverconfidenceDelta float64 `json:"overconfidence_delta"`
}

// Calibration reads the latest calibration pass, optionally for one domain
func (e *Engine) Calibration(ctx context.Context, userID, domain string) (*CalibrationView, error) {
	snaps, err := e.cortex.LatestCalibration(ctx, userID, domain)
	if err != nil {
		return nil, err
	}
	view := &CalibrationView{Snapshots: snaps, Buckets: make([]CalibrationBucket, database.CalibrationBuckets)}
	for i := range view.Buckets {
		lo := float64(i) * database.CalibrationWidth
		view.Buckets[i] = CalibrationBucket{BucketIndex: i, BucketMin: round4(lo), BucketMax: round4(lo + database.CalibrationWidth)}
	}
	for _, s := range snaps {
		b := &view.Buckets[s.BucketIndex]
		b.TotalPredictions += s.TotalPredictions
		b.CorrectPredictions += s.CorrectPredictions
	}
	for i := range view.Buckets {
		b := &view.Buckets[i]
		if b.TotalPredictions > 0 {
			b.ActualAccuracy = round4(float64(b.CorrectPredictions) / float64(b.TotalPredictions))
			b.OverconfidenceDelta = round4(b.BucketMin + database.CalibrationWidth/2 - b.ActualAccuracy)
		}
	}
	return view, nil
}
