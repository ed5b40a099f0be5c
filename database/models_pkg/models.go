package models

import (
	"time"

	"gorm.io/datatypes"
)

// Prediction status values
const (
	PredictionPending        = "pending"
	PredictionVerifiedRight  = "verified_correct"
	PredictionVerifiedWrong  = "verified_wrong"
	PredictionPartiallyRight = "verified_partial"
	PredictionExpired        = "expired"
)

// Prediction type values
const (
	PredictionTypeForecast       = "forecast"
	PredictionTypeExpectation    = "expectation"
	PredictionTypeEstimate       = "estimate"
	PredictionTypeRecommendation = "recommendation"
	PredictionTypeAssessment     = "assessment"
)

// Outcome result values
const (
	ResultCorrect = "correct"
	ResultWrong   = "wrong"
	ResultPartial = "partial"
)

// Outcome severity values
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Streak and trend values
const (
	StreakNone    = "none"
	StreakCorrect = "correct"
	StreakWrong   = "wrong"

	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// Pattern status and type values
const (
	PatternEmerging  = "emerging"
	PatternConfirmed = "confirmed"
	PatternSuggested = "suggested"
	PatternDismissed = "dismissed"

	PatternFailureMode = "failure_mode"
	PatternSuccessMode = "success_mode"
	PatternMixedSignal = "mixed_signal"
)

// Gene status and type values
const (
	GeneActive        = "active"
	GenePendingReview = "pending_review"
	GeneDormant       = "dormant"
	GeneRetired       = "retired"

	GeneTypeCaution       = "caution"
	GeneTypeReinforcement = "reinforcement"
	GeneTypeCorrection    = "correction"
	GeneTypePreference    = "preference"
)

// Gene audit actions
const (
	AuditCreate     = "create"
	AuditConfirm    = "confirm"
	AuditContradict = "contradict"
	AuditApply      = "apply"
	AuditApprove    = "approve"
	AuditMutate     = "mutate"
	AuditDelete     = "delete"
)

// Prediction is a forward-looking statement captured from an assistant message.
//
// Key Fields:
//   - MessageRef + TextHash: unique per user, the ledger never stores the same
//     statement twice for one message
//   - Status: pending until resolved; ResolvedAt is set iff Status != pending
//   - OutcomeRef: set iff the prediction was resolved by an outcome
type Prediction struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	UserID               string     `gorm:"size:64;not null;index:idx_predictions_user_status,priority:1;uniqueIndex:idx_predictions_dedup,priority:1" json:"user_id"`
	ConversationRef      string     `gorm:"size:128;index" json:"conversation_ref"`
	MessageRef           string     `gorm:"size:128;not null;uniqueIndex:idx_predictions_dedup,priority:2" json:"message_ref"`
	Text                 string     `gorm:"type:text;not null" json:"text"`
	TextHash             string     `gorm:"size:64;not null;uniqueIndex:idx_predictions_dedup,priority:3" json:"text_hash"`
	Type                 string     `gorm:"size:32;not null" json:"type"`
	Domain               string     `gorm:"size:64;not null;index" json:"domain"`
	Confidence           float64    `gorm:"not null" json:"confidence"`
	ContextSummary       string     `gorm:"type:text" json:"context_summary,omitempty"`
	SourceModel          string     `gorm:"size:64" json:"source_model,omitempty"`
	ExtractionMethod     string     `gorm:"size:16;not null" json:"extraction_method"`
	Status               string     `gorm:"size:24;not null;index:idx_predictions_user_status,priority:2" json:"status"`
	OutcomeRef           *string    `gorm:"size:36" json:"outcome_ref,omitempty"`
	VerificationAttempts int        `gorm:"not null" json:"verification_attempts"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CreatedAt            time.Time  `gorm:"not null;index" json:"created_at"`
	ResolvedAt           *time.Time `gorm:"index" json:"resolved_at,omitempty"`
}

// TableName specifies the table name for Prediction
func (Prediction) TableName() string {
	return "predictions"
}

// Outcome is an observed result, optionally tied to a prediction.
// PatternSignature is fixed at creation and groups outcomes into
// consequence patterns.
type Outcome struct {
	ID                string                      `gorm:"primaryKey;size:36" json:"id"`
	UserID            string                      `gorm:"size:64;not null;index" json:"user_id"`
	PredictionRef     *string                     `gorm:"size:36;index" json:"prediction_ref,omitempty"`
	TriggerType       string                      `gorm:"size:64;not null" json:"trigger_type"`
	TriggerSource     string                      `gorm:"size:128" json:"trigger_source,omitempty"`
	TriggerData       datatypes.JSON              `json:"trigger_data,omitempty"`
	Result            string                      `gorm:"size:16;not null" json:"result"`
	ConfidenceDelta   float64                     `json:"confidence_delta"`
	PainDelta         float64                     `json:"pain_delta"`
	SatisfactionDelta float64                     `json:"satisfaction_delta"`
	LessonLearned     string                      `gorm:"type:text" json:"lesson_learned,omitempty"`
	CorrectiveAction  string                      `gorm:"type:text" json:"corrective_action,omitempty"`
	Domain            string                      `gorm:"size:64;not null;index" json:"domain"`
	Severity          string                      `gorm:"size:16;not null" json:"severity"`
	PatternSignature  string                      `gorm:"size:32;index" json:"pattern_signature"`
	CascadeEffects    datatypes.JSONSlice[string] `json:"cascade_effects,omitempty"`
	CreatedAt         time.Time                   `gorm:"not null;index" json:"created_at"`
}

// TableName specifies the table name for Outcome
func (Outcome) TableName() string {
	return "outcomes"
}

// DomainState is the aggregate weightmap row for one (user, domain).
//
// Every field is maintained by a single upsert statement so concurrent
// outcomes never lose an increment. ConfidenceSum/ConfidenceSamples and the
// accuracy delta columns are bookkeeping for calibration offset, volatility
// and trend.
type DomainState struct {
	UserID             string    `gorm:"primaryKey;size:64" json:"user_id"`
	Domain             string    `gorm:"primaryKey;size:64" json:"domain"`
	PainScore          float64   `gorm:"not null" json:"pain_score"`
	SatisfactionScore  float64   `gorm:"not null" json:"satisfaction_score"`
	PredictionAccuracy float64   `gorm:"not null" json:"prediction_accuracy"`
	CalibrationOffset  float64   `gorm:"not null" json:"calibration_offset"`
	TotalPredictions   int       `gorm:"not null" json:"total_predictions"`
	CorrectPredictions int       `gorm:"not null" json:"correct_predictions"`
	WrongPredictions   int       `gorm:"not null" json:"wrong_predictions"`
	PartialPredictions int       `gorm:"not null" json:"partial_predictions"`
	ConfidenceSum      float64   `gorm:"not null" json:"confidence_sum"`
	ConfidenceSamples  int       `gorm:"not null" json:"confidence_samples"`
	StreakType         string    `gorm:"size:16;not null" json:"streak_type"`
	StreakCount        int       `gorm:"not null" json:"streak_count"`
	BestStreak         int       `gorm:"not null" json:"best_streak"`
	WorstStreak        int       `gorm:"not null" json:"worst_streak"`
	DecayRate          float64   `gorm:"not null" json:"decay_rate"`
	Volatility         float64   `gorm:"not null" json:"volatility"`
	Trend              string    `gorm:"size:16;not null" json:"trend"`
	LastAccuracyDelta  float64   `gorm:"not null" json:"last_accuracy_delta"`
	AvgAccuracyDelta   float64   `gorm:"not null" json:"avg_accuracy_delta"`
	UpdatedAt          time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for DomainState
func (DomainState) TableName() string {
	return "domain_states"
}

// DomainHistoryEntry is an append-only copy of a DomainState after an update
type DomainHistoryEntry struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string    `gorm:"size:64;not null;index:idx_domain_history_lookup,priority:1" json:"user_id"`
	Domain             string    `gorm:"size:64;not null;index:idx_domain_history_lookup,priority:2" json:"domain"`
	EventType          string    `gorm:"size:32;not null" json:"event_type"`
	Summary            string    `gorm:"type:text" json:"summary"`
	PredictionAccuracy float64   `json:"prediction_accuracy"`
	CalibrationOffset  float64   `json:"calibration_offset"`
	PainScore          float64   `json:"pain_score"`
	SatisfactionScore  float64   `json:"satisfaction_score"`
	TotalPredictions   int       `json:"total_predictions"`
	StreakType         string    `gorm:"size:16" json:"streak_type"`
	StreakCount        int       `json:"streak_count"`
	Volatility         float64   `json:"volatility"`
	Trend              string    `gorm:"size:16" json:"trend"`
	CreatedAt          time.Time `gorm:"not null;index:idx_domain_history_lookup,priority:3" json:"created_at"`
}

// TableName specifies the table name for DomainHistoryEntry
func (DomainHistoryEntry) TableName() string {
	return "domain_history"
}

// ConsequencePattern is a recurring (trigger, domain, result) shape.
// ContributingOutcomes is derived from outcomes sharing the signature.
type ConsequencePattern struct {
	ID                   string    `gorm:"primaryKey;size:36" json:"id"`
	UserID               string    `gorm:"size:64;not null;uniqueIndex:idx_patterns_signature,priority:1" json:"user_id"`
	Domain               string    `gorm:"size:64;not null;uniqueIndex:idx_patterns_signature,priority:2" json:"domain"`
	PatternType          string    `gorm:"size:32;not null" json:"pattern_type"`
	PatternSignature     string    `gorm:"size:32;not null;uniqueIndex:idx_patterns_signature,priority:3" json:"pattern_signature"`
	TriggerType          string    `gorm:"size:64;not null" json:"trigger_type"`
	Description          string    `gorm:"type:text" json:"description"`
	Frequency            int       `gorm:"not null" json:"frequency"`
	Confidence           float64   `gorm:"not null" json:"confidence"`
	FirstSeenAt          time.Time `gorm:"not null" json:"first_seen_at"`
	LastSeenAt           time.Time `gorm:"not null;index" json:"last_seen_at"`
	SuggestedGene        string    `gorm:"type:text" json:"suggested_gene,omitempty"`
	Status               string    `gorm:"size:16;not null;index" json:"status"`
	ContributingOutcomes []string  `gorm:"-" json:"contributing_outcomes,omitempty"`
}

// TableName specifies the table name for ConsequencePattern
func (ConsequencePattern) TableName() string {
	return "consequence_patterns"
}

// GeneMutation is one prior version of a gene, kept in MutationHistory
type GeneMutation struct {
	GeneText         string    `json:"gene_text"`
	TriggerCondition string    `json:"trigger_condition"`
	ActionDirective  string    `json:"action_directive"`
	Strength         float64   `json:"strength"`
	Reason           string    `json:"reason,omitempty"`
	MutatedAt        time.Time `json:"mutated_at"`
}

// BehavioralGene is a learned rule that shapes future responses.
//
// Strength moves only through confirm (+0.1) and contradict (-0.15) and is
// always within [0,1]. Status goes dormant when a contradiction drops
// strength below 0.2; delete is a soft move to retired.
type BehavioralGene struct {
	ID               string                            `gorm:"primaryKey;size:36" json:"id"`
	UserID           string                            `gorm:"size:64;not null;index:idx_genes_user_status,priority:1" json:"user_id"`
	GeneText         string                            `gorm:"type:text;not null" json:"gene_text"`
	GeneType         string                            `gorm:"size:32;not null" json:"gene_type"`
	Domain           string                            `gorm:"size:64;not null;index" json:"domain"`
	SourcePattern    string                            `gorm:"type:text" json:"source_pattern,omitempty"`
	SourcePatternRef *string                           `gorm:"size:36" json:"source_pattern_ref,omitempty"`
	TriggerCondition string                            `gorm:"type:text" json:"trigger_condition,omitempty"`
	ActionDirective  string                            `gorm:"type:text" json:"action_directive,omitempty"`
	Strength         float64                           `gorm:"not null" json:"strength"`
	Status           string                            `gorm:"size:24;not null;index:idx_genes_user_status,priority:2" json:"status"`
	Confirmations    int                               `gorm:"not null" json:"confirmations"`
	Contradictions   int                               `gorm:"not null" json:"contradictions"`
	Applications     int                               `gorm:"not null" json:"applications"`
	LastAppliedAt    *time.Time                        `json:"last_applied_at,omitempty"`
	LastRenderedAt   *time.Time                        `gorm:"index" json:"last_rendered_at,omitempty"` // last apply only; confirm does not move it
	RequiresReview   bool                              `gorm:"not null" json:"requires_review"`
	ReviewNotes      string                            `gorm:"type:text" json:"review_notes,omitempty"`
	RegressionRisk   string                            `gorm:"size:16" json:"regression_risk,omitempty"`
	ParentGeneRef    *string                           `gorm:"size:36" json:"parent_gene_ref,omitempty"`
	MutationHistory  datatypes.JSONSlice[GeneMutation] `json:"mutation_history"`
	CreatedAt        time.Time                         `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time                         `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for BehavioralGene
func (BehavioralGene) TableName() string {
	return "behavioral_genes"
}

// Effectiveness is confirmations / (confirmations + contradictions), 0.5 with no evidence
func (g BehavioralGene) Effectiveness() float64 {
	total := g.Confirmations + g.Contradictions
	if total == 0 {
		return 0.5
	}
	return float64(g.Confirmations) / float64(total)
}

// GeneAuditEntry records one genome mutation with before/after state
type GeneAuditEntry struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	UserID        string         `gorm:"size:64;not null;index" json:"user_id"`
	GeneRef       string         `gorm:"size:36;not null;index" json:"gene_ref"`
	Action        string         `gorm:"size:16;not null" json:"action"`
	PreviousState datatypes.JSON `json:"previous_state,omitempty"`
	NewState      datatypes.JSON `json:"new_state,omitempty"`
	Reason        string         `gorm:"type:text" json:"reason,omitempty"`
	Actor         string         `gorm:"size:64;not null" json:"actor"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
}

// TableName specifies the table name for GeneAuditEntry
func (GeneAuditEntry) TableName() string {
	return "gene_audit_log"
}

// CalibrationSnapshot is one confidence bucket of a calibration pass.
// All buckets of a pass share SnapshotAt.
type CalibrationSnapshot struct {
	ID                  string    `gorm:"primaryKey;size:36" json:"id"`
	UserID              string    `gorm:"size:64;not null;index:idx_calibration_lookup,priority:1" json:"user_id"`
	Domain              string    `gorm:"size:64;not null;index:idx_calibration_lookup,priority:2" json:"domain"`
	BucketIndex         int       `gorm:"not null" json:"bucket_index"`
	BucketMin           float64   `gorm:"not null" json:"bucket_min"`
	BucketMax           float64   `gorm:"not null" json:"bucket_max"`
	TotalPredictions    int       `gorm:"not null" json:"total_predictions"`
	CorrectPredictions  int       `gorm:"not null" json:"correct_predictions"`
	ActualAccuracy      float64   `gorm:"not null" json:"actual_accuracy"`
	OverconfidenceDelta float64   `gorm:"not null" json:"overconfidence_delta"`
	SnapshotAt          time.Time `gorm:"not null;index:idx_calibration_lookup,priority:3" json:"snapshot_at"`
}

// TableName specifies the table name for CalibrationSnapshot
func (CalibrationSnapshot) TableName() string {
	return "calibration_snapshots"
}

// EngineFlag is a global key/value switch (kill switch, bootstrap window)
type EngineFlag struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for EngineFlag
func (EngineFlag) TableName() string {
	return "engine_flags"
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// ValidPredictionStatus reports whether s is a known prediction status
func ValidPredictionStatus(s string) bool {
	return oneOf(s, PredictionPending, PredictionVerifiedRight, PredictionVerifiedWrong,
		PredictionPartiallyRight, PredictionExpired)
}

// ValidPredictionType reports whether t is a known prediction type
func ValidPredictionType(t string) bool {
	return oneOf(t, PredictionTypeForecast, PredictionTypeExpectation, PredictionTypeEstimate,
		PredictionTypeRecommendation, PredictionTypeAssessment)
}

// ValidResult reports whether r is a known outcome result
func ValidResult(r string) bool {
	return oneOf(r, ResultCorrect, ResultWrong, ResultPartial)
}

// ValidSeverity reports whether s is a known outcome severity
func ValidSeverity(s string) bool {
	return oneOf(s, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical)
}

// ValidPatternStatus reports whether s is a known pattern status
func ValidPatternStatus(s string) bool {
	return oneOf(s, PatternEmerging, PatternConfirmed, PatternSuggested, PatternDismissed)
}

// ValidGeneStatus reports whether s is a known gene status
func ValidGeneStatus(s string) bool {
	return oneOf(s, GeneActive, GenePendingReview, GeneDormant, GeneRetired)
}

// ValidGeneType reports whether t is a known gene type
func ValidGeneType(t string) bool {
	return oneOf(t, GeneTypeCaution, GeneTypeReinforcement, GeneTypeCorrection, GeneTypePreference)
}
