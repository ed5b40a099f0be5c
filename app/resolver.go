package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"
	"alin-engine/database/weightmap"
	"alin-engine/helpers"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Trigger types used by the capture path
const (
	TriggerUserFeedback   = "user_feedback"
	TriggerUserCorrection = "user_correction"
	TriggerTimeExpiry     = "time_expiry"
	TriggerToolFailure    = "tool_failure"
)

// OutcomeInput is the observed verdict plus its context
type OutcomeInput struct {
	Result            string          `json:"result"`
	Severity          string          `json:"severity"`
	TriggerType       string          `json:"trigger_type"`
	TriggerSource     string          `json:"trigger_source"`
	TriggerData       json.RawMessage `json:"trigger_data,omitempty"`
	PainDelta         *float64        `json:"pain_delta,omitempty"`
	SatisfactionDelta *float64        `json:"satisfaction_delta,omitempty"`
	LessonLearned     string          `json:"lesson_learned"`
	CorrectiveAction  string          `json:"corrective_action"`
	CascadeEffects    []string        `json:"cascade_effects,omitempty"`
}

// StandaloneOutcome is an outcome not tied to any prediction
type StandaloneOutcome struct {
	OutcomeInput
	Domain string `json:"domain"`
}

// Resolution is everything one resolved outcome touched
type Resolution struct {
	Prediction  *models.Prediction         `json:"prediction,omitempty"`
	Outcome     *models.Outcome            `json:"outcome"`
	DomainState *models.DomainState        `json:"domain_state"`
	Pattern     *models.ConsequencePattern `json:"pattern,omitempty"`
}

var severityWeights = map[string]float64{
	models.SeverityLow:      0.5,
	models.SeverityMedium:   1,
	models.SeverityHigh:     1.5,
	models.SeverityCritical: 2,
}

// defaultDeltas returns pain and satisfaction movement for a verdict when
// the caller supplies none, scaled by severity
func defaultDeltas(result, severity string) (pain, satisfaction float64) {
	switch result {
	case models.ResultWrong:
		pain, satisfaction = 0.10, -0.05
	case models.ResultCorrect:
		pain, satisfaction = -0.05, 0.10
	case models.ResultPartial:
		pain, satisfaction = 0.03, 0.03
	}
	w := severityWeights[severity]
	return round4(pain * w), round4(satisfaction * w)
}

func resultScore(result string) float64 {
	switch result {
	case models.ResultCorrect:
		return 1
	case models.ResultPartial:
		return 0.5
	}
	return 0
}

func statusForResult(result string) string {
	switch result {
	case models.ResultCorrect:
		return models.PredictionVerifiedRight
	case models.ResultWrong:
		return models.PredictionVerifiedWrong
	}
	return models.PredictionPartiallyRight
}

func (in *OutcomeInput) validate() error {
	in.Result = strings.ToLower(strings.TrimSpace(in.Result))
	if !models.ValidResult(in.Result) {
		return database.NewValidationErrorWithValue("result", "must be correct, wrong or partial", in.Result)
	}
	if in.Severity == "" {
		in.Severity = models.SeverityMedium
	}
	if !models.ValidSeverity(in.Severity) {
		return database.NewValidationErrorWithValue("severity", "must be low, medium, high or critical", in.Severity)
	}
	if in.TriggerType == "" {
		in.TriggerType = TriggerUserFeedback
	}
	if len(in.TriggerData) > 0 && !json.Valid(in.TriggerData) {
		return database.NewValidationError("trigger_data", "must be valid JSON")
	}
	return nil
}

// ResolveByID resolves one pending prediction. A prediction that is no
// longer pending yields a ConflictError.
func (e *Engine) ResolveByID(ctx context.Context, userID, predictionID string, in OutcomeInput) (*Resolution, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	p, err := e.predictions.GetPrediction(ctx, userID, predictionID)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, userID, p, p.Domain, in)
}

// ResolveRecent resolves the newest pending prediction of a conversation
func (e *Engine) ResolveRecent(ctx context.Context, userID, conversationRef string, in OutcomeInput) (*Resolution, error) {
	if conversationRef == "" {
		return nil, database.NewValidationError("conversation_ref", "required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	p, err := e.predictions.LatestPending(ctx, userID, conversationRef)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, database.NewNotFoundErrorWithID("pending prediction in conversation", conversationRef)
	}
	return e.resolve(ctx, userID, p, p.Domain, in)
}

// RecordOutcome stores an outcome with no prediction link, e.g. a tool
// failure observed outside any statement. Domain falls back to the
// vocabulary match of the lesson text.
func (e *Engine) RecordOutcome(ctx context.Context, userID string, req StandaloneOutcome) (*Resolution, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		domain = e.Vocabulary().Resolve(req.LessonLearned + " " + req.CorrectiveAction + " " + req.TriggerSource)
	}
	return e.resolve(ctx, userID, nil, domain, req.OutcomeInput)
}

// ListOutcomes lists a user's outcomes
func (e *Engine) ListOutcomes(ctx context.Context, userID string, f types.OutcomeFilter) ([]models.Outcome, error) {
	return e.predictions.ListOutcomes(ctx, userID, f)
}

// resolve writes the outcome, closes the prediction and folds the verdict
// into the weightmap in one transaction. Pattern and genome evidence follow
// the commit and never fail the resolution.
func (e *Engine) resolve(ctx context.Context, userID string, p *models.Prediction, domain string, in OutcomeInput) (*Resolution, error) {
	now := e.now()

	pain, satisfaction := defaultDeltas(in.Result, in.Severity)
	if in.PainDelta != nil {
		pain = *in.PainDelta
	}
	if in.SatisfactionDelta != nil {
		satisfaction = *in.SatisfactionDelta
	}

	outcome := &models.Outcome{
		ID:                uuid.NewString(),
		UserID:            userID,
		TriggerType:       in.TriggerType,
		TriggerSource:     in.TriggerSource,
		TriggerData:       datatypes.JSON(in.TriggerData),
		Result:            in.Result,
		PainDelta:         pain,
		SatisfactionDelta: satisfaction,
		LessonLearned:     in.LessonLearned,
		CorrectiveAction:  in.CorrectiveAction,
		Domain:            domain,
		Severity:          in.Severity,
		PatternSignature:  PatternSignature(in.TriggerType, domain, in.Result),
		CascadeEffects:    datatypes.JSONSlice[string](in.CascadeEffects),
		CreatedAt:         now,
	}

	verdict := weightmap.Verdict{
		Result:            in.Result,
		PainDelta:         pain,
		SatisfactionDelta: satisfaction,
		Summary:           outcomeSummary(p, in),
	}
	if p != nil {
		outcome.PredictionRef = &p.ID
		outcome.ConfidenceDelta = round4(resultScore(in.Result) - p.Confidence)
		confidence := p.Confidence
		verdict.Confidence = &confidence
	}

	res := &Resolution{Outcome: outcome}
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		preds := e.predictions.WithTx(tx)
		if p != nil {
			if err := preds.MarkResolved(ctx, userID, p.ID, statusForResult(in.Result), &outcome.ID, now); err != nil {
				return err
			}
		}
		if err := preds.InsertOutcome(ctx, outcome); err != nil {
			return err
		}
		state, err := e.weightmap.WithTx(tx).ApplyVerdict(ctx, userID, domain, verdict, now)
		if err != nil {
			return err
		}
		res.DomainState = state
		if p != nil {
			if res.Prediction, err = preds.GetPrediction(ctx, userID, p.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(EventOutcomeRecorded, outcome)
	e.publish(EventDomainUpdated, res.DomainState)
	pattern, err := e.ScanOutcome(ctx, outcome)
	if err != nil {
		e.logger.Warn("pattern scan failed", zap.String("outcome_id", outcome.ID), zap.Error(err))
	}
	res.Pattern = pattern

	if err := e.applyEvidence(ctx, userID, domain, in.Result); err != nil {
		e.logger.Warn("genome evidence failed", zap.String("outcome_id", outcome.ID), zap.Error(err))
	}
	return res, nil
}

func outcomeSummary(p *models.Prediction, in OutcomeInput) string {
	if p == nil {
		return fmt.Sprintf("%s outcome from %s", in.Result, in.TriggerType)
	}
	return fmt.Sprintf("%s: %s", in.Result, helpers.Truncate(p.Text, 120))
}
