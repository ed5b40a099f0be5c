package app

import (
	"context"
	"strings"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Extraction methods recorded on a prediction
const (
	MethodPattern  = "pattern"
	MethodExplicit = "explicit"
)

// ExtractRequest carries one assistant message to mine for predictions
type ExtractRequest struct {
	ConversationRef string `json:"conversation_ref"`
	MessageRef      string `json:"message_ref"`
	Text            string `json:"text"`
	ContextSummary  string `json:"context_summary"`
	SourceModel     string `json:"source_model"`
	ExpiresInHours  int    `json:"expires_in_hours"`
}

// RecordRequest registers one prediction directly
type RecordRequest struct {
	ConversationRef string   `json:"conversation_ref"`
	MessageRef      string   `json:"message_ref"`
	Text            string   `json:"text"`
	Type            string   `json:"type"`
	Domain          string   `json:"domain"`
	Confidence      *float64 `json:"confidence"`
	ContextSummary  string   `json:"context_summary"`
	SourceModel     string   `json:"source_model"`
	ExpiresInHours  int      `json:"expires_in_hours"`
}

// ExtractAndRecord mines req.Text and stores every new prediction. The
// returned slice holds only rows written by this call; repeats of an
// already-stored (message, text) pair are skipped silently.
func (e *Engine) ExtractAndRecord(ctx context.Context, userID string, req ExtractRequest) ([]models.Prediction, error) {
	if req.MessageRef == "" {
		return nil, database.NewValidationError("message_ref", "required")
	}

	candidates := Extract(req.Text)
	if len(candidates) == 0 {
		return []models.Prediction{}, nil
	}

	vocab := e.Vocabulary()
	messageDomain := vocab.Resolve(req.Text + " " + req.ContextSummary)
	now := e.now()

	stored := make([]models.Prediction, 0, len(candidates))
	for _, c := range candidates {
		domain := vocab.Resolve(c.Text)
		if domain == "general" {
			domain = messageDomain
		}
		p := models.Prediction{
			ID:               uuid.NewString(),
			UserID:           userID,
			ConversationRef:  req.ConversationRef,
			MessageRef:       req.MessageRef,
			Text:             c.Text,
			Type:             c.Type,
			Domain:           domain,
			Confidence:       c.Confidence,
			ContextSummary:   req.ContextSummary,
			SourceModel:      req.SourceModel,
			ExtractionMethod: MethodPattern,
			Status:           models.PredictionPending,
			ExpiresAt:        expiry(now, req.ExpiresInHours),
			CreatedAt:        now,
		}
		inserted, err := e.predictions.InsertIfAbsent(ctx, &p)
		if err != nil {
			return stored, err
		}
		if inserted {
			stored = append(stored, p)
		}
	}

	if len(stored) > 0 {
		e.logger.Debug("predictions recorded",
			zap.String("user_id", userID), zap.String("message_ref", req.MessageRef), zap.Int("count", len(stored)))
		e.publish(EventPredictionRecorded, map[string]interface{}{"user_id": userID, "count": len(stored)})
	}
	return stored, nil
}

// RecordPrediction stores one prediction, bypassing extraction. A repeat of
// the same (message, text) returns the stored row and created=false.
func (e *Engine) RecordPrediction(ctx context.Context, userID string, req RecordRequest) (*models.Prediction, bool, error) {
	text := strings.TrimSpace(req.Text)
	switch {
	case text == "":
		return nil, false, database.NewValidationError("text", "required")
	case req.MessageRef == "":
		return nil, false, database.NewValidationError("message_ref", "required")
	case req.Type != "" && !models.ValidPredictionType(req.Type):
		return nil, false, database.NewValidationErrorWithValue("type", "unknown prediction type", req.Type)
	case req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1):
		return nil, false, database.NewValidationErrorWithValue("confidence", "must be within [0,1]", *req.Confidence)
	case req.ExpiresInHours < 0:
		return nil, false, database.NewValidationErrorWithValue("expires_in_hours", "must not be negative", req.ExpiresInHours)
	}

	predictionType := req.Type
	if predictionType == "" {
		if predictionType = classify(text); predictionType == "" {
			predictionType = models.PredictionTypeAssessment
		}
	}
	confidence := statedConfidence(text)
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		domain = e.Vocabulary().Resolve(text + " " + req.ContextSummary)
	}

	now := e.now()
	p := &models.Prediction{
		ID:               uuid.NewString(),
		UserID:           userID,
		ConversationRef:  req.ConversationRef,
		MessageRef:       req.MessageRef,
		Text:             text,
		Type:             predictionType,
		Domain:           domain,
		Confidence:       confidence,
		ContextSummary:   req.ContextSummary,
		SourceModel:      req.SourceModel,
		ExtractionMethod: MethodExplicit,
		Status:           models.PredictionPending,
		ExpiresAt:        expiry(now, req.ExpiresInHours),
		CreatedAt:        now,
	}

	inserted, err := e.predictions.InsertIfAbsent(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := e.predictions.FindDuplicate(ctx, userID, req.MessageRef, text)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, database.NewConflictError("prediction", req.MessageRef, "duplicate vanished during insert")
		}
		return existing, false, nil
	}

	e.publish(EventPredictionRecorded, map[string]interface{}{"user_id": userID, "count": 1})
	return p, true, nil
}

// GetPrediction retrieves one prediction
func (e *Engine) GetPrediction(ctx context.Context, userID, id string) (*models.Prediction, error) {
	return e.predictions.GetPrediction(ctx, userID, id)
}

// ListPredictions lists a user's predictions
func (e *Engine) ListPredictions(ctx context.Context, userID string, f types.PredictionFilter) ([]models.Prediction, error) {
	if f.Status != "" && !models.ValidPredictionStatus(f.Status) {
		return nil, database.NewValidationErrorWithValue("status", "unknown prediction status", f.Status)
	}
	return e.predictions.ListPredictions(ctx, userID, f)
}

func expiry(now time.Time, hours int) *time.Time {
	if hours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(hours) * time.Hour)
	return &t
}
