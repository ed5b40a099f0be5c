package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"alin-engine/app"
	"alin-engine/database"
	models "alin-engine/database/models_pkg"
)

// Capture event types
const (
	EventTurn     = "turn"
	EventFeedback = "feedback"
)

// TurnRecorder stores predictions mined from an assistant turn
type TurnRecorder interface {
	ExtractAndRecord(ctx context.Context, userID string, req app.ExtractRequest) ([]models.Prediction, error)
}

// FeedbackResolver resolves predictions from user feedback
type FeedbackResolver interface {
	ResolveByID(ctx context.Context, userID, predictionID string, in app.OutcomeInput) (*app.Resolution, error)
	ResolveRecent(ctx context.Context, userID, conversationRef string, in app.OutcomeInput) (*app.Resolution, error)
}

// TurnHandler mines each completed assistant turn for predictions
type TurnHandler struct {
	recorder TurnRecorder
}

// NewTurnHandler creates a turn capture handler
func NewTurnHandler(recorder TurnRecorder) *TurnHandler {
	return &TurnHandler{recorder: recorder}
}

// GetEventType implements CaptureHandler
func (h *TurnHandler) GetEventType() string { return EventTurn }

// Handle implements CaptureHandler
func (h *TurnHandler) Handle(ctx context.Context, userID string, data []byte) error {
	var req app.ExtractRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode turn: %w", err)
	}
	_, err := h.recorder.ExtractAndRecord(ctx, userID, req)
	return err
}

// FeedbackCapture is a user message that may judge an earlier prediction.
// Result may be given outright; otherwise it is read from Text.
type FeedbackCapture struct {
	ConversationRef string `json:"conversation_ref"`
	PredictionID    string `json:"prediction_id"`
	Text            string `json:"text"`
	Result          string `json:"result"`
	Severity        string `json:"severity"`
	LessonLearned   string `json:"lesson_learned"`
}

// FeedbackHandler turns user feedback into outcomes
type FeedbackHandler struct {
	resolver FeedbackResolver
}

// NewFeedbackHandler creates a feedback capture handler
func NewFeedbackHandler(resolver FeedbackResolver) *FeedbackHandler {
	return &FeedbackHandler{resolver: resolver}
}

// GetEventType implements CaptureHandler
func (h *FeedbackHandler) GetEventType() string { return EventFeedback }

// Handle implements CaptureHandler. Feedback with no recognizable verdict,
// or with nothing left to resolve, is not an error.
func (h *FeedbackHandler) Handle(ctx context.Context, userID string, data []byte) error {
	var fb FeedbackCapture
	if err := json.Unmarshal(data, &fb); err != nil {
		return fmt.Errorf("decode feedback: %w", err)
	}

	result := strings.ToLower(strings.TrimSpace(fb.Result))
	if result == "" {
		var ok bool
		if result, ok = DetectVerdict(fb.Text); !ok {
			return nil
		}
	}

	trigger := app.TriggerUserFeedback
	if result == models.ResultWrong {
		trigger = app.TriggerUserCorrection
	}
	in := app.OutcomeInput{
		Result:        result,
		Severity:      fb.Severity,
		TriggerType:   trigger,
		TriggerSource: "capture",
		LessonLearned: fb.LessonLearned,
	}
	if fb.Text != "" {
		raw, err := json.Marshal(map[string]string{"text": fb.Text})
		if err != nil {
			return err
		}
		in.TriggerData = raw
	}

	var err error
	if fb.PredictionID != "" {
		_, err = h.resolver.ResolveByID(ctx, userID, fb.PredictionID, in)
	} else {
		_, err = h.resolver.ResolveRecent(ctx, userID, fb.ConversationRef, in)
	}
	if database.IsNotFound(err) || database.IsConflict(err) {
		return nil
	}
	return err
}

var (
	partialCues = regexp.MustCompile(`(?i)\b(partly|partially|half|somewhat|sort of) (right|correct|true|worked)\b`)
	wrongCues   = regexp.MustCompile(`(?i)\b(that'?s|that was|you'?re|you were|it was|this is) (wrong|incorrect|not right|mistaken|off)\b|` +
		`\b(didn'?t|did not|doesn'?t|does not) work\b|\bnot what happened\b|\bthat'?s not (true|correct|right)\b`)
	correctCues = regexp.MustCompile(`(?i)\b(that'?s|that was|you'?re|you were) (right|correct|spot on)\b|` +
		`\b(it|that|this) worked\b|\bnailed it\b|\bexactly right\b|\bas you (said|predicted)\b`)
)

// DetectVerdict reads a verdict from a user message. Partial cues win over
// wrong cues, which win over correct cues.
func DetectVerdict(text string) (string, bool) {
	switch {
	case partialCues.MatchString(text):
		return models.ResultPartial, true
	case wrongCues.MatchString(text):
		return models.ResultWrong, true
	case correctCues.MatchString(text):
		return models.ResultCorrect, true
	}
	return "", false
}
