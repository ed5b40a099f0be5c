package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"alin-engine/app"
	"alin-engine/database"
	models "alin-engine/database/models_pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu       sync.Mutex
	turns    []app.ExtractRequest
	byID     []string
	recent   []string
	inputs   []app.OutcomeInput
	resolveE error
}

func (f *fakeEngine) ExtractAndRecord(_ context.Context, _ string, req app.ExtractRequest) ([]models.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, req)
	return nil, nil
}

func (f *fakeEngine) ResolveByID(_ context.Context, _ string, id string, in app.OutcomeInput) (*app.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID = append(f.byID, id)
	f.inputs = append(f.inputs, in)
	return &app.Resolution{}, f.resolveE
}

func (f *fakeEngine) ResolveRecent(_ context.Context, _ string, conv string, in app.OutcomeInput) (*app.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = append(f.recent, conv)
	f.inputs = append(f.inputs, in)
	return &app.Resolution{}, f.resolveE
}

func TestDetectVerdict(t *testing.T) {
	cases := []struct {
		text   string
		result string
		ok     bool
	}{
		{"No, that's wrong, the deploy failed.", models.ResultWrong, true},
		{"It didn't work after the upgrade", models.ResultWrong, true},
		{"You were right about the index", models.ResultCorrect, true},
		{"Thanks, that worked!", models.ResultCorrect, true},
		{"That was partly right, latency dropped but not by much", models.ResultPartial, true},
		{"What should I try next?", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := DetectVerdict(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.result, got, tc.text)
	}
}

func TestDispatchRunsHandlersInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng := &fakeEngine{}
	hm := NewHandlerManager(zap.NewNop())
	hm.RegisterHandler(NewTurnHandler(eng))
	hm.RegisterHandler(NewFeedbackHandler(eng))
	assert.Equal(t, []string{EventFeedback, EventTurn}, hm.ListHandlers())

	turn, _ := json.Marshal(app.ExtractRequest{ConversationRef: "c1", MessageRef: "m1", Text: "I expect the build to pass."})
	require.NoError(t, hm.Dispatch(EventTurn, "u1", turn))

	fb, _ := json.Marshal(FeedbackCapture{ConversationRef: "c1", Text: "that's wrong"})
	require.NoError(t, hm.Dispatch(EventFeedback, "u1", fb))

	byID, _ := json.Marshal(FeedbackCapture{PredictionID: "p9", Result: "correct"})
	require.NoError(t, hm.Dispatch(EventFeedback, "u1", byID))
	hm.Wait()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.turns, 1)
	assert.Equal(t, "m1", eng.turns[0].MessageRef)
	assert.Equal(t, []string{"c1"}, eng.recent)
	assert.Equal(t, []string{"p9"}, eng.byID)
	require.Len(t, eng.inputs, 2)
	for _, in := range eng.inputs {
		if in.Result == models.ResultWrong {
			assert.Equal(t, app.TriggerUserCorrection, in.TriggerType)
			assert.JSONEq(t, `{"text":"that's wrong"}`, string(in.TriggerData))
		} else {
			assert.Equal(t, app.TriggerUserFeedback, in.TriggerType)
		}
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	hm := NewHandlerManager(zap.NewNop())
	assert.Error(t, hm.Dispatch("nope", "u1", []byte(`{}`)))
}

func TestFeedbackWithoutVerdictIsIgnored(t *testing.T) {
	eng := &fakeEngine{}
	h := NewFeedbackHandler(eng)
	require.NoError(t, h.Handle(context.Background(), "u1", []byte(`{"conversation_ref":"c1","text":"ok, next question"}`)))
	assert.Empty(t, eng.inputs)
}

func TestFeedbackSwallowsNothingToResolve(t *testing.T) {
	eng := &fakeEngine{resolveE: database.NewNotFoundErrorWithID("pending prediction in conversation", "c1")}
	h := NewFeedbackHandler(eng)
	assert.NoError(t, h.Handle(context.Background(), "u1", []byte(`{"conversation_ref":"c1","result":"correct"}`)))

	eng.resolveE = database.NewConflictError("prediction", "p1", "already resolved")
	assert.NoError(t, h.Handle(context.Background(), "u1", []byte(`{"prediction_id":"p1","result":"wrong"}`)))

	eng.resolveE = errors.New("db down")
	assert.Error(t, h.Handle(context.Background(), "u1", []byte(`{"prediction_id":"p1","result":"wrong"}`)))
}

type blockingHandler struct{ release chan struct{} }

func (b blockingHandler) GetEventType() string { return "block" }
func (b blockingHandler) Handle(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatchRejectsWhenFull(t *testing.T) {
	hm := NewHandlerManager(zap.NewNop())
	hm.slots = make(chan struct{}, 1)
	hm.timeout = time.Second
	h := blockingHandler{release: make(chan struct{})}
	hm.RegisterHandler(h)

	require.NoError(t, hm.Dispatch("block", "u1", nil))
	assert.ErrorIs(t, hm.Dispatch("block", "u1", nil), ErrBusy)
	close(h.release)
	hm.Wait()
}
