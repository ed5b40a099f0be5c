package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"alin-engine/app"
	"alin-engine/config"
	"alin-engine/database"
	"alin-engine/database/dbtest"
	models "alin-engine/database/models_pkg"
	"alin-engine/handlers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	engine  *app.Engine
	capture *handlers.HandlerManager
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.Open(t)
	engine := app.NewEngine(db, nil, config.DefaultEngineConfig(), nil, zap.NewNop())
	capture := handlers.NewHandlerManager(zap.NewNop())
	capture.RegisterHandler(handlers.NewTurnHandler(engine))
	capture.RegisterHandler(handlers.NewFeedbackHandler(engine))
	srv := NewServer(engine, app.NewScheduler(engine), capture, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		capture.Wait()
		engine.Wait()
	})
	return &testServer{engine: engine, capture: capture, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestUserID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/genes?user_id=q", nil)
	assert.Equal(t, "q", userID(r))
	r.Header.Set("X-User-ID", "h")
	assert.Equal(t, "h", userID(r))
	assert.Equal(t, defaultUserID, userID(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(database.NewValidationError("f", "bad")))
	assert.Equal(t, http.StatusNotFound, statusFor(database.NewNotFoundError("gene")))
	assert.Equal(t, http.StatusConflict, statusFor(database.NewConflictError("prediction", "p", "resolved")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&app.InvalidSnapshotError{Err: database.NewValidationError("version", "bad")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestPredictionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/predictions/extract", app.ExtractRequest{
		ConversationRef: "c1",
		MessageRef:      "m1",
		Text:            "The migration will probably finish before noon.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var extracted struct {
		Predictions []models.Prediction `json:"predictions"`
		Count       int                 `json:"count"`
	}
	decode(t, rec, &extracted)
	require.Equal(t, 1, extracted.Count)
	id := extracted.Predictions[0].ID

	// same message again records nothing new
	rec = ts.do(t, http.MethodPost, "/api/predictions/extract", app.ExtractRequest{
		ConversationRef: "c1",
		MessageRef:      "m1",
		Text:            "The migration will probably finish before noon.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &extracted)
	assert.Equal(t, 0, extracted.Count)

	rec = ts.do(t, http.MethodPost, "/api/predictions/"+id+"/resolve", app.OutcomeInput{
		Result:      models.ResultCorrect,
		Severity:    "medium",
		TriggerType: app.TriggerUserFeedback,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/predictions/"+id+"/resolve", app.OutcomeInput{
		Result:      models.ResultWrong,
		Severity:    "medium",
		TriggerType: app.TriggerUserFeedback,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/predictions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.Prediction
	decode(t, rec, &p)
	assert.Equal(t, models.PredictionVerifiedRight, p.Status)

	rec = ts.do(t, http.MethodGet, "/api/predictions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGeneActionsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/genes", app.GeneInput{
		GeneText: "Double-check timezone math before quoting deadlines",
		GeneType: models.GeneTypeCaution,
		Domain:   "scheduling",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var g app.GeneView
	decode(t, rec, &g)
	assert.InDelta(t, 0.5, g.Strength, 1e-9)

	rec = ts.do(t, http.MethodPost, "/api/genes/"+g.ID+"/confirm", geneActionRequest{Reason: "held up"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &g)
	assert.InDelta(t, 0.6, g.Strength, 1e-9)

	rec = ts.do(t, http.MethodPost, "/api/genes/"+g.ID+"/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/genes", app.GeneInput{GeneText: "x", GeneType: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/genes/"+g.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail app.GeneDetail
	decode(t, rec, &detail)
	assert.Len(t, detail.AuditLog, 2)

	rec = ts.do(t, http.MethodDelete, "/api/genes/"+g.ID+"?reason=obsolete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &g)
	assert.Equal(t, models.GeneRetired, g.Status)
}

func TestKillSwitchEmptiesAddendum(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/genes", app.GeneInput{
		GeneText: "Prefer small reversible steps",
		GeneType: models.GeneTypePreference,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Addendum string `json:"addendum"`
		Empty    bool   `json:"empty"`
	}
	rec = ts.do(t, http.MethodGet, "/api/addendum?mode=private", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &resp)
	assert.False(t, resp.Empty)

	rec = ts.do(t, http.MethodPut, "/api/kill-switch", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/addendum?mode=private", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.True(t, resp.Empty)

	rec = ts.do(t, http.MethodPut, "/api/kill-switch", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/addendum?mode=loud", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotImportRejectsBadVersion(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap database.Snapshot
	decode(t, rec, &snap)
	assert.Equal(t, database.SnapshotVersion, snap.Version)

	snap.Version = 99
	rec = ts.do(t, http.MethodPost, "/api/snapshot/import", importRequest{Snapshot: &snap})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/snapshot/import", map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCaptureIsAccepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/capture/turn", app.ExtractRequest{
		ConversationRef: "c7",
		MessageRef:      "m7",
		Text:            "You should pin the dependency. It will break again otherwise.",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.capture.Wait()

	rec = ts.do(t, http.MethodGet, "/api/predictions?conversation_ref=c7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Count)

	rec = ts.do(t, http.MethodPost, "/api/capture/unknown", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleAndReports(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/lifecycle/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report app.LifecycleReport
	decode(t, rec, &report)
	assert.Empty(t, report.Errors)

	rec = ts.do(t, http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dash map[string]interface{}
	decode(t, rec, &dash)
	assert.Contains(t, dash, "last_lifecycle_run")

	rec = ts.do(t, http.MethodGet, "/api/reports/accuracy-trend?weeks=100", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/reports/weekly", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
