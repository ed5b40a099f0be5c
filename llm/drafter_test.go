package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	models "alin-engine/database/models_pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatServer(t *testing.T, status int, reply string, finish ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 || req.Model != "m" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "overloaded", status)
			return
		}
		reason := "stop"
		if len(finish) > 0 {
			reason = finish[0]
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"index": 0, "message": Message{Role: "assistant", Content: reply}, "finish_reason": reason},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testPattern() *models.ConsequencePattern {
	return &models.ConsequencePattern{
		ID:               "p1",
		PatternSignature: "abcdef0123456789",
		PatternType:      models.PatternFailureMode,
		Domain:           "coding",
		Frequency:        3,
		Confidence:       0.5,
		Description:      "wrong outcomes after user feedback in coding",
	}
}

func TestDraftGeneCaches(t *testing.T) {
	srv, hits := chatServer(t, http.StatusOK, `  "Check the migration plan before you promise a date."  `)
	d := NewDrafter(NewClient(srv.URL, "key", "m"), nil, zap.NewNop())
	ctx := context.Background()

	out, err := d.DraftGene(ctx, testPattern(), "template text")
	require.NoError(t, err)
	assert.Equal(t, "Check the migration plan before you promise a date.", out)

	again, err := d.DraftGene(ctx, testPattern(), "template text")
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, int32(1), hits.Load())

	_, err = d.DraftGene(ctx, testPattern(), "another template")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "a different input is drafted again")
}

func TestDraftGeneCoolsDownAfterFailure(t *testing.T) {
	srv, hits := chatServer(t, http.StatusServiceUnavailable, "")
	d := NewDrafter(NewClient(srv.URL, "key", "m"), nil, zap.NewNop())
	ctx := context.Background()

	_, err := d.DraftGene(ctx, testPattern(), "template text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 503")

	_, err = d.DraftGene(ctx, testPattern(), "template text")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "no calls while cooling down")
}

func TestDraftGeneRejectsEmptyReply(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, `""`)
	d := NewDrafter(NewClient(srv.URL, "key", "m"), nil, zap.NewNop())
	_, err := d.DraftGene(context.Background(), testPattern(), "template text")
	assert.EqualError(t, err, "empty draft")
}

func TestCompleteRejectsTruncatedReply(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "Check the migration plan before you", "length")
	_, err := NewClient(srv.URL+"/", "key", "m").Complete(context.Background(), "sys", "prompt", draftSampling)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCooldownDependsOnError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusTooManyRequests, "")
	_, err := NewClient(srv.URL, "key", "m").Complete(context.Background(), "sys", "prompt", draftSampling)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, failedCooldown, cooldownFor(err))

	assert.Equal(t, rejectedCooldown, cooldownFor(&APIError{Status: http.StatusUnauthorized}))
	assert.Equal(t, failedCooldown, cooldownFor(errors.New("connection refused")))
}

func TestFormatDraftPrompt(t *testing.T) {
	prompt := FormatDraftPrompt(testPattern(), "Slow down.")
	assert.Contains(t, prompt, `Observed pattern (failure mode) in domain "coding", seen 3 times, confidence 50%.`)
	assert.Contains(t, prompt, "Description: wrong outcomes after user feedback in coding")
	assert.Contains(t, prompt, "Draft rule: Slow down.")
}
