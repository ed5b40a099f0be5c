package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	models "alin-engine/database/models_pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGene() *models.BehavioralGene {
	return &models.BehavioralGene{
		ID:             "gene-1",
		UserID:         "u1",
		Domain:         "finance",
		GeneType:       models.GeneTypeCaution,
		Status:         models.GenePendingReview,
		Strength:       0.5,
		GeneText:       "Double-check rate assumptions before forecasting.",
		RegressionRisk: "medium",
	}
}

func TestNotifyGeneDeliversPayload(t *testing.T) {
	var mu sync.Mutex
	var got []WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wm := NewWebhookManager([]string{srv.URL, srv.URL}, nil, zap.NewNop())
	wm.NotifyGene(context.Background(), KindGeneProposed, testGene())
	wm.Wait()

	require.Len(t, got, 2)
	assert.Equal(t, KindGeneProposed, got[0].Kind)
	assert.Equal(t, "gene-1", got[0].GeneID)
	assert.Contains(t, got[0].Message, "awaiting review in finance")
}

func TestNotifyGeneRetriesThenGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wm := NewWebhookManager([]string{srv.URL}, nil, zap.NewNop())
	wm.retryDelay = time.Millisecond
	wm.NotifyGene(context.Background(), KindGeneDormant, testGene())
	wm.Wait()

	assert.Equal(t, int32(defaultRetries), atomic.LoadInt32(&calls))
}

func TestNotifyGeneWithoutURLsIsNoop(t *testing.T) {
	wm := NewWebhookManager(nil, nil, zap.NewNop())
	wm.NotifyGene(context.Background(), KindGeneProposed, testGene())
	wm.Wait()
}

func TestCreatePayloadDormantMessage(t *testing.T) {
	g := testGene()
	g.Status = models.GeneDormant
	g.Strength = 0.05
	g.Contradictions = 3
	p := CreatePayload(KindGeneDormant, g, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "Gene went dormant in finance at strength 5% after 3 contradictions: Double-check rate assumptions before forecasting.", p.Message)
	assert.Equal(t, models.GeneDormant, p.Status)
}
