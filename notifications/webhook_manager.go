package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"alin-engine/cache"
	models "alin-engine/database/models_pkg"
	"alin-engine/helpers"

	"go.uber.org/zap"
)

// Notice kinds
const (
	KindGeneProposed = "gene_proposed"
	KindGeneDormant  = "gene_dormant"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 2 * time.Second
	dedupWindow       = time.Hour
)

// WebhookManager posts review notifications to the configured URLs
type WebhookManager struct {
	urls       []string
	redis      *cache.RedisClient
	client     *http.Client
	logger     *zap.Logger
	retries    int
	retryDelay time.Duration
	inflight   sync.WaitGroup
}

// WebhookPayload represents the JSON payload sent to webhooks
type WebhookPayload struct {
	Kind       string    `json:"kind"`
	GeneID     string    `json:"gene_id"`
	UserID     string    `json:"user_id"`
	Domain     string    `json:"domain"`
	GeneType   string    `json:"gene_type"`
	Status     string    `json:"status"`
	Strength   float64   `json:"strength"`
	GeneText   string    `json:"gene_text"`
	Risk       string    `json:"regression_risk,omitempty"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewWebhookManager creates a new webhook manager. redis may be nil; when
// present it keeps several engine processes from sending the same notice.
func NewWebhookManager(urls []string, redis *cache.RedisClient, logger *zap.Logger) *WebhookManager {
	return &WebhookManager{
		urls:  urls,
		redis: redis,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:     logger.Named("webhooks"),
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
}

// NotifyGene sends a notice about gene to every webhook without blocking
func (wm *WebhookManager) NotifyGene(ctx context.Context, kind string, gene *models.BehavioralGene) {
	if len(wm.urls) == 0 || gene == nil {
		return
	}

	dedupKey := fmt.Sprintf("engine:webhook:%s:%s", kind, gene.ID)
	first, err := wm.redis.SetNX(ctx, dedupKey, time.Now().Unix(), dedupWindow)
	if err != nil {
		wm.logger.Debug("webhook dedup check failed", zap.Error(err))
	} else if !first {
		return
	}

	payloadBytes, err := json.Marshal(CreatePayload(kind, gene, time.Now().UTC()))
	if err != nil {
		wm.logger.Warn("failed to marshal webhook payload", zap.Error(err))
		return
	}

	for _, url := range wm.urls {
		wm.inflight.Add(1)
		go func(url string) {
			defer wm.inflight.Done()
			wm.deliverWebhook(url, gene.ID, payloadBytes)
		}(url)
	}
}

// CreatePayload generates the webhook payload for a gene notice
func CreatePayload(kind string, gene *models.BehavioralGene, now time.Time) WebhookPayload {
	var message string
	switch kind {
	case KindGeneDormant:
		message = fmt.Sprintf("Gene went dormant in %s at strength %s after %d contradictions: %s",
			gene.Domain, helpers.FormatPercent(gene.Strength), gene.Contradictions, helpers.Truncate(gene.GeneText, 200))
	default:
		message = fmt.Sprintf("New %s gene awaiting review in %s (risk %s): %s",
			gene.GeneType, gene.Domain, gene.RegressionRisk, helpers.Truncate(gene.GeneText, 200))
	}

	return WebhookPayload{
		Kind:       kind,
		GeneID:     gene.ID,
		UserID:     gene.UserID,
		Domain:     gene.Domain,
		GeneType:   gene.GeneType,
		Status:     gene.Status,
		Strength:   gene.Strength,
		GeneText:   gene.GeneText,
		Risk:       gene.RegressionRisk,
		Message:    message,
		DetectedAt: now,
	}
}

func (wm *WebhookManager) deliverWebhook(url, geneID string, payload []byte) {
	var lastErr error
	for attempt := 1; attempt <= wm.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), wm.client.Timeout)
		lastErr = wm.post(ctx, url, payload)
		cancel()
		if lastErr == nil {
			wm.logger.Debug("webhook delivered", zap.String("url", url), zap.String("gene_id", geneID), zap.Int("attempt", attempt))
			return
		}
		if attempt < wm.retries {
			time.Sleep(wm.retryDelay * time.Duration(attempt))
		}
	}
	wm.logger.Warn("webhook delivery failed",
		zap.String("url", url), zap.String("gene_id", geneID), zap.Int("attempts", wm.retries), zap.Error(lastErr))
}

func (wm *WebhookManager) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alin-engine-webhooks/1.0")

	resp, err := wm.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish
func (wm *WebhookManager) Wait() {
	wm.inflight.Wait()
}
