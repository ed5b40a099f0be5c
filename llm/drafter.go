package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alin-engine/cache"
	models "alin-engine/database/models_pkg"
	"alin-engine/helpers"

	"go.uber.org/zap"
)

const (
	draftSystemMessage = "You rewrite behavioral rules for an AI assistant. " +
		"Keep the meaning of the rule, keep it to one or two sentences, address the assistant in the second person, " +
		"and never invent facts that are not in the input. Reply with the rule only."
	maxDraftChars  = 400
	draftTTL       = 24 * time.Hour
	failedCooldown = 10 * time.Minute
	// bad key, unknown model and similar errors will not fix themselves soon
	rejectedCooldown = 6 * time.Hour
)

var draftSampling = Sampling{Temperature: 0.3, MaxTokens: 200}

// Drafter phrases suggested genes through the model, falling back to the
// template whenever the model is unavailable
type Drafter struct {
	client *Client
	cache  *cache.DraftCache
	logger *zap.Logger
}

// NewDrafter creates a gene drafter; draftCache may be nil
func NewDrafter(client *Client, draftCache *cache.DraftCache, logger *zap.Logger) *Drafter {
	if draftCache == nil {
		draftCache = cache.NewDraftCache(nil, draftTTL)
	}
	return &Drafter{client: client, cache: draftCache, logger: logger.Named("llm")}
}

// FormatDraftPrompt renders the user prompt for one confirmed pattern
func FormatDraftPrompt(p *models.ConsequencePattern, template string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Observed pattern (%s) in domain %q, seen %d times, confidence %s.\n",
		strings.ReplaceAll(p.PatternType, "_", " "), p.Domain, p.Frequency, helpers.FormatPercent(p.Confidence))
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(&b, "Draft rule: %s\n", template)
	b.WriteString("Rewrite the draft rule so it is specific and actionable.")
	return b.String()
}

// DraftGene returns a model-phrased gene text for a confirmed pattern
func (d *Drafter) DraftGene(ctx context.Context, p *models.ConsequencePattern, template string) (string, error) {
	hash := cache.GenerateDataHash([]interface{}{p.PatternType, p.Domain, p.Frequency, template})
	if draft, ok := d.cache.GetDraft(ctx, p.PatternSignature, hash); ok {
		return draft, nil
	}
	if d.cache.IsInCooldown(ctx, p.PatternSignature) {
		return "", fmt.Errorf("drafting paused for pattern %s", p.PatternSignature)
	}

	out, err := d.client.Complete(ctx, draftSystemMessage, FormatDraftPrompt(p, template), draftSampling)
	if err != nil {
		_ = d.cache.SetCooldown(ctx, p.PatternSignature, cooldownFor(err))
		return "", err
	}

	draft := helpers.Truncate(strings.Trim(strings.TrimSpace(out), `"`), maxDraftChars)
	if draft == "" {
		return "", fmt.Errorf("empty draft")
	}
	if err := d.cache.SetDraft(ctx, p.PatternSignature, hash, draft, draftTTL); err != nil {
		d.logger.Debug("draft cache write failed", zap.Error(err))
	}
	return draft, nil
}

func cooldownFor(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return rejectedCooldown
	}
	return failedCooldown
}
