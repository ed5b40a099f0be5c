package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"alin-engine/config"
	"alin-engine/database"
	"alin-engine/database/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// clock is a settable time source for engine tests
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Broadcast(event string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, tweak ...func(*config.EngineConfig)) (*Engine, *clock) {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	e := NewEngine(dbtest.Open(t), nil, cfg, nil, zap.NewNop())
	c := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	e.now = c.Now
	t.Cleanup(e.Wait)
	return e, c
}

func mustRecord(t *testing.T, e *Engine, user, msg, text, domain string, confidence float64) string {
	t.Helper()
	p, created, err := e.RecordPrediction(context.Background(), user, RecordRequest{
		ConversationRef: "conv-" + user,
		MessageRef:      msg,
		Text:            text,
		Domain:          domain,
		Confidence:      &confidence,
	})
	require.NoError(t, err)
	require.True(t, created)
	return p.ID
}

func fptr(v float64) *float64 { return &v }

func TestConfigStartsBootstrapOnce(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()
	start := c.Now()

	view, err := e.Config(ctx)
	require.NoError(t, err)
	assert.True(t, view.BootstrapActive)
	assert.True(t, view.BootstrapUntil.Equal(start.Add(7*24*time.Hour)))
	assert.False(t, view.IsPrivate)
	assert.Contains(t, view.Domains, "coding")
	assert.Equal(t, PatternCount(), view.PredictionPatternCount)
	assert.Equal(t, 13, view.DomainKeywordCoverage["coding"])

	c.Advance(8 * 24 * time.Hour)
	e.HandleInvalidation(database.Invalidation{Scope: "config"})
	view, err = e.Config(ctx)
	require.NoError(t, err)
	assert.False(t, view.BootstrapActive)
	assert.True(t, view.BootstrapUntil.Equal(start.Add(7*24*time.Hour)), "window is fixed on first read")
}

func TestSetKillSwitchRefreshesConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &recorder{}
	e.SetEventPublisher(rec)
	ctx := context.Background()

	view, err := e.Config(ctx)
	require.NoError(t, err)
	assert.False(t, view.KillSwitch)

	require.NoError(t, e.SetKillSwitch(ctx, true))
	view, err = e.Config(ctx)
	require.NoError(t, err)
	assert.True(t, view.KillSwitch)
	assert.True(t, rec.has(EventKillSwitch))

	on, err := e.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestSetVocabularyRefreshesConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Config(ctx)
	require.NoError(t, err)

	e.SetVocabulary(&config.Vocabulary{Domains: map[string][]string{"gardening": {"soil", "seed"}}})
	view, err := e.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gardening", config.GeneralDomain}, view.Domains)
	assert.Equal(t, map[string]int{"gardening": 2}, view.DomainKeywordCoverage)
}
