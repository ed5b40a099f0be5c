package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("ENGINE_PRIVATE_MODE", "")
	t.Setenv("ENGINE_GENE_FLOOR", "")
	cfg := LoadFromEnv()

	assert.False(t, cfg.Engine.PrivateMode)
	assert.Equal(t, 30*time.Minute, cfg.Engine.LifecycleInterval())
	assert.Equal(t, 5*time.Minute, cfg.Engine.AddendumTTL())
	assert.Equal(t, 0.3, cfg.Engine.GeneStrengthFloor)
	assert.Equal(t, DefaultEngineConfig().GeneCap, cfg.Engine.GeneCap)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_PRIVATE_MODE", "true")
	t.Setenv("ENGINE_LIFECYCLE_INTERVAL_PRIVATE", "5")
	t.Setenv("ENGINE_GENE_FLOOR", "not-a-number")
	t.Setenv("ENGINE_WEBHOOK_URLS", "http://a.test/hook, ,http://b.test/hook")
	cfg := LoadFromEnv()

	assert.True(t, cfg.Engine.PrivateMode)
	assert.Equal(t, 5*time.Minute, cfg.Engine.LifecycleInterval())
	assert.Equal(t, 0.3, cfg.Engine.GeneStrengthFloor, "unparsable values fall back to the default")
	assert.Equal(t, []string{"http://a.test/hook", "http://b.test/hook"}, cfg.WebhookURLs)
}

func TestVocabularyResolve(t *testing.T) {
	v := DefaultVocabulary()
	tests := []struct {
		name string
		text string
		want string
	}{
		{"coding keywords", "The build will fail until the bug in this function is fixed", "coding"},
		{"scheduling keywords", "You will finish the draft before the deadline next week", "scheduling"},
		{"no keywords", "Blue skies ahead", GeneralDomain},
		{"empty", "", GeneralDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Resolve(tt.text))
		})
	}
}

func TestVocabularyResolveTieBreaksByName(t *testing.T) {
	v := &Vocabulary{Domains: map[string][]string{"zeta": {"alpha"}, "beta": {"alpha"}}}
	for i := 0; i < 20; i++ {
		assert.Equal(t, "beta", v.Resolve("alpha"))
	}
}

func TestLoadVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains:\n  Cooking: [Oven, recipe]\n  general: [x]\n"), 0o644))

	v, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"cooking": {"oven", "recipe"}}, v.Domains)
	assert.Equal(t, []string{"cooking", GeneralDomain}, v.Names())
	assert.Equal(t, "cooking", v.Resolve("Preheat the OVEN"))

	require.NoError(t, os.WriteFile(path, []byte("domains: {}\n"), 0o644))
	_, err = LoadVocabulary(path)
	assert.Error(t, err)
}

func TestVocabularyWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains:\n  a: [one]\n"), 0o644))

	reloaded := make(chan *Vocabulary, 4)
	w, err := NewVocabularyWatcher(path, func(v *Vocabulary) { reloaded <- v }, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	require.NoError(t, os.WriteFile(path, []byte("domains:\n  b: [two]\n"), 0o644))

	select {
	case v := <-reloaded:
		assert.Contains(t, v.Domains, "b")
	case <-time.After(5 * time.Second):
		t.Fatal("vocabulary was not reloaded")
	}
}
