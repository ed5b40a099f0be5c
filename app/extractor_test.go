package app

import (
	"strings"
	"testing"

	models "alin-engine/database/models_pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractClassifiesAndScoresConfidence(t *testing.T) {
	text := "You should add an index on user_id. The rollout will probably finish tonight. " +
		"There is a 85% chance the cache will warm up in time. Thanks for asking!"

	got := Extract(text)
	require.Len(t, got, 3)

	assert.Equal(t, models.PredictionTypeRecommendation, got[0].Type)
	assert.Equal(t, "You should add an index on user_id", got[0].Text)
	assert.InDelta(t, 0.7, got[0].Confidence, 1e-9, "should is a likely-tier hedge")

	assert.Equal(t, models.PredictionTypeForecast, got[1].Type)
	assert.InDelta(t, 0.7, got[1].Confidence, 1e-9)

	assert.InDelta(t, 0.85, got[2].Confidence, 1e-9, "explicit percentage wins over hedges")
}

func TestExtractIsDeterministicAndDeduplicates(t *testing.T) {
	text := "It will rain tomorrow.\nIT WILL RAIN TOMORROW!\n- It will rain tomorrow"
	first := Extract(text)
	assert.Len(t, first, 1)
	assert.Equal(t, first, Extract(text))
}

func TestExtractEdgeCases(t *testing.T) {
	assert.Empty(t, Extract(""))
	assert.Empty(t, Extract("   \n\t"))
	assert.Empty(t, Extract("Hello. How are you doing today?"))
	assert.Empty(t, Extract("```\nthis will never be parsed as a prediction\n```"))

	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("Build number ")
		b.WriteString(strings.Repeat("x", i+1))
		b.WriteString(" will pass. ")
	}
	assert.Len(t, Extract(b.String()), MaxCandidates)
}

func TestStatedConfidenceTiers(t *testing.T) {
	cases := map[string]float64{
		"This will definitely work":          0.9,
		"It might break under load":          0.4,
		"I doubt the vendor ships on time":   0.2,
		"The tests will pass after the fix":  defaultConfidence,
		"There's a 30 percent chance of it":  0.3,
		"I'm 150% sure the build will break": defaultConfidence,
	}
	for text, want := range cases {
		assert.InDelta(t, want, statedConfidence(text), 1e-9, text)
	}
}
