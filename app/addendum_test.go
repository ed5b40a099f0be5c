package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"alin-engine/config"
	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddendumEmptyWithoutData(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, mode := range []string{ModePrivate, ModePublic} {
		out, err := e.BuildAddendum(ctx, "u1", mode)
		require.NoError(t, err)
		assert.Empty(t, out, mode)
	}

	_, err := e.BuildAddendum(ctx, "u1", "loud")
	assert.True(t, database.IsValidation(err))
}

func TestAddendumPrivate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	active := createGene(t, e, "u1", "coding")
	_, err := e.CreateGene(ctx, "u1", GeneInput{GeneText: "Ask before rescheduling meetings", GeneType: models.GeneTypePreference, Domain: "scheduling", RequiresReview: true})
	require.NoError(t, err)
	id := mustRecord(t, e, "u1", "m1", "The build will pass", "coding", 0.8)
	_, err = e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultCorrect})
	require.NoError(t, err)

	out, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, privateOpen))
	assert.True(t, strings.HasSuffix(out, privateClose))
	assert.Contains(t, out, "## Domain confidence map")
	assert.Contains(t, out, "- coding: accuracy")
	assert.Contains(t, out, "## Active genes")
	assert.Contains(t, out, active.GeneText)
	assert.Contains(t, out, "## Pending review")
	assert.Contains(t, out, "Ask before rescheduling meetings")
	assert.LessOrEqual(t, utf8.RuneCountInString(out), e.cfg.PrivateBudgetChars)

	e.Wait()
	d, err := e.GetGene(ctx, "u1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Gene.Applications, "rendering marks the gene applied")
	require.NotNil(t, d.Gene.LastAppliedAt)

	again, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	e.Wait()
	d, err = e.GetGene(ctx, "u1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Gene.Applications, "cached payloads are not applied again")
}

func TestAddendumRebuildsAfterGenomeChange(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	createGene(t, e, "u1", "coding")

	before, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)

	_, err = e.CreateGene(ctx, "u1", GeneInput{GeneText: "Quote sources for health claims", GeneType: models.GeneTypeCorrection, Domain: "health"})
	require.NoError(t, err)
	after, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	assert.NotContains(t, before, "Quote sources")
	assert.Contains(t, after, "Quote sources for health claims")
}

func TestAddendumRespectsBudget(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) { c.PrivateBudgetChars = 260 })
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := e.CreateGene(ctx, "u1", GeneInput{
			GeneText: fmt.Sprintf("Gene number %d keeps a long explanation about verifying assumptions", i),
			GeneType: models.GeneTypeCaution,
			Domain:   "coding",
		})
		require.NoError(t, err)
	}

	out, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 260)
	assert.True(t, strings.HasSuffix(out, privateClose), "the closing tag survives truncation")
	rendered := strings.Count(out, "Gene number")
	assert.Greater(t, rendered, 0)
	assert.Less(t, rendered, 6)

	e.Wait()
	genes, err := e.ListGenes(ctx, "u1", types.GeneFilter{})
	require.NoError(t, err)
	applied := 0
	for _, g := range genes {
		applied += g.Applications
	}
	assert.Equal(t, rendered, applied, "only rendered genes count as applied")
}

func TestAddendumPublicBootstrap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")

	out, err := e.BuildAddendum(ctx, "u1", ModePublic)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, publicOpen))
	assert.True(t, strings.HasSuffix(out, publicClose))
	assert.Contains(t, out, "Observation period until 2026-03-09")
	assert.NotContains(t, out, g.ActionDirective)
	assert.NotContains(t, out, privateOpen)
}

func TestAddendumPublicDirectives(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) { c.BootstrapDays = 0 })
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")
	for i := 0; i < 3; i++ {
		id := mustRecord(t, e, "u1", "m"+string(rune('0'+i)), "The release will ship on time", "coding", 0.9)
		_, err := e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultWrong})
		require.NoError(t, err)
	}

	out, err := e.BuildAddendum(ctx, "u1", ModePublic)
	require.NoError(t, err)
	assert.NotContains(t, out, "Observation period")
	assert.Contains(t, out, "Accuracy: coding 0% (3)")
	assert.Contains(t, out, "Caution domains: coding")
	assert.Contains(t, out, "Directives:")
	assert.Contains(t, out, "- "+g.ActionDirective)
	assert.NotContains(t, out, "## Active genes")
}

func TestKillSwitchEmptiesAddendum(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	createGene(t, e, "u1", "coding")

	out, err := e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	require.NoError(t, e.SetKillSwitch(ctx, true))
	on, err := e.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	for _, mode := range []string{ModePrivate, ModePublic} {
		out, err = e.BuildAddendum(ctx, "u1", mode)
		require.NoError(t, err)
		assert.Empty(t, out)
	}
	view, err := e.Config(ctx)
	require.NoError(t, err)
	assert.True(t, view.KillSwitch)

	require.NoError(t, e.SetKillSwitch(ctx, false))
	out, err = e.BuildAddendum(ctx, "u1", ModePrivate)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestMood(t *testing.T) {
	assert.Equal(t, "pain-dominant", Mood(models.DomainState{PainScore: 0.6, SatisfactionScore: 0.2}))
	assert.Equal(t, "satisfaction-dominant", Mood(models.DomainState{PainScore: 0.1, SatisfactionScore: 0.5}))
	assert.Equal(t, "neutral", Mood(models.DomainState{PainScore: 0.3, SatisfactionScore: 0.35}))
}
