package app

import (
	"context"
	"testing"
	"time"

	"alin-engine/database"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createGene(t *testing.T, e *Engine, user, domain string) *GeneView {
	t.Helper()
	g, err := e.CreateGene(context.Background(), user, GeneInput{
		GeneText:        "Double-check migrations before promising a deploy date",
		GeneType:        models.GeneTypeCaution,
		Domain:          domain,
		ActionDirective: "Verify the migration plan before estimating.",
	})
	require.NoError(t, err)
	return g
}

func TestGeneStrengthMovesWithEvidence(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")
	assert.InDelta(t, 0.5, g.Strength, 1e-9)
	assert.Equal(t, models.GeneActive, g.Status)

	var err error
	for i := 0; i < 3; i++ {
		g, err = e.ConfirmGene(ctx, "u1", g.ID, "", "")
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.8, g.Strength, 1e-9)
	assert.Equal(t, 3, g.Confirmations)
	assert.Equal(t, 3, g.Applications)
	require.NotNil(t, g.LastAppliedAt)

	g, err = e.ContradictGene(ctx, "u1", g.ID, "", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, g.Strength, 1e-9)
	assert.Equal(t, models.GeneActive, g.Status)
	assert.InDelta(t, 0.75, g.Effectiveness, 1e-9)

	for i := 0; i < 3; i++ {
		g, err = e.ConfirmGene(ctx, "u1", g.ID, "", "")
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.95, g.Strength, 1e-9)
	g, err = e.ConfirmGene(ctx, "u1", g.ID, "", "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, g.Strength, 1e-9, "strength is capped")

	detail, err := e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.Len(t, detail.AuditLog, 9, "one create plus one entry per operation")
}

func TestGeneGoesDormant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")

	want := []struct {
		strength float64
		status   string
	}{
		{0.35, models.GeneActive},
		{0.2, models.GeneActive},
		{0.05, models.GeneDormant},
		{0, models.GeneDormant},
	}
	for _, w := range want {
		var err error
		g, err = e.ContradictGene(ctx, "u1", g.ID, "", "")
		require.NoError(t, err)
		assert.InDelta(t, w.strength, g.Strength, 1e-9)
		assert.Equal(t, w.status, g.Status)
	}

	g, err := e.ApproveGene(ctx, "u1", g.ID, "back in play", "")
	require.NoError(t, err)
	assert.Equal(t, models.GeneActive, g.Status)
	assert.Equal(t, "back in play", g.ReviewNotes)

	_, err = e.ApproveGene(ctx, "u1", g.ID, "", "")
	assert.True(t, database.IsConflict(err), "active genes cannot be approved again")
}

func TestMutateKeepsHistory(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")
	original := g.GeneText

	_, err := e.MutateGene(ctx, "u1", g.ID, MutateInput{})
	assert.True(t, database.IsValidation(err))

	g, err = e.MutateGene(ctx, "u1", g.ID, MutateInput{GeneText: "Confirm the schema diff first", Reason: "sharper"})
	require.NoError(t, err)
	assert.Equal(t, "Confirm the schema diff first", g.GeneText)
	assert.Equal(t, "Verify the migration plan before estimating.", g.ActionDirective)
	require.Len(t, g.MutationHistory, 1)
	assert.Equal(t, original, g.MutationHistory[0].GeneText)
	assert.Equal(t, "sharper", g.MutationHistory[0].Reason)

	g, err = e.DeleteGene(ctx, "u1", g.ID, "obsolete", "")
	require.NoError(t, err)
	assert.Equal(t, models.GeneRetired, g.Status)

	_, err = e.MutateGene(ctx, "u1", g.ID, MutateInput{GeneText: "again"})
	assert.True(t, database.IsConflict(err))
	_, err = e.ConfirmGene(ctx, "u1", g.ID, "", "")
	assert.True(t, database.IsNotFound(err), "retired genes take no evidence")
	_, err = e.DeleteGene(ctx, "u1", g.ID, "", "")
	assert.True(t, database.IsNotFound(err))

	detail, err := e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	actions := map[string]int{}
	for _, a := range detail.AuditLog {
		actions[a.Action]++
	}
	assert.Equal(t, map[string]int{models.AuditCreate: 1, models.AuditMutate: 1, models.AuditDelete: 1}, actions)
}

func TestCreateGeneValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	bad := []GeneInput{
		{GeneType: models.GeneTypeCaution},
		{GeneText: "x", GeneType: "superstition"},
		{GeneText: "x", GeneType: models.GeneTypeCaution, Status: models.GeneRetired},
		{GeneText: "x", GeneType: models.GeneTypeCaution, Strength: fptr(1.5)},
	}
	for _, in := range bad {
		_, err := e.CreateGene(ctx, "u1", in)
		assert.True(t, database.IsValidation(err), "%+v", in)
	}

	parent := "missing"
	_, err := e.CreateGene(ctx, "u1", GeneInput{GeneText: "x", GeneType: models.GeneTypePreference, ParentGeneRef: &parent})
	assert.True(t, database.IsNotFound(err))

	g, err := e.CreateGene(ctx, "u1", GeneInput{GeneText: "Prefer short answers", GeneType: models.GeneTypePreference, RequiresReview: true})
	require.NoError(t, err)
	assert.Equal(t, models.GenePendingReview, g.Status)
	assert.Equal(t, "general", g.Domain)

	_, err = e.ListGenes(ctx, "u1", types.GeneFilter{Status: "sleepy"})
	assert.True(t, database.IsValidation(err))
	_, err = e.GetGene(ctx, "u2", g.ID)
	assert.True(t, database.IsNotFound(err), "genes are scoped to their user")
}

func TestOutcomesFeedAppliedGenes(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	coding := createGene(t, e, "u1", "coding")
	general := createGene(t, e, "u1", "")
	finance := createGene(t, e, "u1", "finance")
	idle := createGene(t, e, "u1", "coding")
	for _, id := range []string{coding.ID, general.ID, finance.ID} {
		_, err := e.ApplyGene(ctx, "u1", id, ActorAddendum)
		require.NoError(t, err)
	}

	c.Advance(time.Hour)
	id := mustRecord(t, e, "u1", "m1", "The refactor will land today", "coding", 0.7)
	_, err := e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultWrong})
	require.NoError(t, err)

	strength := func(id string) float64 {
		d, err := e.GetGene(ctx, "u1", id)
		require.NoError(t, err)
		return d.Gene.Strength
	}
	assert.InDelta(t, 0.35, strength(coding.ID), 1e-9)
	assert.InDelta(t, 0.35, strength(general.ID), 1e-9)
	assert.InDelta(t, 0.5, strength(finance.ID), 1e-9, "other domains are untouched")
	assert.InDelta(t, 0.5, strength(idle.ID), 1e-9, "never applied")

	d, err := e.GetGene(ctx, "u1", coding.ID)
	require.NoError(t, err)
	last := d.AuditLog[0]
	for _, a := range d.AuditLog {
		if a.CreatedAt.After(last.CreatedAt) {
			last = a
		}
	}
	assert.Equal(t, models.AuditContradict, last.Action)
	assert.Equal(t, ActorEvidence, last.Actor)
}

func TestEvidenceWindowExpires(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()
	g := createGene(t, e, "u1", "coding")
	_, err := e.ApplyGene(ctx, "u1", g.ID, ActorAddendum)
	require.NoError(t, err)

	c.Advance(time.Duration(e.cfg.EvidenceWindowHours+1) * time.Hour)
	id := mustRecord(t, e, "u1", "m1", "The build will pass", "coding", 0.7)
	_, err = e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultCorrect})
	require.NoError(t, err)

	d, err := e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d.Gene.Strength, 1e-9)
}

func TestConfirmationDoesNotExtendEvidenceWindow(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()
	window := time.Duration(e.cfg.EvidenceWindowHours) * time.Hour
	g := createGene(t, e, "u1", "coding")
	_, err := e.ApplyGene(ctx, "u1", g.ID, ActorAddendum)
	require.NoError(t, err)

	// a verdict late in the window confirms the gene
	c.Advance(window - time.Hour)
	id := mustRecord(t, e, "u1", "m1", "The build will pass", "coding", 0.7)
	_, err = e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultCorrect})
	require.NoError(t, err)
	d, err := e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, d.Gene.Strength, 1e-9)
	require.NotNil(t, d.Gene.LastAppliedAt)
	assert.True(t, d.Gene.LastAppliedAt.Equal(c.Now()))

	// past the window measured from the application, not the confirmation
	c.Advance(2 * time.Hour)
	id = mustRecord(t, e, "u1", "m2", "The deploy will fail", "coding", 0.7)
	_, err = e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultWrong})
	require.NoError(t, err)
	d, err = e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, d.Gene.Strength, 1e-9, "no evidence without a fresh application")
	assert.Zero(t, d.Gene.Contradictions)

	// applying again reopens it
	_, err = e.ApplyGene(ctx, "u1", g.ID, ActorAddendum)
	require.NoError(t, err)
	id = mustRecord(t, e, "u1", "m3", "The tests will go green", "coding", 0.7)
	_, err = e.ResolveByID(ctx, "u1", id, OutcomeInput{Result: models.ResultWrong})
	require.NoError(t, err)
	d, err = e.GetGene(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, d.Gene.Strength, 1e-9)
}
