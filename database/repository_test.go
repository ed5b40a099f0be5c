package database_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"alin-engine/database"
	"alin-engine/database/dbtest"
	models "alin-engine/database/models_pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()

	_, ok, err := db.GetFlag(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	on, err := db.KillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, on, "kill switch defaults to off")
	require.NoError(t, db.SetKillSwitch(ctx, true))
	on, err = db.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	require.NoError(t, db.SetKillSwitch(ctx, false))
	on, err = db.KillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stored, err := db.SetFlagIfAbsent(ctx, database.FlagBootstrapUntil, first.Format(time.RFC3339Nano))
	require.NoError(t, err)
	assert.Equal(t, first.Format(time.RFC3339Nano), stored)
	stored, err = db.SetFlagIfAbsent(ctx, database.FlagBootstrapUntil, first.Add(time.Hour).Format(time.RFC3339Nano))
	require.NoError(t, err)
	assert.Equal(t, first.Format(time.RFC3339Nano), stored, "the first writer wins")

	until, err := db.GetTimeFlag(ctx, database.FlagBootstrapUntil)
	require.NoError(t, err)
	assert.True(t, until.Equal(first))

	zero, err := db.GetTimeFlag(ctx, database.FlagLastLifecycleRun)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	require.NoError(t, db.SetFlag(ctx, database.FlagLastLifecycleRun, "yesterday"))
	_, err = db.GetTimeFlag(ctx, database.FlagLastLifecycleRun)
	var dbErr *database.DBError
	assert.True(t, errors.As(err, &dbErr))

	require.NoError(t, db.Ping(ctx))
	assert.Equal(t, "sqlite", db.Dialect())
}

func TestErrorClassification(t *testing.T) {
	nf := fmt.Errorf("lookup: %w", database.NewNotFoundErrorWithID("gene", "g1"))
	assert.True(t, database.IsNotFound(nf))
	assert.False(t, database.IsConflict(nf))
	assert.EqualError(t, errors.Unwrap(nf), "gene not found: g1")

	v := database.NewValidationErrorWithValue("strength", "must be within [0,1]", 2)
	assert.True(t, database.IsValidation(v))
	assert.EqualError(t, v, "validation failed for field 'strength': must be within [0,1] (value: 2)")

	c := database.NewConflictError("prediction", "p1", "already resolved")
	assert.True(t, database.IsConflict(c))
	assert.EqualError(t, c, "prediction p1: already resolved")

	assert.NoError(t, database.WrapDBError("op", nil))
	wrapped := database.WrapDBError("op", c)
	assert.True(t, database.IsConflict(wrapped))
}

func TestHashText(t *testing.T) {
	assert.Len(t, database.HashText("x"), 64)
	assert.Equal(t, database.HashText("It will rain"), database.HashText("It will rain"))
	assert.NotEqual(t, database.HashText("It will rain"), database.HashText("it will rain"))
}

func TestValidateSnapshot(t *testing.T) {
	valid := func() *database.Snapshot {
		return &database.Snapshot{
			Version: database.SnapshotVersion,
			Genes: []models.BehavioralGene{
				{ID: "g1", GeneText: "Verify first.", Strength: 0.5, Status: models.GeneActive},
			},
			DomainStates: []models.DomainState{
				{Domain: "coding", PainScore: 0.2, SatisfactionScore: 0.4, PredictionAccuracy: 0.5},
			},
		}
	}
	require.NoError(t, database.ValidateSnapshot(valid()))

	tests := []struct {
		name   string
		mutate func(s *database.Snapshot)
	}{
		{"version", func(s *database.Snapshot) { s.Version = 99 }},
		{"gene without id", func(s *database.Snapshot) { s.Genes[0].ID = "" }},
		{"duplicate gene", func(s *database.Snapshot) { s.Genes = append(s.Genes, s.Genes[0]) }},
		{"strength range", func(s *database.Snapshot) { s.Genes[0].Strength = 1.5 }},
		{"gene status", func(s *database.Snapshot) { s.Genes[0].Status = "sleeping" }},
		{"duplicate domain", func(s *database.Snapshot) { s.DomainStates = append(s.DomainStates, s.DomainStates[0]) }},
		{"score range", func(s *database.Snapshot) { s.DomainStates[0].PainScore = -0.1 }},
		{"negative counter", func(s *database.Snapshot) { s.DomainStates[0].WrongPredictions = -1 }},
		{"duplicate statement", func(s *database.Snapshot) {
			p := models.Prediction{ID: "p1", MessageRef: "m1", Text: "It will rain", Status: models.PredictionPending}
			q := p
			q.ID = "p2"
			s.Predictions = []models.Prediction{p, q}
		}},
		{"duplicate signature", func(s *database.Snapshot) {
			p := models.ConsequencePattern{ID: "c1", Domain: "coding", PatternSignature: "abc", Status: models.PatternEmerging}
			q := p
			q.ID = "c2"
			s.Patterns = []models.ConsequencePattern{p, q}
		}},
		{"audit without gene", func(s *database.Snapshot) { s.AuditLog = []models.GeneAuditEntry{{ID: "a1"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.True(t, database.IsValidation(database.ValidateSnapshot(s)))
		})
	}

	assert.True(t, database.IsValidation(database.ValidateSnapshot(nil)))
}
