package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

func testConflict() model.ConflictRecord {
	return model.ConflictRecord{
		ConflictID: "conflict-1",
		EntityID:   "student/1",
		ConflictingValues: []model.FieldValue{
			{System: "master", Field: "phone", Value: model.String("111"), Timestamp: testTime(1)},
			{System: "finance", Field: "phone", Value: model.String("222"), Timestamp: testTime(2)},
		},
		Status:     model.ConflictOpen,
		DetectedAt: testTime(3),
	}
}

func TestSaveConflict_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConflict(ctx, testConflict()))

	got, err := s.LoadConflict(ctx, "conflict-1")
	require.NoError(t, err)
	assert.Equal(t, "student/1", got.EntityID)
	assert.Equal(t, model.ConflictOpen, got.Status)
	require.Len(t, got.ConflictingValues, 2)
	assert.Equal(t, model.String("222"), got.ConflictingValues[1].Value)
	assert.True(t, got.ConflictingValues[1].Timestamp.Equal(testTime(2)))
	assert.Nil(t, got.ResolvedValue)
	assert.Nil(t, got.AppliedTo)
	assert.True(t, got.ResolvedAt.IsZero())
}

func TestSaveConflict_Resolve(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := testConflict()
	require.NoError(t, s.SaveConflict(ctx, rec))

	rec.Status = model.ConflictResolved
	rec.ResolutionStrategy = model.StrategyUseMasterData
	rec.ResolvedValue = model.Object{"phone": model.String("111")}
	rec.AppliedTo = []string{"master", "finance"}
	rec.ResolvedAt = testTime(4)
	require.NoError(t, s.SaveConflict(ctx, rec))

	got, err := s.LoadConflict(ctx, "conflict-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)
	assert.Equal(t, model.StrategyUseMasterData, got.ResolutionStrategy)
	assert.Equal(t, model.Object{"phone": model.String("111")}, got.ResolvedValue)
	assert.Equal(t, []string{"master", "finance"}, got.AppliedTo)
	assert.True(t, got.ResolvedAt.Equal(testTime(4)))
}

func TestLoadConflict_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.LoadConflict(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConflictsForEntity_StatusFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	open := testConflict()
	require.NoError(t, s.SaveConflict(ctx, open))

	resolved := testConflict()
	resolved.ConflictID = "conflict-0"
	resolved.Status = model.ConflictResolved
	resolved.DetectedAt = testTime(0)
	require.NoError(t, s.SaveConflict(ctx, resolved))

	got, err := s.ConflictsForEntity(ctx, "student/1", model.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "conflict-1", got[0].ConflictID)

	all, err := s.ConflictsForEntity(ctx, "student/1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "conflict-0", all[0].ConflictID)
}
