package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mail-ledger/models"
)

func TestCreateRunAssignsIncreasingVersions(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	set, _ := seedSet(t, db, "versions", 2)
	mc := seedModelConfig(t, db)

	first, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptText: "extract",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, models.RunStatusPending, first.Status)
	assert.Equal(t, "v1", first.SoftwareVersion)

	second, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptText: "extract",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
}

func TestCreateRunRejectsDuplicate(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	set, _ := seedSet(t, db, "dupes", 2)
	mc := seedModelConfig(t, db)

	run, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptText: "extract",
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(run).Update("status", models.RunStatusCompleted).Error)

	_, err = registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptText: "extract",
	})
	assert.ErrorIs(t, err, ErrDuplicateRun)
}

func TestCreateRunResolvesPrompt(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	set, _ := seedSet(t, db, "prompts", 1)
	mc := seedModelConfig(t, db)

	fallback := models.Prompt{Name: "default", Text: "default text", IsDefault: true}
	require.NoError(t, db.Create(&fallback).Error)
	named := models.Prompt{Name: "strict", Text: "strict text"}
	require.NoError(t, db.Create(&named).Error)

	// Literal override wins over everything.
	run, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptText: "override text",
	})
	require.NoError(t, err)
	assert.Equal(t, "override text", run.PromptText)
	assert.Nil(t, run.PromptID)

	// Explicit prompt id snapshots that prompt's text.
	run, err = registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID, PromptID: &named.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "strict text", run.PromptText)
	require.NotNil(t, run.PromptID)
	assert.Equal(t, named.ID, *run.PromptID)

	// Nothing given falls back to the default prompt.
	run, err = registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: mc.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "default text", run.PromptText)
	require.NotNil(t, run.PromptID)
	assert.Equal(t, fallback.ID, *run.PromptID)
}

func TestCreateRunUnknownReferences(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	set, _ := seedSet(t, db, "missing", 1)
	mc := seedModelConfig(t, db)

	_, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: 9999, ModelConfigID: mc.ID, PromptText: "x",
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = registry.CreateRun(context.Background(), CreateRunInput{
		SetID: set.ID, ModelConfigID: 9999, PromptText: "x",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRunRejectsEmptySet(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	mc := seedModelConfig(t, db)

	empty := models.EmailSet{Name: "nothing-to-extract"}
	require.NoError(t, db.Create(&empty).Error)

	_, err := registry.CreateRun(context.Background(), CreateRunInput{
		SetID: empty.ID, ModelConfigID: mc.ID, PromptText: "x",
	})
	assert.ErrorIs(t, err, ErrNoEmails)

	var runCount int64
	require.NoError(t, db.Model(&models.ExtractionRun{}).
		Where("email_set_id = ?", empty.ID).Count(&runCount).Error)
	assert.Equal(t, int64(0), runCount)
}

func TestCheckEligibility(t *testing.T) {
	db := newTestDB(t)
	registry := NewRunRegistry(db, testConfig(), zap.NewNop())
	mc := seedModelConfig(t, db)

	empty := models.EmailSet{Name: "empty"}
	require.NoError(t, db.Create(&empty).Error)
	eligibility, err := registry.CheckEligibility(context.Background(), empty.ID, mc.ID)
	require.NoError(t, err)
	assert.False(t, eligibility.Eligible)
	assert.Equal(t, "no_emails", eligibility.Reason)

	set, _ := seedSet(t, db, "eligible", 3)
	eligibility, err = registry.CheckEligibility(context.Background(), set.ID, mc.ID)
	require.NoError(t, err)
	assert.True(t, eligibility.Eligible)
	assert.Equal(t, int64(3), eligibility.PendingEmails)

	seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	eligibility, err = registry.CheckEligibility(context.Background(), set.ID, mc.ID)
	require.NoError(t, err)
	assert.False(t, eligibility.Eligible)
	assert.Equal(t, "already_extracted", eligibility.Reason)
}
