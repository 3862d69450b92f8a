package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mail-ledger/models"
)

func newTestSynthesizer(db *gorm.DB) *Synthesizer {
	return NewSynthesizer(db, testConfig(), zap.NewNop())
}

func seedCompletedQaRun(t *testing.T, db *gorm.DB, run *models.ExtractionRun) *models.QaRun {
	t.Helper()
	qaRun := models.QaRun{
		SourceRunID: run.ID,
		EmailSetID:  run.EmailSetID,
		Status:      models.QaRunStatusCompleted,
	}
	require.NoError(t, db.Create(&qaRun).Error)
	return &qaRun
}

func acceptResult(t *testing.T, db *gorm.DB, result *models.QaResult, fields map[string]any) {
	t.Helper()
	issues := decodeFieldIssues(result.FieldIssues)
	accepted := datatypes.JSONMap{}
	for k, v := range fields {
		accepted[k] = v
	}
	require.NoError(t, db.Model(result).Updates(map[string]any{
		"accepted_fields": accepted,
		"status":          DeriveStatus(issues, accepted),
	}).Error)
}

func TestSynthesizeAppliesAcceptedCorrections(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "synth", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	require.NoError(t, db.Model(run).UpdateColumns(map[string]any{
		"emails_processed": 1,
	}).Error)

	amount := 100.0
	corrected := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Amount = &amount
	})
	untouched := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Type = "sell"
		tx.Symbol = "MSFT"
	})

	qaRun := seedCompletedQaRun(t, db, reloadRun(t, db, run.ID))
	result := seedQaResult(t, db, qaRun.ID, corrected.ID, emails[0].ID,
		[]FieldIssue{{Field: "amount", SuggestedValue: 150.0}})
	acceptResult(t, db, result, map[string]any{"amount": true})

	synthesizer := newTestSynthesizer(db)
	newRun, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	assert.True(t, newRun.IsSynthesized)
	assert.Equal(t, models.SynthesisTypeQaCorrections, newRun.SynthesisType)
	assert.Equal(t, models.RunStatusCompleted, newRun.Status)
	assert.Equal(t, run.Version+1, newRun.Version)
	assert.Equal(t, 2, newRun.TransactionsCreated)
	assert.Equal(t, 1, newRun.EmailsProcessed)

	var sourceIDs []uint
	require.NoError(t, json.Unmarshal(newRun.SourceRunIDs, &sourceIDs))
	assert.Equal(t, []uint{run.ID}, sourceIDs)

	var gotQaRun models.QaRun
	require.NoError(t, db.First(&gotQaRun, qaRun.ID).Error)
	require.NotNil(t, gotQaRun.SynthesizedRunID)
	assert.Equal(t, newRun.ID, *gotQaRun.SynthesizedRunID)

	var clones []models.Transaction
	require.NoError(t, db.Where("extraction_run_id = ?", newRun.ID).Order("id").Find(&clones).Error)
	require.Len(t, clones, 2)

	bydSource := map[uint]*models.Transaction{}
	for i := range clones {
		require.NotNil(t, clones[i].SourceTransactionID)
		bydSource[*clones[i].SourceTransactionID] = &clones[i]
	}

	clone := bydSource[corrected.ID]
	require.NotNil(t, clone)
	require.NotNil(t, clone.Amount)
	assert.Equal(t, 150.0, *clone.Amount)

	verbatim := bydSource[untouched.ID]
	require.NotNil(t, verbatim)
	assert.Equal(t, "sell", verbatim.Type)
	assert.Equal(t, "MSFT", verbatim.Symbol)

	// The source run's transactions are untouched.
	var original models.Transaction
	require.NoError(t, db.First(&original, corrected.ID).Error)
	require.NotNil(t, original.Amount)
	assert.Equal(t, 100.0, *original.Amount)
}

func TestSynthesizeAppliesMerges(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "merge", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	tx := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Symbol = ""
		tx.Data = datatypes.JSONMap{"ticker": "AAPL", "order_id": "ORD-1"}
	})

	qaRun := seedCompletedQaRun(t, db, run)
	result := seedQaResult(t, db, qaRun.ID, tx.ID, emails[0].ID, nil)

	// A review that only confirms merges still produces an applicable
	// change set.
	engine := newTestQaEngine(db, &scriptedInvoker{})
	reviewed, err := engine.ReviewResult(context.Background(), result.ID, ReviewInput{
		AcceptedMerges: []Merge{{Canonical: "symbol", Merged: []string{"data.ticker"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QaResultStatusAccepted, reviewed.Status)

	synthesizer := newTestSynthesizer(db)
	newRun, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	var clone models.Transaction
	require.NoError(t, db.Where("extraction_run_id = ?", newRun.ID).First(&clone).Error)
	assert.Equal(t, "AAPL", clone.Symbol)
	assert.NotContains(t, clone.Data, "ticker")
	assert.Equal(t, "ORD-1", clone.Data["order_id"])

	// The original keeps its data map.
	var original models.Transaction
	require.NoError(t, db.First(&original, tx.ID).Error)
	assert.Equal(t, "AAPL", original.Data["ticker"])
	assert.Equal(t, "", original.Symbol)
}

func TestSynthesizeMergeKeepsOccupiedCanonical(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "occupied", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	tx := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Symbol = "MSFT"
		tx.Data = datatypes.JSONMap{"ticker": "AAPL"}
	})

	qaRun := seedCompletedQaRun(t, db, run)
	result := seedQaResult(t, db, qaRun.ID, tx.ID, emails[0].ID, nil)

	engine := newTestQaEngine(db, &scriptedInvoker{})
	_, err := engine.ReviewResult(context.Background(), result.ID, ReviewInput{
		AcceptedMerges: []Merge{{Canonical: "symbol", Merged: []string{"data.ticker"}}},
	})
	require.NoError(t, err)

	synthesizer := newTestSynthesizer(db)
	newRun, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	var clone models.Transaction
	require.NoError(t, db.Where("extraction_run_id = ?", newRun.ID).First(&clone).Error)
	// Occupied canonical wins; the duplicate key still goes away.
	assert.Equal(t, "MSFT", clone.Symbol)
	assert.NotContains(t, clone.Data, "ticker")
}

func TestSynthesizeDataPathOverwrites(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "datapath", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	tx := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Data = datatypes.JSONMap{"order_id": "WRONG"}
	})

	qaRun := seedCompletedQaRun(t, db, run)
	result := seedQaResult(t, db, qaRun.ID, tx.ID, emails[0].ID,
		[]FieldIssue{{Field: "data.order_id", SuggestedValue: "ORD-9"}})
	acceptResult(t, db, result, map[string]any{"data.order_id": true})

	synthesizer := newTestSynthesizer(db)
	newRun, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	var clone models.Transaction
	require.NoError(t, db.Where("extraction_run_id = ?", newRun.ID).First(&clone).Error)
	assert.Equal(t, "ORD-9", clone.Data["order_id"])
}

func TestSynthesizeOnlyOnce(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "once", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	seedTransaction(t, db, run.ID, emails[0].ID, nil)

	qaRun := seedCompletedQaRun(t, db, run)

	synthesizer := newTestSynthesizer(db)
	_, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	_, err = synthesizer.Synthesize(context.Background(), qaRun.ID)
	assert.ErrorIs(t, err, ErrAlreadySynthesized)

	var runCount int64
	require.NoError(t, db.Model(&models.ExtractionRun{}).
		Where("email_set_id = ? AND is_synthesized = ?", set.ID, true).
		Count(&runCount).Error)
	assert.Equal(t, int64(1), runCount)
}

func TestSynthesizeRequiresCompletedQaRun(t *testing.T) {
	db := newTestDB(t)
	set, _ := seedSet(t, db, "incomplete", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	qaRun := models.QaRun{SourceRunID: run.ID, EmailSetID: set.ID, Status: models.QaRunStatusRunning}
	require.NoError(t, db.Create(&qaRun).Error)

	synthesizer := newTestSynthesizer(db)
	_, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = synthesizer.Synthesize(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectedResultsAreNotApplied(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "rejected", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	amount := 100.0
	tx := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Amount = &amount
	})

	qaRun := seedCompletedQaRun(t, db, run)
	result := seedQaResult(t, db, qaRun.ID, tx.ID, emails[0].ID,
		[]FieldIssue{{Field: "amount", SuggestedValue: 150.0}})
	require.NoError(t, db.Model(result).Update("status", models.QaResultStatusRejected).Error)

	synthesizer := newTestSynthesizer(db)
	newRun, err := synthesizer.Synthesize(context.Background(), qaRun.ID)
	require.NoError(t, err)

	var clone models.Transaction
	require.NoError(t, db.Where("extraction_run_id = ?", newRun.ID).First(&clone).Error)
	require.NotNil(t, clone.Amount)
	assert.Equal(t, 100.0, *clone.Amount)
}
