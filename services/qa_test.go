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

	"mail-ledger/extractor"
	"mail-ledger/models"
)

func newTestQaEngine(db *gorm.DB, invoker extractor.Invoker) *QaEngine {
	return NewQaEngine(db, testConfig(), zap.NewNop(), invoker)
}

func seedTransaction(t *testing.T, db *gorm.DB, runID, emailID uint, mutate func(*models.Transaction)) *models.Transaction {
	t.Helper()
	tx := models.Transaction{
		ExtractionRunID: runID,
		SourceEmailID:   emailID,
		Type:            "buy",
		Currency:        "USD",
		Data:            datatypes.JSONMap{},
	}
	if mutate != nil {
		mutate(&tx)
	}
	require.NoError(t, db.Create(&tx).Error)
	return &tx
}

func seedQaResult(t *testing.T, db *gorm.DB, qaRunID, txID, emailID uint, issues []FieldIssue) *models.QaResult {
	t.Helper()
	raw, err := json.Marshal(issues)
	require.NoError(t, err)
	result := models.QaResult{
		QaRunID:        qaRunID,
		TransactionID:  txID,
		SourceEmailID:  emailID,
		HasIssues:      len(issues) > 0,
		FieldIssues:    raw,
		AcceptedFields: datatypes.JSONMap{},
		Status:         models.QaResultStatusPendingReview,
	}
	require.NoError(t, db.Create(&result).Error)
	return &result
}

func TestDeriveStatus(t *testing.T) {
	issues := []FieldIssue{
		{Field: "amount", SuggestedValue: 150.0},
		{Field: "fees", SuggestedValue: 1.5},
	}

	assert.Equal(t, models.QaResultStatusPendingReview, DeriveStatus(nil, datatypes.JSONMap{}))
	assert.Equal(t, models.QaResultStatusPendingReview, DeriveStatus(issues, datatypes.JSONMap{}))
	assert.Equal(t, models.QaResultStatusPendingReview,
		DeriveStatus(issues, datatypes.JSONMap{"amount": false}))
	assert.Equal(t, models.QaResultStatusPartial,
		DeriveStatus(issues, datatypes.JSONMap{"amount": true}))
	assert.Equal(t, models.QaResultStatusAccepted,
		DeriveStatus(issues, datatypes.JSONMap{"amount": true, "fees": true}))
	// Acceptance of fields never flagged does not count.
	assert.Equal(t, models.QaResultStatusPendingReview,
		DeriveStatus(issues, datatypes.JSONMap{"symbol": true}))
}

func TestCreateQaRunRequiresCompletedSource(t *testing.T) {
	db := newTestDB(t)
	engine := newTestQaEngine(db, &scriptedInvoker{})
	set, _ := seedSet(t, db, "qasource", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusRunning)

	_, err := engine.CreateQaRun(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = engine.CreateQaRun(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQaExecuteFlagsDisagreements(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "qadiff", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	amount := 100.0
	tx := seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Amount = &amount
		tx.Symbol = "AAPL"
	})

	invoker := &scriptedInvoker{
		docs: map[string]*extractor.Document{
			emails[0].Subject: {
				IsTransactional: true,
				EmailType:       extractor.EmailTypeTransaction,
				Transactions: []extractor.Item{
					{"type": "buy", "amount": 150.0, "symbol": "AAPL"},
				},
			},
		},
	}
	engine := newTestQaEngine(db, invoker)

	qaRun, err := engine.CreateQaRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(context.Background(), qaRun.ID))

	var got models.QaRun
	require.NoError(t, db.First(&got, qaRun.ID).Error)
	assert.Equal(t, models.QaRunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.ResultCount)
	assert.Equal(t, 1, got.IssueCount)

	var result models.QaResult
	require.NoError(t, db.Where("qa_run_id = ?", qaRun.ID).First(&result).Error)
	assert.Equal(t, tx.ID, result.TransactionID)
	assert.True(t, result.HasIssues)
	assert.Equal(t, models.QaResultStatusPendingReview, result.Status)

	issues := decodeFieldIssues(result.FieldIssues)
	require.Len(t, issues, 1)
	assert.Equal(t, "amount", issues[0].Field)
	assert.Equal(t, 150.0, issues[0].SuggestedValue)
}

func TestQaExecuteFlagsDuplicateFields(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "qadupes", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)

	seedTransaction(t, db, run.ID, emails[0].ID, func(tx *models.Transaction) {
		tx.Data = datatypes.JSONMap{"ticker": "AAPL"}
	})

	invoker := &scriptedInvoker{
		docs: map[string]*extractor.Document{
			emails[0].Subject: {
				IsTransactional: true,
				EmailType:       extractor.EmailTypeTransaction,
				Transactions:    []extractor.Item{{"type": "buy"}},
			},
		},
	}
	engine := newTestQaEngine(db, invoker)

	qaRun, err := engine.CreateQaRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(context.Background(), qaRun.ID))

	var result models.QaResult
	require.NoError(t, db.Where("qa_run_id = ?", qaRun.ID).First(&result).Error)
	assert.True(t, result.HasIssues)

	merges := decodeMerges(result.DuplicateFields)
	require.Len(t, merges, 1)
	assert.Equal(t, "symbol", merges[0].Canonical)
	assert.Equal(t, []string{"data.ticker"}, merges[0].Merged)
}

func TestQaExecuteSurvivesInvokerFailure(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "qafail", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	seedTransaction(t, db, run.ID, emails[0].ID, nil)

	invoker := &scriptedInvoker{
		fails: map[string]error{emails[0].Subject: assert.AnError},
	}
	engine := newTestQaEngine(db, invoker)

	qaRun, err := engine.CreateQaRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(context.Background(), qaRun.ID))

	var got models.QaRun
	require.NoError(t, db.First(&got, qaRun.ID).Error)
	assert.Equal(t, models.QaRunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.ResultCount)
}

func TestAcceptFieldGroupIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "accept", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	txA := seedTransaction(t, db, run.ID, emails[0].ID, nil)
	txB := seedTransaction(t, db, run.ID, emails[0].ID, nil)

	qaRun := models.QaRun{SourceRunID: run.ID, EmailSetID: set.ID, Status: models.QaRunStatusCompleted}
	require.NoError(t, db.Create(&qaRun).Error)

	only := seedQaResult(t, db, qaRun.ID, txA.ID, emails[0].ID,
		[]FieldIssue{{Field: "amount", SuggestedValue: 150.0}})
	both := seedQaResult(t, db, qaRun.ID, txB.ID, emails[0].ID,
		[]FieldIssue{{Field: "amount", SuggestedValue: 99.0}, {Field: "fees", SuggestedValue: 1.0}})

	engine := newTestQaEngine(db, &scriptedInvoker{})

	affected, skipped, err := engine.AcceptFieldGroup(context.Background(), qaRun.ID, "amount")
	require.NoError(t, err)
	assert.Equal(t, 2, affected)
	assert.Equal(t, 0, skipped)

	var gotOnly models.QaResult
	require.NoError(t, db.First(&gotOnly, only.ID).Error)
	assert.Equal(t, models.QaResultStatusAccepted, gotOnly.Status)
	var gotBoth models.QaResult
	require.NoError(t, db.First(&gotBoth, both.ID).Error)
	assert.Equal(t, models.QaResultStatusPartial, gotBoth.Status)

	// Re-invoking with the same field is a no-op.
	affected, skipped, err = engine.AcceptFieldGroup(context.Background(), qaRun.ID, "amount")
	require.NoError(t, err)
	assert.Equal(t, 0, affected)
	assert.Equal(t, 1, skipped)

	affected, _, err = engine.AcceptFieldGroup(context.Background(), qaRun.ID, "fees")
	require.NoError(t, err)
	assert.Equal(t, 1, affected)
	var gotBothAfter models.QaResult
	require.NoError(t, db.First(&gotBothAfter, both.ID).Error)
	assert.Equal(t, models.QaResultStatusAccepted, gotBothAfter.Status)
}

func TestReviewResult(t *testing.T) {
	db := newTestDB(t)
	set, emails := seedSet(t, db, "review", 1)
	mc := seedModelConfig(t, db)
	run := seedRun(t, db, set.ID, mc.ID, models.RunStatusCompleted)
	tx := seedTransaction(t, db, run.ID, emails[0].ID, nil)

	qaRun := models.QaRun{SourceRunID: run.ID, EmailSetID: set.ID, Status: models.QaRunStatusCompleted}
	require.NoError(t, db.Create(&qaRun).Error)
	result := seedQaResult(t, db, qaRun.ID, tx.ID, emails[0].ID,
		[]FieldIssue{{Field: "amount", SuggestedValue: 42.0}})

	engine := newTestQaEngine(db, &scriptedInvoker{})

	got, err := engine.ReviewResult(context.Background(), result.ID, ReviewInput{
		AcceptedFields: map[string]bool{"amount": true},
		AcceptedMerges: []Merge{{Canonical: "symbol", Merged: []string{"data.ticker"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QaResultStatusAccepted, got.Status)
	merges := decodeMerges(got.AcceptedMerges)
	require.Len(t, merges, 1)
	assert.Equal(t, "symbol", merges[0].Canonical)

	// Withdrawing the acceptance drops the status back.
	got, err = engine.ReviewResult(context.Background(), result.ID, ReviewInput{
		AcceptedFields: map[string]bool{"amount": false},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QaResultStatusPendingReview, got.Status)

	// Rejection overrides field acceptance.
	got, err = engine.ReviewResult(context.Background(), result.ID, ReviewInput{Reject: true})
	require.NoError(t, err)
	assert.Equal(t, models.QaResultStatusRejected, got.Status)
}
