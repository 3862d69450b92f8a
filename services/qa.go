package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mail-ledger/config"
	"mail-ledger/extractor"
	"mail-ledger/models"
)

// FieldIssue is one disagreement between the stored transaction and the
// verification pass, ordered as produced.
type FieldIssue struct {
	Field          string `json:"field"`
	SuggestedValue any    `json:"suggested_value"`
}

// Merge names a canonical column and the data.* keys proposed as
// duplicates of it.
type Merge struct {
	Canonical string   `json:"canonical"`
	Merged    []string `json:"merged"`
}

// duplicateFieldSynonyms maps typed columns to data keys the extractor
// is known to emit for the same fact.
var duplicateFieldSynonyms = map[string][]string{
	"symbol":   {"ticker", "stock_symbol", "security"},
	"quantity": {"shares", "units"},
	"price":    {"unit_price", "share_price"},
	"fees":     {"fee", "commission"},
}

// QaEngine runs a verification pass over a completed run's transactions,
// flagging field-level disagreements and duplicate-field candidates, and
// carries the reviewer operations on the resulting findings.
type QaEngine struct {
	DB      *gorm.DB
	Config  *config.Config
	Logger  *zap.Logger
	Invoker extractor.Invoker
}

// NewQaEngine wires the engine.
func NewQaEngine(db *gorm.DB, cfg *config.Config, logger *zap.Logger, invoker extractor.Invoker) *QaEngine {
	return &QaEngine{DB: db, Config: cfg, Logger: logger, Invoker: invoker}
}

// CreateQaRun registers a pending QA run over a completed source run.
func (e *QaEngine) CreateQaRun(ctx context.Context, sourceRunID uint) (*models.QaRun, error) {
	var source models.ExtractionRun
	if err := e.DB.WithContext(ctx).First(&source, sourceRunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: run %d", ErrNotFound, sourceRunID)
		}
		return nil, err
	}
	if source.Status != models.RunStatusCompleted {
		return nil, fmt.Errorf("%w: run %d is %s, not completed", ErrInvalidTransition, source.ID, source.Status)
	}

	qaRun := models.QaRun{
		SourceRunID: source.ID,
		EmailSetID:  source.EmailSetID,
		Status:      models.QaRunStatusPending,
	}
	if err := e.DB.WithContext(ctx).Create(&qaRun).Error; err != nil {
		return nil, err
	}
	e.Logger.Info("QA run created", zap.Uint("qa_run_id", qaRun.ID), zap.Uint("source_run_id", source.ID))
	return &qaRun, nil
}

// Execute processes a pending QA run as a one-shot batch: every email
// with transactions under the source run is re-extracted and its stored
// transactions diffed against the fresh document.
func (e *QaEngine) Execute(ctx context.Context, qaRunID uint) error {
	var qaRun models.QaRun
	if err := e.DB.WithContext(ctx).First(&qaRun, qaRunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: qa run %d", ErrNotFound, qaRunID)
		}
		return err
	}

	res := e.DB.WithContext(ctx).Model(&models.QaRun{}).
		Where("id = ? AND status = ?", qaRun.ID, models.QaRunStatusPending).
		Update("status", models.QaRunStatusRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: qa run %d is not pending", ErrInvalidTransition, qaRun.ID)
	}

	var source models.ExtractionRun
	if err := e.DB.WithContext(ctx).First(&source, qaRun.SourceRunID).Error; err != nil {
		return e.failQaRun(ctx, qaRun.ID, err)
	}
	modelName, err := e.modelName(ctx, &source)
	if err != nil {
		return e.failQaRun(ctx, qaRun.ID, err)
	}

	var transactions []models.Transaction
	if err := e.DB.WithContext(ctx).
		Where("extraction_run_id = ?", source.ID).
		Order("id").
		Find(&transactions).Error; err != nil {
		return e.failQaRun(ctx, qaRun.ID, err)
	}

	byEmail := map[uint][]models.Transaction{}
	var emailOrder []uint
	for _, tx := range transactions {
		if _, seen := byEmail[tx.SourceEmailID]; !seen {
			emailOrder = append(emailOrder, tx.SourceEmailID)
		}
		byEmail[tx.SourceEmailID] = append(byEmail[tx.SourceEmailID], tx)
	}

	concurrency := e.Config.QAConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, emailID := range emailOrder {
		wg.Add(1)
		sem <- struct{}{}
		go func(emailID uint, group []models.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			e.verifyEmail(ctx, &qaRun, &source, modelName, emailID, group)
		}(emailID, byEmail[emailID])
	}
	wg.Wait()

	var resultCount, issueCount int64
	e.DB.WithContext(ctx).Model(&models.QaResult{}).
		Where("qa_run_id = ?", qaRun.ID).Count(&resultCount)
	e.DB.WithContext(ctx).Model(&models.QaResult{}).
		Where("qa_run_id = ? AND has_issues = ?", qaRun.ID, true).Count(&issueCount)

	err = e.DB.WithContext(ctx).Model(&models.QaRun{}).
		Where("id = ? AND status = ?", qaRun.ID, models.QaRunStatusRunning).
		Updates(map[string]any{
			"status":       models.QaRunStatusCompleted,
			"result_count": resultCount,
			"issue_count":  issueCount,
		}).Error
	if err != nil {
		return e.failQaRun(ctx, qaRun.ID, err)
	}

	e.Logger.Info("QA run completed",
		zap.Uint("qa_run_id", qaRun.ID),
		zap.Int64("results", resultCount),
		zap.Int64("with_issues", issueCount))
	return nil
}

func (e *QaEngine) failQaRun(ctx context.Context, qaRunID uint, cause error) error {
	e.DB.WithContext(ctx).Model(&models.QaRun{}).
		Where("id = ? AND status = ?", qaRunID, models.QaRunStatusRunning).
		Update("status", models.QaRunStatusFailed)
	e.Logger.Error("QA run failed", zap.Uint("qa_run_id", qaRunID), zap.Error(cause))
	return cause
}

// verifyEmail re-extracts one email and writes one QaResult per stored
// transaction. Invoker failures degrade to duplicate-candidate-only
// results rather than aborting the batch.
func (e *QaEngine) verifyEmail(ctx context.Context, qaRun *models.QaRun, source *models.ExtractionRun, modelName string, emailID uint, group []models.Transaction) {
	log := e.Logger.With(zap.Uint("qa_run_id", qaRun.ID), zap.Uint("email_id", emailID))

	var email models.Email
	if err := e.DB.WithContext(ctx).First(&email, emailID).Error; err != nil {
		log.Warn("Email missing during QA", zap.Error(err))
		return
	}

	var items []extractor.Item
	doc, err := e.Invoker.Extract(ctx, &email, modelName, source.PromptText)
	if err != nil {
		log.Warn("Verification extraction failed", zap.Error(err))
	} else if doc.IsTransactional {
		items = doc.Transactions
	}

	multi := len(group) > 1 || len(items) > 1
	for i, tx := range group {
		var issues []FieldIssue
		if i < len(items) {
			issues = diffTransaction(&group[i], items[i])
		}
		merges := duplicateCandidates(&group[i])

		issuesJSON, _ := json.Marshal(issues)
		mergesJSON, _ := json.Marshal(merges)
		result := models.QaResult{
			QaRunID:            qaRun.ID,
			TransactionID:      tx.ID,
			SourceEmailID:      emailID,
			HasIssues:          len(issues) > 0 || len(merges) > 0,
			IsMultiTransaction: multi,
			FieldIssues:        issuesJSON,
			DuplicateFields:    mergesJSON,
			AcceptedFields:     datatypes.JSONMap{},
			Status:             models.QaResultStatusPendingReview,
		}
		if err := e.DB.WithContext(ctx).Create(&result).Error; err != nil {
			log.Warn("Failed to record QA result", zap.Uint("transaction_id", tx.ID), zap.Error(err))
		}
	}
}

// diffTransaction compares a stored transaction against the matching
// verification item and returns the ordered disagreements.
func diffTransaction(tx *models.Transaction, item extractor.Item) []FieldIssue {
	var issues []FieldIssue
	for _, field := range orderedItemFields(item) {
		value := item[field]
		if value == nil {
			continue
		}
		if _, consumed := accountItemKeys[field]; consumed {
			continue
		}
		if isTransactionColumn(field) {
			if !valuesEquivalent(transactionColumnValue(tx, field), value) {
				issues = append(issues, FieldIssue{Field: field, SuggestedValue: value})
			}
			continue
		}
		if !valuesEquivalent(tx.Data[field], value) {
			issues = append(issues, FieldIssue{Field: dataPrefix + field, SuggestedValue: value})
		}
	}
	return issues
}

// duplicateCandidates scans the data map for keys that duplicate a typed
// column under a known synonym.
func duplicateCandidates(tx *models.Transaction) []Merge {
	var merges []Merge
	for _, canonical := range []string{"symbol", "quantity", "price", "fees"} {
		var merged []string
		for _, synonym := range duplicateFieldSynonyms[canonical] {
			if v, ok := tx.Data[synonym]; ok && v != nil {
				merged = append(merged, dataPrefix+synonym)
			}
		}
		if len(merged) > 0 {
			merges = append(merges, Merge{Canonical: canonical, Merged: merged})
		}
	}
	return merges
}

// orderedItemFields returns the item's fields in a stable order: typed
// columns first in their declared order, then data keys sorted.
func orderedItemFields(item extractor.Item) []string {
	declared := []string{"type", "description", "amount", "currency", "symbol",
		"quantity", "price", "fees", "transaction_date", "settlement_date"}
	var fields []string
	for _, f := range declared {
		if _, ok := item[f]; ok {
			fields = append(fields, f)
		}
	}
	var rest []string
	for f := range item {
		if !isTransactionColumn(f) {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(fields, rest...)
}

// valuesEquivalent compares across the representations the extractor and
// the database produce for the same fact.
func valuesEquivalent(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := coerceFloat(a); ok {
		if fb, ok := coerceFloat(b); ok {
			return fa == fb
		}
	}
	sa, okA := coerceString(a)
	sb, okB := coerceString(b)
	if okA && okB {
		return sa == sb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// DeriveStatus computes a result's status from its issues and the
// reviewer's per-field acceptance. The status is never stored
// independently of this function.
func DeriveStatus(issues []FieldIssue, accepted datatypes.JSONMap) string {
	if len(issues) == 0 {
		return models.QaResultStatusPendingReview
	}
	acceptedCount := 0
	for _, issue := range issues {
		if v, ok := accepted[issue.Field]; ok {
			if b, ok := coerceBool(v); ok && b {
				acceptedCount++
			}
		}
	}
	switch {
	case acceptedCount == 0:
		return models.QaResultStatusPendingReview
	case acceptedCount == len(issues):
		return models.QaResultStatusAccepted
	default:
		return models.QaResultStatusPartial
	}
}

func decodeFieldIssues(raw datatypes.JSON) []FieldIssue {
	var issues []FieldIssue
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &issues)
	}
	return issues
}

func decodeMerges(raw datatypes.JSON) []Merge {
	var merges []Merge
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &merges)
	}
	return merges
}

// AcceptFieldGroup marks one field accepted across every pending or
// partial result in the QA run that flags it, recomputing each status.
// Idempotent: results already carrying the acceptance are counted as
// skipped and left untouched.
func (e *QaEngine) AcceptFieldGroup(ctx context.Context, qaRunID uint, field string) (affected, skipped int, err error) {
	var qaRun models.QaRun
	if err := e.DB.WithContext(ctx).First(&qaRun, qaRunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, fmt.Errorf("%w: qa run %d", ErrNotFound, qaRunID)
		}
		return 0, 0, err
	}

	var results []models.QaResult
	if err := e.DB.WithContext(ctx).
		Where("qa_run_id = ? AND status IN ?", qaRunID,
			[]string{models.QaResultStatusPendingReview, models.QaResultStatusPartial}).
		Find(&results).Error; err != nil {
		return 0, 0, err
	}

	for i := range results {
		result := &results[i]
		issues := decodeFieldIssues(result.FieldIssues)
		listed := false
		for _, issue := range issues {
			if issue.Field == field {
				listed = true
				break
			}
		}
		if !listed {
			continue
		}

		if result.AcceptedFields == nil {
			result.AcceptedFields = datatypes.JSONMap{}
		}
		if v, ok := result.AcceptedFields[field]; ok {
			if b, ok := coerceBool(v); ok && b {
				skipped++
				continue
			}
		}

		result.AcceptedFields[field] = true
		result.Status = DeriveStatus(issues, result.AcceptedFields)
		if err := e.DB.WithContext(ctx).Model(result).
			Updates(map[string]any{
				"accepted_fields": result.AcceptedFields,
				"status":          result.Status,
			}).Error; err != nil {
			return affected, skipped, err
		}
		affected++
	}
	return affected, skipped, nil
}

// ReviewInput carries a reviewer's verdict on one result.
type ReviewInput struct {
	// AcceptedFields toggles acceptance per flagged field.
	AcceptedFields map[string]bool `json:"accepted_fields"`
	// AcceptedMerges replaces the confirmed merge list when non-nil.
	AcceptedMerges []Merge `json:"accepted_merges"`
	// Reject marks the whole result rejected regardless of fields.
	Reject bool `json:"reject"`
}

// ReviewResult applies a reviewer verdict to one QA result and
// recomputes its status.
func (e *QaEngine) ReviewResult(ctx context.Context, resultID uint, in ReviewInput) (*models.QaResult, error) {
	var result models.QaResult
	if err := e.DB.WithContext(ctx).First(&result, resultID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: qa result %d", ErrNotFound, resultID)
		}
		return nil, err
	}

	if result.AcceptedFields == nil {
		result.AcceptedFields = datatypes.JSONMap{}
	}
	for field, accepted := range in.AcceptedFields {
		result.AcceptedFields[field] = accepted
	}
	if in.AcceptedMerges != nil {
		mergesJSON, err := json.Marshal(in.AcceptedMerges)
		if err != nil {
			return nil, err
		}
		result.AcceptedMerges = mergesJSON
	}

	if in.Reject {
		result.Status = models.QaResultStatusRejected
	} else {
		issues := decodeFieldIssues(result.FieldIssues)
		result.Status = DeriveStatus(issues, result.AcceptedFields)
		// A result without flagged fields has nothing to derive from;
		// confirmed merges stand for the whole result so the change set
		// reaches synthesis.
		if len(issues) == 0 && len(decodeMerges(result.AcceptedMerges)) > 0 {
			result.Status = models.QaResultStatusAccepted
		}
	}

	if err := e.DB.WithContext(ctx).Save(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *QaEngine) modelName(ctx context.Context, run *models.ExtractionRun) (string, error) {
	var mc models.ModelConfig
	err := e.DB.WithContext(ctx).First(&mc, run.ModelConfigID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: model config %d", ErrNotFound, run.ModelConfigID)
	}
	if err != nil {
		return "", err
	}
	return mc.Name, nil
}
