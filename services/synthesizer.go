package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mail-ledger/config"
	"mail-ledger/models"
)

// Synthesizer applies reviewer-accepted QA corrections onto a source
// run's transactions, emitting a new provenance-linked run. The source
// run is never mutated; synthesis is purely additive.
type Synthesizer struct {
	DB     *gorm.DB
	Config *config.Config
	Logger *zap.Logger
}

// NewSynthesizer wires the synthesizer.
func NewSynthesizer(db *gorm.DB, cfg *config.Config, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{DB: db, Config: cfg, Logger: logger}
}

// changeSet is everything the reviewer accepted for one transaction.
type changeSet struct {
	overwrites []FieldIssue
	merges     []Merge
}

// Synthesize produces a new run from a completed QA run. Every source
// transaction is cloned under the new run with `sourceTransactionId` set;
// clones with an accepted change set get field overwrites and merges
// applied, the rest are cloned verbatim. A QA run can be synthesized at
// most once: the link is written through a guarded update and a second
// attempt fails with ErrAlreadySynthesized.
func (s *Synthesizer) Synthesize(ctx context.Context, qaRunID uint) (*models.ExtractionRun, error) {
	var qaRun models.QaRun
	if err := s.DB.WithContext(ctx).First(&qaRun, qaRunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: qa run %d", ErrNotFound, qaRunID)
		}
		return nil, err
	}
	if qaRun.Status != models.QaRunStatusCompleted {
		return nil, fmt.Errorf("%w: qa run %d is %s, not completed", ErrInvalidTransition, qaRun.ID, qaRun.Status)
	}
	if qaRun.SynthesizedRunID != nil {
		return nil, ErrAlreadySynthesized
	}

	var source models.ExtractionRun
	if err := s.DB.WithContext(ctx).First(&source, qaRun.SourceRunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: run %d", ErrNotFound, qaRun.SourceRunID)
		}
		return nil, err
	}

	changes, err := s.buildChangeSets(ctx, qaRun.ID)
	if err != nil {
		return nil, err
	}

	var newRun *models.ExtractionRun
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&models.ExtractionRun{}).
			Where("email_set_id = ?", source.EmailSetID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		sourceRunIDs, _ := json.Marshal([]uint{source.ID})
		now := time.Now()
		newRun = &models.ExtractionRun{
			EmailSetID:         source.EmailSetID,
			Version:            maxVersion + 1,
			ModelConfigID:      source.ModelConfigID,
			PromptID:           source.PromptID,
			PromptText:         source.PromptText,
			SoftwareVersion:    source.SoftwareVersion,
			Status:             models.RunStatusCompleted,
			EmailsProcessed:    source.EmailsProcessed,
			InformationalCount: source.InformationalCount,
			IsSynthesized:      true,
			SynthesisType:      models.SynthesisTypeQaCorrections,
			SourceRunIDs:       sourceRunIDs,
			CompletedAt:        &now,
		}
		if err := tx.Create(newRun).Error; err != nil {
			return err
		}

		var transactions []models.Transaction
		if err := tx.Where("extraction_run_id = ?", source.ID).
			Order("id").
			Find(&transactions).Error; err != nil {
			return err
		}

		cloned := 0
		for i := range transactions {
			clone := cloneTransaction(&transactions[i], newRun.ID)
			if change, ok := changes[transactions[i].ID]; ok {
				s.applyChangeSet(clone, change)
			}
			if err := tx.Create(clone).Error; err != nil {
				return err
			}
			cloned++
		}

		if err := tx.Model(newRun).
			Update("transactions_created", cloned).Error; err != nil {
			return err
		}
		newRun.TransactionsCreated = cloned

		// The one-synthesis guard: only the first writer finds the link
		// still null.
		res := tx.Model(&models.QaRun{}).
			Where("id = ? AND synthesized_run_id IS NULL", qaRun.ID).
			Update("synthesized_run_id", newRun.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySynthesized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Synthesized run created",
		zap.Uint("qa_run_id", qaRun.ID),
		zap.Uint("source_run_id", source.ID),
		zap.Uint("run_id", newRun.ID),
		zap.Int("transactions", newRun.TransactionsCreated))
	return newRun, nil
}

// buildChangeSets collects the accepted corrections per transaction:
// field overwrites from the intersection of flagged issues and accepted
// fields, merges from the confirmed merge list.
func (s *Synthesizer) buildChangeSets(ctx context.Context, qaRunID uint) (map[uint]changeSet, error) {
	var results []models.QaResult
	if err := s.DB.WithContext(ctx).
		Where("qa_run_id = ? AND status IN ?", qaRunID,
			[]string{models.QaResultStatusAccepted, models.QaResultStatusPartial}).
		Find(&results).Error; err != nil {
		return nil, err
	}

	changes := make(map[uint]changeSet, len(results))
	for i := range results {
		result := &results[i]
		var change changeSet
		for _, issue := range decodeFieldIssues(result.FieldIssues) {
			if v, ok := result.AcceptedFields[issue.Field]; ok {
				if b, ok := coerceBool(v); ok && b {
					change.overwrites = append(change.overwrites, issue)
				}
			}
		}
		change.merges = decodeMerges(result.AcceptedMerges)
		if len(change.overwrites) > 0 || len(change.merges) > 0 {
			changes[result.TransactionID] = change
		}
	}
	return changes, nil
}

// cloneTransaction copies a transaction under the new run with the
// provenance link set and a detached data map.
func cloneTransaction(src *models.Transaction, runID uint) *models.Transaction {
	clone := *src
	clone.ID = 0
	clone.CreatedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	clone.ExtractionRunID = runID
	sourceID := src.ID
	clone.SourceTransactionID = &sourceID

	data := datatypes.JSONMap{}
	for k, v := range src.Data {
		data[k] = v
	}
	clone.Data = data
	return &clone
}

// applyChangeSet mutates a clone in place: overwrites first, merges
// second, so an accepted correction on the canonical column wins over a
// merge into it.
func (s *Synthesizer) applyChangeSet(clone *models.Transaction, change changeSet) {
	for _, issue := range change.overwrites {
		if key, ok := strings.CutPrefix(issue.Field, dataPrefix); ok {
			clone.Data[key] = issue.SuggestedValue
			continue
		}
		if !setTransactionColumn(clone, issue.Field, issue.SuggestedValue) {
			s.Logger.Warn("Dropping uncoercible correction",
				zap.Uint("source_transaction_id", *clone.SourceTransactionID),
				zap.String("field", issue.Field))
		}
	}

	for _, merge := range change.merges {
		if !isTransactionColumn(merge.Canonical) {
			continue
		}
		if transactionColumnEmpty(clone, merge.Canonical) {
			for _, mergedKey := range merge.Merged {
				key, ok := strings.CutPrefix(mergedKey, dataPrefix)
				if !ok {
					continue
				}
				if v, exists := clone.Data[key]; exists && v != nil {
					if setTransactionColumn(clone, merge.Canonical, v) {
						break
					}
				}
			}
		}
		// Merged keys are removed regardless: the reviewer confirmed
		// they duplicate the canonical column.
		for _, mergedKey := range merge.Merged {
			if key, ok := strings.CutPrefix(mergedKey, dataPrefix); ok {
				delete(clone.Data, key)
			}
		}
	}
}
