package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mail-ledger/config"
	"mail-ledger/extractor"
	"mail-ledger/models"
)

// Orchestrator drives concurrent per-email extraction within a run:
// fan-out through a bounded worker pool, progress streaming, cooperative
// cancellation and idempotent resume.
type Orchestrator struct {
	DB           *gorm.DB
	Config       *config.Config
	Logger       *zap.Logger
	Invoker      extractor.Invoker
	Jobs         *JobRegistry
	Hub          *ProgressHub
	Materializer *Materializer
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(db *gorm.DB, cfg *config.Config, logger *zap.Logger, invoker extractor.Invoker, jobs *JobRegistry, hub *ProgressHub, materializer *Materializer) *Orchestrator {
	return &Orchestrator{
		DB:           db,
		Config:       cfg,
		Logger:       logger,
		Invoker:      invoker,
		Jobs:         jobs,
		Hub:          hub,
		Materializer: materializer,
	}
}

// ExecuteOptions tune one execution.
type ExecuteOptions struct {
	// Concurrency caps parallel extraction calls; 0 means the configured
	// default.
	Concurrency int
	// SampleSize, when positive, restricts the run to a random subset.
	SampleSize int
}

// Execute runs a pending run to completion. It is synchronous; callers
// wanting fire-and-forget launch it in a goroutine and watch the
// progress stream.
func (o *Orchestrator) Execute(ctx context.Context, runID uint, opts ExecuteOptions) error {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	res := o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusPending).
		Update("status", models.RunStatusRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %d is not pending", ErrInvalidTransition, run.ID)
	}

	return o.process(ctx, run, opts)
}

// Resume continues a failed run under the same run id. The remaining
// work is the run's email set minus the emails it already extracted, so
// no email is ever processed twice for one run.
func (o *Orchestrator) Resume(ctx context.Context, runID uint, opts ExecuteOptions) error {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	// failed → running is legal only here.
	res := o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusFailed).
		Update("status", models.RunStatusRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %d is not resumable", ErrInvalidTransition, run.ID)
	}

	o.Logger.Info("Resuming extraction run", zap.Uint("run_id", run.ID))
	return o.process(ctx, run, opts)
}

// Cancel stops a run: no new per-email work is scheduled, every
// transaction already created under the run is deleted, and the run is
// marked cancelled through a single guarded status write. Cancelling an
// already-cancelled run is a no-op; cancelling a completed run fails.
func (o *Orchestrator) Cancel(ctx context.Context, runID uint, notes string) error {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusCancelled {
		return nil
	}

	res := o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ? AND status IN ?", run.ID,
			[]string{models.RunStatusPending, models.RunStatusRunning, models.RunStatusFailed}).
		Update("status", models.RunStatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race against another cancel or a completion.
		fresh, err := o.loadRun(ctx, runID)
		if err != nil {
			return err
		}
		if fresh.Status == models.RunStatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: run %d is %s", ErrInvalidTransition, run.ID, fresh.Status)
	}

	o.Jobs.Cancel(ctx, runID, notes)

	if err := o.DB.WithContext(ctx).
		Where("extraction_run_id = ?", runID).
		Delete(&models.Transaction{}).Error; err != nil {
		return err
	}

	o.Hub.Publish(runID, ProgressEvent{Stage: StageError, Message: "run cancelled"})
	o.Logger.Info("Extraction run cancelled", zap.Uint("run_id", runID), zap.String("notes", notes))
	return nil
}

// ResetEmails puts emails back to pending for a run: their transactions
// under that run are deleted, their extraction records removed, and the
// run counters rolled back by exactly what those emails contributed.
// Returns the number of emails reset.
func (o *Orchestrator) ResetEmails(ctx context.Context, runID uint, emailIDs []uint) (int, error) {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, emailID := range emailIDs {
		var extraction models.EmailExtraction
		err := o.DB.WithContext(ctx).
			Where("extraction_run_id = ? AND email_id = ?", run.ID, emailID).
			First(&extraction).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return reset, err
		}

		var txCount int64
		if err := o.DB.WithContext(ctx).Model(&models.Transaction{}).
			Where("extraction_run_id = ? AND source_email_id = ?", run.ID, emailID).
			Count(&txCount).Error; err != nil {
			return reset, err
		}

		err = o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("extraction_run_id = ? AND source_email_id = ?", run.ID, emailID).
				Delete(&models.Transaction{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&extraction).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Email{}).Where("id = ?", emailID).
				Updates(map[string]any{"extraction_status": models.EmailStatusPending, "processed_at": nil}).Error; err != nil {
				return err
			}
			updates := map[string]any{
				"emails_processed": gorm.Expr("emails_processed - ?", 1),
			}
			if txCount > 0 {
				updates["transactions_created"] = gorm.Expr("transactions_created - ?", txCount)
			}
			if extraction.Status == models.EmailStatusInformational {
				updates["informational_count"] = gorm.Expr("informational_count - ?", 1)
			}
			return tx.Model(&models.ExtractionRun{}).Where("id = ?", run.ID).
				UpdateColumns(updates).Error
		})
		if err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

// ReprocessEmail resets one email for a run and runs it through
// extraction again, synchronously.
func (o *Orchestrator) ReprocessEmail(ctx context.Context, runID, emailID uint) error {
	if _, err := o.ResetEmails(ctx, runID, []uint{emailID}); err != nil {
		return err
	}

	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	modelName, err := o.modelName(ctx, run)
	if err != nil {
		return err
	}

	var email models.Email
	if err := o.DB.WithContext(ctx).First(&email, emailID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: email %d", ErrNotFound, emailID)
		}
		return err
	}

	job, err := o.Jobs.Register(ctx, run.ID, 1)
	if err != nil {
		return err
	}
	o.processEmail(ctx, run, modelName, &email, job)
	o.Jobs.Finish(ctx, job, models.JobStatusCompleted)
	return nil
}

// process is the shared scheduling loop for fresh and resumed runs.
func (o *Orchestrator) process(ctx context.Context, run *models.ExtractionRun, opts ExecuteOptions) error {
	log := o.Logger.With(zap.Uint("run_id", run.ID))

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = o.Config.ExtractionConcurrency
	}

	modelName, err := o.modelName(ctx, run)
	if err != nil {
		return o.failRun(ctx, run, nil, err)
	}

	emails, err := o.remainingEmails(ctx, run, opts.SampleSize)
	if err != nil {
		return o.failRun(ctx, run, nil, err)
	}

	job, err := o.Jobs.Register(ctx, run.ID, len(emails))
	if err != nil {
		return o.failRun(ctx, run, nil, err)
	}
	o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ?", run.ID).
		Update("job_id", job.JobID)

	log.Info("Starting extraction",
		zap.Int("emails", len(emails)),
		zap.Int("concurrency", concurrency),
		zap.String("model", modelName))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

scheduling:
	for i := range emails {
		sem <- struct{}{}
		// Cancellation is observed between units of work, never mid-call.
		// Checking after the slot is acquired guarantees no worker starts
		// once the job is cancelled.
		select {
		case <-job.Done():
			<-sem
			break scheduling
		default:
		}

		wg.Add(1)
		go func(email models.Email) {
			defer wg.Done()
			defer func() { <-sem }()
			o.processEmail(ctx, run, modelName, &email, job)
		}(emails[i])
	}
	wg.Wait()

	return o.finalize(ctx, run, job)
}

// finalize performs the single authoritative terminal transition. A
// cancel issued after the last email but before this write wins: the
// guarded update affects no row and the completion is dropped.
func (o *Orchestrator) finalize(ctx context.Context, run *models.ExtractionRun, job *JobProgress) error {
	if job.Cancelled() {
		o.cleanupCancelled(ctx, run.ID)
		o.Jobs.Finish(ctx, job, models.JobStatusCancelled)
		return nil
	}

	now := time.Now()
	res := o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Updates(map[string]any{"status": models.RunStatusCompleted, "completed_at": now})
	if res.Error != nil {
		return o.failRun(ctx, run, job, res.Error)
	}
	if res.RowsAffected == 0 {
		// Cancelled between the last email and the status write.
		o.cleanupCancelled(ctx, run.ID)
		o.Jobs.Finish(ctx, job, models.JobStatusCancelled)
		return nil
	}

	o.Jobs.Finish(ctx, job, models.JobStatusCompleted)

	processed, failed, skipped, informational, total := job.Counts()
	o.Hub.Publish(run.ID, ProgressEvent{
		Stage:   StageComplete,
		Message: "extraction complete",
		Current: processed,
		Total:   total,
		Details: map[string]any{
			"failed":        failed,
			"skipped":       skipped,
			"informational": informational,
		},
	})
	o.Logger.Info("Extraction run completed",
		zap.Uint("run_id", run.ID),
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	return nil
}

// cleanupCancelled deletes whatever transactions in-flight workers wrote
// after the cancel's own delete pass.
func (o *Orchestrator) cleanupCancelled(ctx context.Context, runID uint) {
	if err := o.DB.WithContext(ctx).
		Where("extraction_run_id = ?", runID).
		Delete(&models.Transaction{}).Error; err != nil {
		o.Logger.Warn("Cleanup after cancellation failed", zap.Uint("run_id", runID), zap.Error(err))
	}
}

// failRun marks the run failed with whatever counters accumulated; the
// run stays resumable.
func (o *Orchestrator) failRun(ctx context.Context, run *models.ExtractionRun, job *JobProgress, cause error) error {
	o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Update("status", models.RunStatusFailed)
	if job != nil {
		o.Jobs.Finish(ctx, job, models.JobStatusFailed)
	}
	o.Hub.Publish(run.ID, ProgressEvent{Stage: StageError, Message: cause.Error()})
	o.Logger.Error("Extraction run failed", zap.Uint("run_id", run.ID), zap.Error(cause))
	return cause
}

// processEmail runs one email through the invoker and persists the
// outcome. Failures here are absorbed into counters; they never abort
// sibling work.
func (o *Orchestrator) processEmail(ctx context.Context, run *models.ExtractionRun, modelName string, email *models.Email, job *JobProgress) {
	log := o.Logger.With(zap.Uint("run_id", run.ID), zap.Uint("email_id", email.ID))

	processed, _, _, _, total := job.Counts()
	o.Hub.Publish(run.ID, ProgressEvent{
		Stage:   StageExtracting,
		Message: email.Subject,
		Current: processed,
		Total:   total,
	})

	doc, err := o.Invoker.Extract(ctx, email, modelName, run.PromptText)
	if err != nil {
		log.Warn("Extraction call failed", zap.Error(err))
		o.recordOutcome(ctx, run, email, job, outcome{
			status: models.EmailStatusFailed,
			errMsg: err.Error(),
			errors: 1,
		})
		return
	}

	processed, _, _, _, _ = job.Counts()
	o.Hub.Publish(run.ID, ProgressEvent{Stage: StageParsing, Current: processed, Total: total})

	switch {
	case doc.EmailType == extractor.EmailTypeEvidence:
		// Evidence of a discussion, not a transaction notice: record a
		// summary instead of transactions.
		refs, _ := json.Marshal(doc.RelatedReferenceNumbers)
		summary := models.DiscussionSummary{
			ExtractionRunID:  run.ID,
			EmailID:          email.ID,
			Summary:          doc.DiscussionSummary,
			ReferenceNumbers: refs,
		}
		if err := o.DB.WithContext(ctx).Create(&summary).Error; err != nil {
			log.Warn("Failed to record discussion summary", zap.Error(err))
		}
		o.recordOutcome(ctx, run, email, job, outcome{
			status: models.EmailStatusSkipped,
			notes:  doc.DiscussionSummary,
		})

	case !doc.IsTransactional:
		o.recordOutcome(ctx, run, email, job, outcome{
			status:        models.EmailStatusInformational,
			notes:         doc.ExtractionNotes,
			informational: true,
		})

	default:
		o.Hub.Publish(run.ID, ProgressEvent{Stage: StageSaving, Current: processed, Total: total})

		ids, failedItems := o.Materializer.Materialize(ctx, doc, email, run)
		status := models.EmailStatusCompleted
		if len(doc.Transactions) == 0 {
			status = models.EmailStatusNonFinancial
		}
		o.recordOutcome(ctx, run, email, job, outcome{
			status:       status,
			notes:        doc.ExtractionNotes,
			transactions: len(ids),
			errors:       failedItems,
		})
	}
}

type outcome struct {
	status        string
	notes         string
	errMsg        string
	transactions  int
	errors        int
	informational bool
}

// recordOutcome persists the per-email result: email status, the
// extraction record resume keys on, accumulated run counters, job
// counters and a progress event. Counter writes accumulate rather than
// overwrite so parallel completion order cannot lose updates.
func (o *Orchestrator) recordOutcome(ctx context.Context, run *models.ExtractionRun, email *models.Email, job *JobProgress, out outcome) {
	log := o.Logger.With(zap.Uint("run_id", run.ID), zap.Uint("email_id", email.ID))
	now := time.Now()

	if err := o.DB.WithContext(ctx).Model(&models.Email{}).
		Where("id = ?", email.ID).
		Updates(map[string]any{"extraction_status": out.status, "processed_at": now}).Error; err != nil {
		log.Warn("Failed to update email status", zap.Error(err))
	}

	extraction := models.EmailExtraction{
		ExtractionRunID:     run.ID,
		EmailID:             email.ID,
		Status:              out.status,
		TransactionsCreated: out.transactions,
		Notes:               out.notes,
		Error:               out.errMsg,
	}
	if err := o.DB.WithContext(ctx).Create(&extraction).Error; err != nil {
		log.Warn("Failed to record email extraction", zap.Error(err))
	}

	updates := map[string]any{
		"emails_processed": gorm.Expr("emails_processed + ?", 1),
	}
	if out.transactions > 0 {
		updates["transactions_created"] = gorm.Expr("transactions_created + ?", out.transactions)
	}
	if out.informational {
		updates["informational_count"] = gorm.Expr("informational_count + ?", 1)
	}
	if out.errors > 0 {
		updates["error_count"] = gorm.Expr("error_count + ?", out.errors)
	}
	if err := o.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("id = ?", run.ID).
		UpdateColumns(updates).Error; err != nil {
		log.Warn("Failed to accumulate run counters", zap.Error(err))
	}

	current := job.Record(out.status)
	o.Jobs.Flush(ctx, job)

	_, failed, skipped, informational, total := job.Counts()
	o.Hub.Publish(run.ID, ProgressEvent{
		Stage:   StageSaving,
		Message: email.Subject,
		Current: current,
		Total:   total,
		Details: map[string]any{
			"status":        out.status,
			"failed":        failed,
			"skipped":       skipped,
			"informational": informational,
		},
	})
}

// remainingEmails computes the run's outstanding work: every email in
// the set minus those already covered by an extraction record under this
// run. For a fresh run that is the whole set; for a resumed run it is
// exactly the unfinished remainder.
func (o *Orchestrator) remainingEmails(ctx context.Context, run *models.ExtractionRun, sampleSize int) ([]models.Email, error) {
	extracted := o.DB.Model(&models.EmailExtraction{}).
		Select("email_id").
		Where("extraction_run_id = ?", run.ID)

	q := o.DB.WithContext(ctx).
		Where("email_set_id = ?", run.EmailSetID).
		Where("id NOT IN (?)", extracted)
	if sampleSize > 0 {
		q = q.Order("RANDOM()").Limit(sampleSize)
	} else {
		q = q.Order("id")
	}

	var emails []models.Email
	if err := q.Find(&emails).Error; err != nil {
		return nil, err
	}
	return emails, nil
}

func (o *Orchestrator) loadRun(ctx context.Context, runID uint) (*models.ExtractionRun, error) {
	var run models.ExtractionRun
	err := o.DB.WithContext(ctx).First(&run, runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (o *Orchestrator) modelName(ctx context.Context, run *models.ExtractionRun) (string, error) {
	var mc models.ModelConfig
	err := o.DB.WithContext(ctx).First(&mc, run.ModelConfigID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: model config %d", ErrNotFound, run.ModelConfigID)
	}
	if err != nil {
		return "", err
	}
	return mc.Name, nil
}
