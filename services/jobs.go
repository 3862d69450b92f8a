package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mail-ledger/models"
)

// JobProgress is the live, in-process view of one running job. It is
// authoritative while the process is alive; the jobs table is the
// durable fallback any reader can reconstruct progress from.
type JobProgress struct {
	JobID string
	RunID uint

	mu            sync.Mutex
	total         int
	processed     int
	failed        int
	skipped       int
	informational int
	cancelled     bool
	cancelNotes   string
	cancel        chan struct{}
}

// Done returns a channel closed when cancellation has been requested.
// The orchestrator checks it between units of work, never mid-call.
func (p *JobProgress) Done() <-chan struct{} {
	return p.cancel
}

// Cancelled reports whether cancellation has been requested.
func (p *JobProgress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Record accumulates one finished email into the counters and returns
// the new processed count. Counters only ever increase.
func (p *JobProgress) Record(status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	switch status {
	case models.EmailStatusFailed:
		p.failed++
	case models.EmailStatusSkipped, models.EmailStatusNonFinancial:
		p.skipped++
	case models.EmailStatusInformational:
		p.informational++
	}
	return p.processed
}

// Counts returns a consistent snapshot of the counters.
func (p *JobProgress) Counts() (processed, failed, skipped, informational, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failed, p.skipped, p.informational, p.total
}

func (p *JobProgress) markCancelled(notes string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.cancelled = true
	p.cancelNotes = notes
	close(p.cancel)
	return true
}

// JobRegistry owns the map from run id to live job progress and keeps
// the persisted jobs table in sync.
type JobRegistry struct {
	DB     *gorm.DB
	Logger *zap.Logger

	mu   sync.RWMutex
	jobs map[uint]*JobProgress
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry(db *gorm.DB, logger *zap.Logger) *JobRegistry {
	return &JobRegistry{
		DB:     db,
		Logger: logger,
		jobs:   make(map[uint]*JobProgress),
	}
}

// Register creates a job row for the run and a live progress handle.
// A run can only carry one live job at a time.
func (r *JobRegistry) Register(ctx context.Context, runID uint, total int) (*JobProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[runID]; exists {
		return nil, ErrInvalidTransition
	}

	job := models.Job{
		ID:              uuid.NewString(),
		ExtractionRunID: runID,
		Status:          models.JobStatusRunning,
		Total:           total,
		HeartbeatAt:     time.Now(),
	}
	if err := r.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}

	p := &JobProgress{
		JobID:  job.ID,
		RunID:  runID,
		total:  total,
		cancel: make(chan struct{}),
	}
	r.jobs[runID] = p
	return p, nil
}

// Get returns the live progress for a run, or nil when none is running
// in this process.
func (r *JobRegistry) Get(runID uint) *JobProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[runID]
}

// Cancel requests cooperative cancellation of the run's live job.
// Cancelling an already-cancelled job is a no-op. Returns false when no
// live job exists in this process.
func (r *JobRegistry) Cancel(ctx context.Context, runID uint, notes string) bool {
	p := r.Get(runID)
	if p == nil {
		return false
	}
	if !p.markCancelled(notes) {
		return true
	}
	if err := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", p.JobID).
		Updates(map[string]any{"status": models.JobStatusCancelled, "cancel_notes": notes}).Error; err != nil {
		r.Logger.Warn("Failed to persist job cancellation", zap.String("job_id", p.JobID), zap.Error(err))
	}
	return true
}

// Flush writes the live counters and a heartbeat to the job row.
func (r *JobRegistry) Flush(ctx context.Context, p *JobProgress) {
	processed, failed, skipped, informational, _ := p.Counts()
	err := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", p.JobID).
		Updates(map[string]any{
			"processed":     processed,
			"failed":        failed,
			"skipped":       skipped,
			"informational": informational,
			"heartbeat_at":  time.Now(),
		}).Error
	if err != nil {
		r.Logger.Warn("Failed to flush job progress", zap.String("job_id", p.JobID), zap.Error(err))
	}
}

// Finish persists the terminal status, flushes the counters one last
// time and drops the live handle. The jobs table keeps the record.
func (r *JobRegistry) Finish(ctx context.Context, p *JobProgress, status string) {
	r.Flush(ctx, p)
	if err := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", p.JobID, models.JobStatusRunning).
		Update("status", status).Error; err != nil {
		r.Logger.Warn("Failed to persist job status", zap.String("job_id", p.JobID), zap.Error(err))
	}
	r.mu.Lock()
	delete(r.jobs, p.RunID)
	r.mu.Unlock()
}

// Snapshot reconstructs a run's progress. The live handle wins; without
// one the latest persisted job row is returned, so a second client or a
// restarted process sees the same numbers.
func (r *JobRegistry) Snapshot(ctx context.Context, runID uint) (*models.Job, error) {
	if p := r.Get(runID); p != nil {
		processed, failed, skipped, informational, total := p.Counts()
		status := models.JobStatusRunning
		if p.Cancelled() {
			status = models.JobStatusCancelled
		}
		return &models.Job{
			ID:              p.JobID,
			ExtractionRunID: runID,
			Status:          status,
			Total:           total,
			Processed:       processed,
			Failed:          failed,
			Skipped:         skipped,
			Informational:   informational,
		}, nil
	}

	var job models.Job
	err := r.DB.WithContext(ctx).
		Where("extraction_run_id = ?", runID).
		Order("created_at desc").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SweepStale marks jobs without a recent heartbeat as failed and flips
// their runs to failed so they become resumable. Called from cron after
// a crash leaves running rows behind.
func (r *JobRegistry) SweepStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)

	var stale []models.Job
	err := r.DB.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", models.JobStatusRunning, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	var swept int64
	for _, job := range stale {
		// Live jobs in this process heartbeat through Flush; anything
		// stale here is orphaned.
		if r.Get(job.ExtractionRunID) != nil {
			continue
		}
		if err := r.DB.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
			Update("status", models.JobStatusFailed).Error; err != nil {
			r.Logger.Warn("Failed to sweep stale job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		r.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
			Where("id = ? AND status = ?", job.ExtractionRunID, models.RunStatusRunning).
			Update("status", models.RunStatusFailed)
		swept++
	}
	return swept, nil
}
