package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mail-ledger/config"
	"mail-ledger/models"
)

// RunRegistry creates and tracks extraction runs, assigning per-set
// version numbers and guarding against redundant re-extraction.
type RunRegistry struct {
	DB     *gorm.DB
	Config *config.Config
	Logger *zap.Logger
}

// NewRunRegistry creates a run registry.
func NewRunRegistry(db *gorm.DB, cfg *config.Config, logger *zap.Logger) *RunRegistry {
	return &RunRegistry{DB: db, Config: cfg, Logger: logger}
}

// CreateRunInput parameterizes a new run. PromptText overrides PromptID
// when set; with neither, the default prompt is used.
type CreateRunInput struct {
	SetID         uint
	ModelConfigID uint
	PromptID      *uint
	PromptText    string
}

// CreateRun registers a new pending run for a set. It fails with
// ErrDuplicateRun when a completed run already exists for the same
// (set, model, software version) triple, with ErrNoEmails when the set
// holds nothing to extract, and assigns the next version
// number in the set. The duplicate check is advisory at the application
// layer; a concurrent create of the same version trips the unique
// (set, version) index and fails loudly instead of double-processing.
func (r *RunRegistry) CreateRun(ctx context.Context, in CreateRunInput) (*models.ExtractionRun, error) {
	var run *models.ExtractionRun
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var set models.EmailSet
		if err := tx.First(&set, in.SetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: email set %d", ErrNotFound, in.SetID)
			}
			return err
		}

		var emailCount int64
		if err := tx.Model(&models.Email{}).
			Where("email_set_id = ?", in.SetID).
			Count(&emailCount).Error; err != nil {
			return err
		}
		if emailCount == 0 {
			return ErrNoEmails
		}

		var model models.ModelConfig
		if err := tx.First(&model, in.ModelConfigID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: model config %d", ErrNotFound, in.ModelConfigID)
			}
			return err
		}

		var dupes int64
		if err := tx.Model(&models.ExtractionRun{}).
			Where("email_set_id = ? AND model_config_id = ? AND software_version = ? AND status = ?",
				in.SetID, in.ModelConfigID, r.Config.SoftwareVersion, models.RunStatusCompleted).
			Count(&dupes).Error; err != nil {
			return err
		}
		if dupes > 0 {
			return ErrDuplicateRun
		}

		promptText, promptID, err := r.resolvePrompt(tx, in)
		if err != nil {
			return err
		}

		var maxVersion int
		if err := tx.Model(&models.ExtractionRun{}).
			Where("email_set_id = ?", in.SetID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		run = &models.ExtractionRun{
			EmailSetID:      in.SetID,
			Version:         maxVersion + 1,
			ModelConfigID:   in.ModelConfigID,
			PromptID:        promptID,
			PromptText:      promptText,
			SoftwareVersion: r.Config.SoftwareVersion,
			Status:          models.RunStatusPending,
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}

	r.Logger.Info("Extraction run created",
		zap.Uint("run_id", run.ID),
		zap.Uint("set_id", run.EmailSetID),
		zap.Int("version", run.Version))
	return run, nil
}

func (r *RunRegistry) resolvePrompt(tx *gorm.DB, in CreateRunInput) (string, *uint, error) {
	if in.PromptText != "" {
		return in.PromptText, nil, nil
	}
	var prompt models.Prompt
	if in.PromptID != nil {
		if err := tx.First(&prompt, *in.PromptID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", nil, fmt.Errorf("%w: prompt %d", ErrNotFound, *in.PromptID)
			}
			return "", nil, err
		}
		return prompt.Text, in.PromptID, nil
	}
	if err := tx.Where("is_default = ?", true).First(&prompt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, fmt.Errorf("%w: no default prompt configured", ErrNotFound)
		}
		return "", nil, err
	}
	return prompt.Text, &prompt.ID, nil
}

// Eligibility is the answer to "can this set be extracted right now".
type Eligibility struct {
	Eligible      bool   `json:"eligible"`
	Reason        string `json:"reason,omitempty"`
	PendingEmails int64  `json:"pending_emails"`
}

// CheckEligibility reports whether a set can be extracted with the
// given model under the current software version.
func (r *RunRegistry) CheckEligibility(ctx context.Context, setID, modelConfigID uint) (*Eligibility, error) {
	var set models.EmailSet
	if err := r.DB.WithContext(ctx).First(&set, setID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: email set %d", ErrNotFound, setID)
		}
		return nil, err
	}

	var completed int64
	if err := r.DB.WithContext(ctx).Model(&models.ExtractionRun{}).
		Where("email_set_id = ? AND model_config_id = ? AND software_version = ? AND status = ?",
			setID, modelConfigID, r.Config.SoftwareVersion, models.RunStatusCompleted).
		Count(&completed).Error; err != nil {
		return nil, err
	}
	if completed > 0 {
		return &Eligibility{Eligible: false, Reason: "already_extracted"}, nil
	}

	var total int64
	if err := r.DB.WithContext(ctx).Model(&models.Email{}).
		Where("email_set_id = ?", setID).
		Count(&total).Error; err != nil {
		return nil, err
	}
	if total == 0 {
		return &Eligibility{Eligible: false, Reason: "no_emails"}, nil
	}

	var pending int64
	if err := r.DB.WithContext(ctx).Model(&models.Email{}).
		Where("email_set_id = ? AND extraction_status = ?", setID, models.EmailStatusPending).
		Count(&pending).Error; err != nil {
		return nil, err
	}

	return &Eligibility{Eligible: true, PendingEmails: pending}, nil
}
