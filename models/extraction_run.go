package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run states. completed and cancelled are terminal; failed may go back
// to running via resume only.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// SynthesisTypeQaCorrections marks runs produced by applying accepted QA
// corrections onto a source run.
const SynthesisTypeQaCorrections = "qa_corrections"

// ExtractionRun is one versioned execution of extraction over a set with
// a fixed model, prompt and software version. Version numbers are never
// reused within a set.
type ExtractionRun struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EmailSetID    uint  `json:"email_set_id" gorm:"index:idx_runs_set_version,unique;not null"`
	Version       int   `json:"version" gorm:"index:idx_runs_set_version,unique;not null"`
	ModelConfigID uint  `json:"model_config_id" gorm:"index;not null"`
	PromptID      *uint `json:"prompt_id,omitempty"`

	// PromptText snapshots the exact prompt used, including literal
	// overrides that bypass the prompts table.
	PromptText      string `json:"prompt_text" gorm:"type:text"`
	SoftwareVersion string `json:"software_version" gorm:"index;not null"`

	Status string `json:"status" gorm:"index;default:'pending'"`

	EmailsProcessed     int `json:"emails_processed" gorm:"default:0"`
	TransactionsCreated int `json:"transactions_created" gorm:"default:0"`
	InformationalCount  int `json:"informational_count" gorm:"default:0"`
	ErrorCount          int `json:"error_count" gorm:"default:0"`

	// JobID links to the live job driving this run, if any.
	JobID string `json:"job_id,omitempty" gorm:"index;size:36"`

	IsSynthesized bool           `json:"is_synthesized" gorm:"default:false"`
	SynthesisType string         `json:"synthesis_type,omitempty"`
	SourceRunIDs  datatypes.JSON `json:"source_run_ids,omitempty" gorm:"type:jsonb"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName sets the explicit table name.
func (ExtractionRun) TableName() string {
	return "extraction_runs"
}
