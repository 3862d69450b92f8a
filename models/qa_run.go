package models

import "time"

// QA run states.
const (
	QaRunStatusPending   = "pending"
	QaRunStatusRunning   = "running"
	QaRunStatusCompleted = "completed"
	QaRunStatusFailed    = "failed"
)

// QaRun groups the QA results of one review pass over a source run.
// SynthesizedRunID is set exactly once, on first successful synthesis.
type QaRun struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SourceRunID uint   `json:"source_run_id" gorm:"index;not null"`
	EmailSetID  uint   `json:"email_set_id" gorm:"index;not null"`
	Status      string `json:"status" gorm:"index;default:'pending'"`

	ResultCount int `json:"result_count" gorm:"default:0"`
	IssueCount  int `json:"issue_count" gorm:"default:0"`

	SynthesizedRunID *uint `json:"synthesized_run_id,omitempty"`
}

// TableName sets the explicit table name.
func (QaRun) TableName() string {
	return "qa_runs"
}
