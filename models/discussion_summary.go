package models

import (
	"time"

	"gorm.io/datatypes"
)

// DiscussionSummary is recorded instead of transactions when the model
// classifies an email as evidence of a discussion rather than a
// transactional notice.
type DiscussionSummary struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExtractionRunID uint `json:"extraction_run_id" gorm:"index;not null"`
	EmailID         uint `json:"email_id" gorm:"index;not null"`

	Summary          string         `json:"summary" gorm:"type:text"`
	ReferenceNumbers datatypes.JSON `json:"reference_numbers,omitempty" gorm:"type:jsonb"`
}

// TableName sets the explicit table name.
func (DiscussionSummary) TableName() string {
	return "discussion_summaries"
}
