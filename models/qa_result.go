package models

import (
	"time"

	"gorm.io/datatypes"
)

// Review states of a QA result. The status is derived from
// AcceptedFields versus FieldIssues, never set independently; rejected
// is the only explicit reviewer override.
const (
	QaResultStatusPendingReview = "pending_review"
	QaResultStatusAccepted      = "accepted"
	QaResultStatusPartial       = "partial"
	QaResultStatusRejected      = "rejected"
)

// QaResult is one transaction's review record. FieldIssues is an
// ordered array of {field, suggested_value}; DuplicateFields and
// AcceptedMerges are arrays of {canonical, merged[]}.
type QaResult struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	QaRunID       uint `json:"qa_run_id" gorm:"index;not null"`
	TransactionID uint `json:"transaction_id" gorm:"index;not null"`
	SourceEmailID uint `json:"source_email_id" gorm:"index;not null"`

	HasIssues          bool `json:"has_issues" gorm:"default:false"`
	IsMultiTransaction bool `json:"is_multi_transaction" gorm:"default:false"`

	FieldIssues     datatypes.JSON    `json:"field_issues,omitempty" gorm:"type:jsonb"`
	DuplicateFields datatypes.JSON    `json:"duplicate_fields,omitempty" gorm:"type:jsonb"`
	AcceptedFields  datatypes.JSONMap `json:"accepted_fields,omitempty" gorm:"type:jsonb"`
	AcceptedMerges  datatypes.JSON    `json:"accepted_merges,omitempty" gorm:"type:jsonb"`

	Status string `json:"status" gorm:"index;default:'pending_review'"`
}

// TableName sets the explicit table name.
func (QaResult) TableName() string {
	return "qa_results"
}
