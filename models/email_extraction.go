package models

import "time"

// EmailExtraction records that a run handled an email, whatever the
// outcome. Resume subtracts these rows from the run's email set, which
// is what makes resumption idempotent.
type EmailExtraction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExtractionRunID uint `json:"extraction_run_id" gorm:"index:idx_email_extractions_run_email,unique;not null"`
	EmailID         uint `json:"email_id" gorm:"index:idx_email_extractions_run_email,unique;not null"`

	Status              string `json:"status" gorm:"index"`
	TransactionsCreated int    `json:"transactions_created" gorm:"default:0"`
	Notes               string `json:"notes,omitempty" gorm:"type:text"`
	Error               string `json:"error,omitempty" gorm:"type:text"`
}

// TableName sets the explicit table name.
func (EmailExtraction) TableName() string {
	return "email_extractions"
}
