package models

import "time"

// Per-email extraction states. An email may only be reset back to
// pending explicitly (single reprocess or bulk reset).
const (
	EmailStatusPending       = "pending"
	EmailStatusCompleted     = "completed"
	EmailStatusFailed        = "failed"
	EmailStatusSkipped       = "skipped"
	EmailStatusInformational = "informational"
	EmailStatusNonFinancial  = "non_financial"
)

// Email is one raw message inside a set. ContentHash is the dedup key
// across uploads.
type Email struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EmailSetID  uint   `json:"email_set_id" gorm:"index;not null"`
	ContentHash string `json:"content_hash" gorm:"uniqueIndex;not null;size:64"`

	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	Content    string     `json:"content" gorm:"type:text"`
	S3Link     string     `json:"s3_link,omitempty"`

	ExtractionStatus string     `json:"extraction_status" gorm:"index;default:'pending'"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`

	// WinnerTransactionID marks the reviewer-preferred transaction among
	// multiple runs' outputs for this email.
	WinnerTransactionID *uint `json:"winner_transaction_id,omitempty"`
}

// TableName sets the explicit table name.
func (Email) TableName() string {
	return "emails"
}
