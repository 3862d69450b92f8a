package models

import "time"

// EmailSet groups uploaded emails into one unit of extraction work.
// EmailCount is maintained on upload/delete, not recomputed per read.
type EmailSet struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `json:"name" gorm:"uniqueIndex;not null"`
	EmailCount int    `json:"email_count" gorm:"default:0"`
}

// TableName sets the explicit table name.
func (EmailSet) TableName() string {
	return "email_sets"
}
