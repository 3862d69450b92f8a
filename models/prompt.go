package models

import "time"

// Prompt is a stored extraction prompt. Runs may reference one or carry
// literal override text instead.
type Prompt struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string `json:"name" gorm:"uniqueIndex;not null"`
	Text      string `json:"text" gorm:"type:text;not null"`
	IsDefault bool   `json:"is_default" gorm:"default:false"`
}

// TableName sets the explicit table name.
func (Prompt) TableName() string {
	return "prompts"
}
