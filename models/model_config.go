package models

import "time"

// ModelConfig names an extraction model, e.g. "gemini-2.0-flash".
type ModelConfig struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name     string `json:"name" gorm:"uniqueIndex;not null"`
	Provider string `json:"provider" gorm:"default:'gemini'"`
}

// TableName sets the explicit table name.
func (ModelConfig) TableName() string {
	return "model_configs"
}
