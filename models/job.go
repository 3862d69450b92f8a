package models

import "time"

// Job states.
const (
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job is the persisted progress record of one run execution. The
// in-memory copy held by the JobRegistry is authoritative while the
// process is alive; this row survives restarts so any reader can
// reconstruct progress from the database alone.
type Job struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExtractionRunID uint   `json:"extraction_run_id" gorm:"index;not null"`
	Status          string `json:"status" gorm:"index;default:'running'"`

	Total         int `json:"total" gorm:"default:0"`
	Processed     int `json:"processed" gorm:"default:0"`
	Failed        int `json:"failed" gorm:"default:0"`
	Skipped       int `json:"skipped" gorm:"default:0"`
	Informational int `json:"informational" gorm:"default:0"`

	CancelNotes string `json:"cancel_notes,omitempty"`

	// HeartbeatAt lets the sweeper detect jobs orphaned by a crash.
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// TableName sets the explicit table name.
func (Job) TableName() string {
	return "jobs"
}
