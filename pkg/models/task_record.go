package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskOutcome mirrors the outcome reported by the update processor.
type TaskOutcome string

const (
	TaskOutcomeApplied   TaskOutcome = "applied"
	TaskOutcomeUnchanged TaskOutcome = "unchanged"
	TaskOutcomeFailed    TaskOutcome = "failed"
	TaskOutcomeTimedOut  TaskOutcome = "timed_out"
	TaskOutcomeRejected  TaskOutcome = "rejected"
)

// TaskRecord is one journaled cluster state update task.
type TaskRecord struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	ClusterName string      `gorm:"index;not null" json:"cluster_name"`
	NodeID      string      `gorm:"index;not null" json:"node_id"`
	Source      string      `gorm:"not null" json:"source"`
	Priority    string      `gorm:"size:16;not null" json:"priority"`
	Outcome     TaskOutcome `gorm:"size:16;index;not null" json:"outcome"`
	Error       string      `json:"error,omitempty"`
	QueuedMs    int64       `json:"queued_ms"`
	ExecutedMs  int64       `json:"executed_ms"`
	Version     int64       `json:"version"`
	StateUUID   string      `gorm:"size:36" json:"state_uuid"`
	CompletedAt time.Time   `gorm:"index;not null" json:"completed_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (TaskRecord) TableName() string { return "cluster_task_journal" }

// BeforeCreate assigns an id when the caller did not.
func (r *TaskRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
