package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit actions recorded for pickup requests.
const (
	ActivityRequested = "requested"
	ActivityCalled    = "called"
	ActivityCompleted = "completed"
	ActivityCancelled = "cancelled"
)

// ActivityLog is one audited pickup request transition. EventKey is the change
// event's dedup key, so every node may record the same event safely.
type ActivityLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	EventKey   string            `gorm:"size:128;not null;uniqueIndex" json:"event_key"`
	EntityType string            `gorm:"size:64;not null;index" json:"entity_type"`
	EntityID   uint              `gorm:"not null;index" json:"entity_id"`
	Action     string            `gorm:"size:32;not null;index" json:"action"`
	ParentID   uint              `gorm:"index" json:"parent_id"`
	StudentID  uint              `gorm:"index" json:"student_id"`
	ClassID    uint              `gorm:"index" json:"class_id"`
	FromStatus string            `gorm:"size:16" json:"from_status"`
	ToStatus   string            `gorm:"size:16" json:"to_status"`
	Version    uint              `json:"version"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	OccurredAt time.Time         `gorm:"not null;index" json:"occurred_at"`
	CreatedAt  time.Time         `json:"created_at"`
}
