package models

import "time"

// Pickup request statuses.
const (
	PickupStatusPending   = "pending"
	PickupStatusCalled    = "called"
	PickupStatusCompleted = "completed"
	PickupStatusCancelled = "cancelled"
)

// ActivePickupStatuses are the statuses that count toward the one-active-request
// per child rule.
var ActivePickupStatuses = []string{PickupStatusPending, PickupStatusCalled}

// IsTerminalPickupStatus reports whether no further transition is allowed.
func IsTerminalPickupStatus(status string) bool {
	return status == PickupStatusCompleted || status == PickupStatusCancelled
}

// PickupRequest is a parent's request to release a child.
type PickupRequest struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	StudentID   uint       `gorm:"index;not null;uniqueIndex:idx_pickup_active_student,where:status <> 'completed' AND status <> 'cancelled'" json:"student_id"`
	ClassID     uint       `gorm:"index;not null" json:"class_id"`
	ParentID    uint       `gorm:"index;not null" json:"parent_id"`
	Status      string     `gorm:"size:16;not null;index" json:"status"`
	Version     uint       `gorm:"not null;default:1" json:"version"`
	RequestTime time.Time  `gorm:"not null" json:"request_time"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Completion sources recorded in pickup history.
const (
	CompletedByStaff = "staff"
	CompletedByAuto  = "auto"
)

// PickupHistory is the append-only archive row written on completion.
type PickupHistory struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RequestID       uint       `gorm:"uniqueIndex;not null" json:"request_id"`
	StudentID       uint       `gorm:"index;not null" json:"student_id"`
	ClassID         uint       `gorm:"index;not null" json:"class_id"`
	ParentID        uint       `gorm:"not null" json:"parent_id"`
	RequestTime     time.Time  `gorm:"not null" json:"request_time"`
	CalledTime      *time.Time `json:"called_time,omitempty"`
	CompletedTime   time.Time  `gorm:"index;not null" json:"completed_time"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	CompletedBy     string     `gorm:"size:16;not null" json:"completed_by"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewPickupHistory archives a completed request.
func NewPickupHistory(request PickupRequest, completedBy string) PickupHistory {
	history := PickupHistory{
		RequestID:   request.ID,
		StudentID:   request.StudentID,
		ClassID:     request.ClassID,
		ParentID:    request.ParentID,
		RequestTime: request.RequestTime,
		CalledTime:  request.CalledAt,
		CompletedBy: completedBy,
	}
	if request.CompletedAt != nil {
		history.CompletedTime = *request.CompletedAt
	}
	if request.CalledAt != nil && request.CompletedAt != nil {
		seconds := int64(request.CompletedAt.Sub(*request.CalledAt) / time.Second)
		history.DurationSeconds = &seconds
	}
	return history
}
