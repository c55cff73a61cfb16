package dto

import (
	"time"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// PaginationMeta provides pagination details for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// ActivityListQuery filters the pickup audit trail.
type ActivityListQuery struct {
	ClassID   uint   `query:"class_id"`
	StudentID uint   `query:"student_id"`
	RequestID uint   `query:"request_id"`
	Action    string `query:"action" validate:"omitempty,oneof=requested called completed cancelled"`
	Date      string `query:"date" validate:"omitempty,datetime=2006-01-02"`
	Page      int    `query:"page" validate:"omitempty,min=1"`
	PageSize  int    `query:"page_size" validate:"omitempty,min=1,max=200"`
}

// ActivityResponse serializes one audit entry.
type ActivityResponse struct {
	ID         uint                   `json:"id"`
	RequestID  uint                   `json:"request_id"`
	Action     string                 `json:"action"`
	ParentID   uint                   `json:"parent_id"`
	StudentID  uint                   `json:"student_id"`
	ClassID    uint                   `json:"class_id"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status"`
	Version    uint                   `json:"version"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// ActivityListResponse wraps a page of audit entries.
type ActivityListResponse struct {
	Items      []ActivityResponse `json:"items"`
	Pagination PaginationMeta     `json:"pagination"`
}

// NewActivityResponse converts a model into an activity DTO.
func NewActivityResponse(entry models.ActivityLog) ActivityResponse {
	var metadata map[string]interface{}
	if len(entry.Metadata) > 0 {
		metadata = make(map[string]interface{}, len(entry.Metadata))
		for key, value := range entry.Metadata {
			metadata[key] = value
		}
	}
	return ActivityResponse{
		ID:         entry.ID,
		RequestID:  entry.EntityID,
		Action:     entry.Action,
		ParentID:   entry.ParentID,
		StudentID:  entry.StudentID,
		ClassID:    entry.ClassID,
		FromStatus: entry.FromStatus,
		ToStatus:   entry.ToStatus,
		Version:    entry.Version,
		Metadata:   metadata,
		OccurredAt: entry.OccurredAt,
	}
}
