package dto

import (
	"time"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// PickupCreateRequest is the payload a parent sends to request a pickup.
type PickupCreateRequest struct {
	StudentID uint `json:"student_id" validate:"required"`
}

// PickupActiveQuery filters the active (pending/called) request list.
type PickupActiveQuery struct {
	ClassID uint   `query:"class_id"`
	Status  string `query:"status" validate:"omitempty,oneof=pending called"`
}

// PickupHistoryQuery filters archived pickups for reporting.
type PickupHistoryQuery struct {
	ClassID uint   `query:"class_id" validate:"required"`
	From    string `query:"from" validate:"omitempty,datetime=2006-01-02"`
	To      string `query:"to" validate:"omitempty,datetime=2006-01-02"`
	Limit   int    `query:"limit" validate:"omitempty,min=1,max=500"`
}

// PickupRequestResponse is the serialized pickup request.
type PickupRequestResponse struct {
	ID          uint       `json:"id"`
	StudentID   uint       `json:"student_id"`
	ClassID     uint       `json:"class_id"`
	ParentID    uint       `json:"parent_id"`
	Status      string     `json:"status"`
	Version     uint       `json:"version"`
	RequestTime time.Time  `json:"request_time"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// NewPickupRequestResponse converts a model into a DTO.
func NewPickupRequestResponse(model models.PickupRequest) PickupRequestResponse {
	return PickupRequestResponse{
		ID:          model.ID,
		StudentID:   model.StudentID,
		ClassID:     model.ClassID,
		ParentID:    model.ParentID,
		Status:      model.Status,
		Version:     model.Version,
		RequestTime: model.RequestTime,
		CalledAt:    model.CalledAt,
		CompletedAt: model.CompletedAt,
		CancelledAt: model.CancelledAt,
	}
}

// NewPickupRequestResponseSlice converts a slice of models into DTOs.
func NewPickupRequestResponseSlice(items []models.PickupRequest) []PickupRequestResponse {
	out := make([]PickupRequestResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewPickupRequestResponse(item))
	}
	return out
}

// PickupHistoryResponse is the serialized archive row.
type PickupHistoryResponse struct {
	RequestID       uint       `json:"request_id"`
	StudentID       uint       `json:"student_id"`
	ClassID         uint       `json:"class_id"`
	ParentID        uint       `json:"parent_id"`
	RequestTime     time.Time  `json:"request_time"`
	CalledTime      *time.Time `json:"called_time,omitempty"`
	CompletedTime   time.Time  `json:"completed_time"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	CompletedBy     string     `json:"completed_by"`
}

// NewPickupHistoryResponseSlice converts archive rows into DTOs.
func NewPickupHistoryResponseSlice(items []models.PickupHistory) []PickupHistoryResponse {
	out := make([]PickupHistoryResponse, 0, len(items))
	for _, item := range items {
		out = append(out, PickupHistoryResponse{
			RequestID:       item.RequestID,
			StudentID:       item.StudentID,
			ClassID:         item.ClassID,
			ParentID:        item.ParentID,
			RequestTime:     item.RequestTime,
			CalledTime:      item.CalledTime,
			CompletedTime:   item.CompletedTime,
			DurationSeconds: item.DurationSeconds,
			CompletedBy:     item.CompletedBy,
		})
	}
	return out
}
