package dto

import (
	"time"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// PickupAuthorizationCreateRequest grants a parent pickup rights for children.
type PickupAuthorizationCreateRequest struct {
	AuthorizedParentID uint   `json:"authorized_parent_id" validate:"required"`
	ChildIDs           []uint `json:"child_ids" validate:"required,min=1,dive,required"`
	StartDate          string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate            string `json:"end_date" validate:"required,datetime=2006-01-02"`
	AllowedDaysOfWeek  []int  `json:"allowed_days_of_week" validate:"omitempty,dive,min=0,max=6"`
	Note               string `json:"note" validate:"omitempty,max=500"`
}

// SelfCheckoutCreateRequest grants a child self-checkout within a window.
type SelfCheckoutCreateRequest struct {
	ChildID           uint   `json:"child_id" validate:"required"`
	StartDate         string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate           string `json:"end_date" validate:"required,datetime=2006-01-02"`
	AllowedDaysOfWeek []int  `json:"allowed_days_of_week" validate:"omitempty,dive,min=0,max=6"`
}

// DepartureCreateRequest marks a self-checkout departure.
type DepartureCreateRequest struct {
	ChildID uint   `json:"child_id" validate:"required"`
	Note    string `json:"note" validate:"omitempty,max=500"`
}

// WindowResponse is the serialized window shared by both grant types.
type WindowResponse struct {
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	AllowedDaysOfWeek []int  `json:"allowed_days_of_week"`
	IsActive          bool   `json:"is_active"`
	ActiveToday       bool   `json:"active_today"`
}

// PickupAuthorizationResponse is the serialized pickup grant.
type PickupAuthorizationResponse struct {
	ID                 uint           `json:"id"`
	AuthorizedParentID uint           `json:"authorized_parent_id"`
	GrantedByID        uint           `json:"granted_by_id"`
	ChildIDs           []uint         `json:"child_ids"`
	Window             WindowResponse `json:"window"`
	Note               string         `json:"note,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// NewPickupAuthorizationResponse converts a grant; activeToday is computed by the caller.
func NewPickupAuthorizationResponse(model models.PickupAuthorization, activeToday bool) PickupAuthorizationResponse {
	childIDs := make([]uint, 0, len(model.Children))
	for _, child := range model.Children {
		childIDs = append(childIDs, child.ID)
	}
	return PickupAuthorizationResponse{
		ID:                 model.ID,
		AuthorizedParentID: model.AuthorizedParentID,
		GrantedByID:        model.GrantedByID,
		ChildIDs:           childIDs,
		Window:             newWindowResponse(model.Window(), activeToday),
		Note:               model.Note,
		CreatedAt:          model.CreatedAt,
	}
}

// SelfCheckoutResponse is the serialized self-checkout grant.
type SelfCheckoutResponse struct {
	ID          uint           `json:"id"`
	ChildID     uint           `json:"child_id"`
	GrantedByID uint           `json:"granted_by_id"`
	Window      WindowResponse `json:"window"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewSelfCheckoutResponse converts a self-checkout grant.
func NewSelfCheckoutResponse(model models.SelfCheckoutAuthorization, activeToday bool) SelfCheckoutResponse {
	return SelfCheckoutResponse{
		ID:          model.ID,
		ChildID:     model.ChildID,
		GrantedByID: model.GrantedByID,
		Window:      newWindowResponse(model.Window(), activeToday),
		CreatedAt:   model.CreatedAt,
	}
}

// DepartureResponse is the serialized departure fact.
type DepartureResponse struct {
	ID         uint      `json:"id"`
	ChildID    uint      `json:"child_id"`
	ClassID    uint      `json:"class_id"`
	MarkedByID uint      `json:"marked_by_id"`
	MarkedAt   time.Time `json:"marked_at"`
	Note       string    `json:"note,omitempty"`
}

// NewDepartureResponse converts a departure.
func NewDepartureResponse(model models.StudentDeparture) DepartureResponse {
	return DepartureResponse{
		ID:         model.ID,
		ChildID:    model.ChildID,
		ClassID:    model.ClassID,
		MarkedByID: model.MarkedByID,
		MarkedAt:   model.MarkedAt,
		Note:       model.Note,
	}
}

func newWindowResponse(window models.Window, activeToday bool) WindowResponse {
	return WindowResponse{
		StartDate:         window.StartDate,
		EndDate:           window.EndDate,
		AllowedDaysOfWeek: window.AllowedDaysOfWeek,
		IsActive:          window.IsActive,
		ActiveToday:       activeToday,
	}
}
