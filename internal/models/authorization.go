package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// DateLayout is the calendar-date format used for authorization windows.
const DateLayout = "2006-01-02"

// Window is the date-range and weekday shape shared by every grant.
// A nil AllowedDaysOfWeek means "any weekday"; an empty, non-nil slice means
// the grant has no active day at all.
type Window struct {
	StartDate         string
	EndDate           string
	AllowedDaysOfWeek []int
	IsActive          bool
}

// PickupAuthorization lets a parent request pickups for children that are not
// their own within a date window.
type PickupAuthorization struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	AuthorizedParentID uint           `gorm:"index;not null" json:"authorized_parent_id"`
	GrantedByID        uint           `gorm:"not null" json:"granted_by_id"`
	StartDate          string         `gorm:"size:10;not null" json:"start_date"`
	EndDate            string         `gorm:"size:10;not null" json:"end_date"`
	AllowedDaysOfWeek  datatypes.JSON `gorm:"type:json" json:"-"`
	IsActive           bool           `gorm:"not null;default:true" json:"is_active"`
	Note               string         `gorm:"type:text" json:"note"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Children           []Child        `gorm:"many2many:pickup_authorization_children;" json:"children"`
}

// Window projects the grant onto the evaluator shape.
func (a PickupAuthorization) Window() Window {
	return Window{
		StartDate:         a.StartDate,
		EndDate:           a.EndDate,
		AllowedDaysOfWeek: decodeDays(a.AllowedDaysOfWeek),
		IsActive:          a.IsActive,
	}
}

// SetAllowedDays stores the weekday subset; nil clears the restriction.
func (a *PickupAuthorization) SetAllowedDays(days []int) {
	a.AllowedDaysOfWeek = encodeDays(days)
}

// SelfCheckoutAuthorization lets a child leave unescorted within a window.
type SelfCheckoutAuthorization struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ChildID           uint           `gorm:"index;not null" json:"child_id"`
	GrantedByID       uint           `gorm:"not null" json:"granted_by_id"`
	StartDate         string         `gorm:"size:10;not null" json:"start_date"`
	EndDate           string         `gorm:"size:10;not null" json:"end_date"`
	AllowedDaysOfWeek datatypes.JSON `gorm:"type:json" json:"-"`
	IsActive          bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Window projects the grant onto the evaluator shape.
func (a SelfCheckoutAuthorization) Window() Window {
	return Window{
		StartDate:         a.StartDate,
		EndDate:           a.EndDate,
		AllowedDaysOfWeek: decodeDays(a.AllowedDaysOfWeek),
		IsActive:          a.IsActive,
	}
}

// SetAllowedDays stores the weekday subset; nil clears the restriction.
func (a *SelfCheckoutAuthorization) SetAllowedDays(days []int) {
	a.AllowedDaysOfWeek = encodeDays(days)
}

// StudentDeparture records that a child left under a self-checkout grant.
type StudentDeparture struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChildID    uint      `gorm:"index;not null" json:"child_id"`
	ClassID    uint      `gorm:"index;not null" json:"class_id"`
	MarkedByID uint      `gorm:"not null" json:"marked_by_id"`
	MarkedAt   time.Time `gorm:"index;not null" json:"marked_at"`
	Note       string    `gorm:"type:text" json:"note"`
}

func encodeDays(days []int) datatypes.JSON {
	if days == nil {
		return nil
	}
	data, err := json.Marshal(days)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}

func decodeDays(raw datatypes.JSON) []int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	days := []int{}
	if err := json.Unmarshal(raw, &days); err != nil {
		// Unreadable restriction must not widen the grant.
		return []int{}
	}
	return days
}
