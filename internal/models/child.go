package models

import "time"

// Child statuses as maintained by the school record system.
const (
	ChildStatusActive    = "active"
	ChildStatusGraduated = "graduated"
	ChildStatusWithdrawn = "withdrawn"
)

// Class groups children under a homeroom teacher.
type Class struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	TeacherID *uint     `gorm:"index" json:"teacher_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Child is a student that can be picked up.
type Child struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	ClassID   uint      `gorm:"index;not null" json:"class_id"`
	Status    string    `gorm:"size:32;not null;default:active" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Guardianship links a guardian directly to a child.
type Guardianship struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	GuardianID   uint      `gorm:"uniqueIndex:idx_guardian_child;not null" json:"guardian_id"`
	ChildID      uint      `gorm:"uniqueIndex:idx_guardian_child;index;not null" json:"child_id"`
	Relationship string    `gorm:"size:32" json:"relationship"`
	IsPrimary    bool      `gorm:"not null;default:false" json:"is_primary"`
	CreatedAt    time.Time `json:"created_at"`
	Child        Child     `gorm:"foreignKey:ChildID" json:"child"`
}
