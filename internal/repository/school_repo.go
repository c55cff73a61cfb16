package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// SchoolRepository reads the child, class and guardianship records owned by
// the school record system. Nothing here mutates them.
type SchoolRepository interface {
	FindChild(ctx context.Context, id uint) (models.Child, error)
	FindChildren(ctx context.Context, ids []uint) ([]models.Child, error)
	ChildrenForGuardian(ctx context.Context, guardianID uint) ([]models.Child, error)
	IsGuardian(ctx context.Context, guardianID, childID uint) (bool, error)
	ClassIDsForTeacher(ctx context.Context, teacherID uint) ([]uint, error)
}

type schoolRepository struct {
	db *gorm.DB
}

// NewSchoolRepository constructs a repository backed by GORM.
func NewSchoolRepository(db *gorm.DB) SchoolRepository {
	return &schoolRepository{db: db}
}

func (r *schoolRepository) FindChild(ctx context.Context, id uint) (models.Child, error) {
	var child models.Child
	if err := r.db.WithContext(ctx).First(&child, id).Error; err != nil {
		return models.Child{}, err
	}
	return child, nil
}

func (r *schoolRepository) FindChildren(ctx context.Context, ids []uint) ([]models.Child, error) {
	if len(ids) == 0 {
		return []models.Child{}, nil
	}
	var children []models.Child
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&children).Error; err != nil {
		return nil, err
	}
	return children, nil
}

func (r *schoolRepository) ChildrenForGuardian(ctx context.Context, guardianID uint) ([]models.Child, error) {
	var children []models.Child
	if err := r.db.WithContext(ctx).
		Joins("JOIN guardianships ON guardianships.child_id = children.id").
		Where("guardianships.guardian_id = ?", guardianID).
		Order("children.id ASC").
		Find(&children).Error; err != nil {
		return nil, err
	}
	return children, nil
}

func (r *schoolRepository) IsGuardian(ctx context.Context, guardianID, childID uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Guardianship{}).
		Where("guardian_id = ? AND child_id = ?", guardianID, childID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *schoolRepository) ClassIDsForTeacher(ctx context.Context, teacherID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).
		Model(&models.Class{}).
		Where("teacher_id = ?", teacherID).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
