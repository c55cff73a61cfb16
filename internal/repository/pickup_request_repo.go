package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// PickupRequestFilter scopes active request queries. Empty slices mean "no
// restriction" only when Unscoped is set; otherwise an empty scope matches nothing.
type PickupRequestFilter struct {
	ClassIDs   []uint
	StudentIDs []uint
	Statuses   []string
	Unscoped   bool
}

// PickupRequestRepository is the request store. Status changes go through
// Transition and Complete, which compare-and-swap on the current status.
type PickupRequestRepository interface {
	Create(ctx context.Context, request *models.PickupRequest) error
	FindByID(ctx context.Context, id uint) (models.PickupRequest, error)
	List(ctx context.Context, filter PickupRequestFilter) ([]models.PickupRequest, error)
	Transition(ctx context.Context, id uint, from []string, to string, at time.Time) (models.PickupRequest, error)
	Complete(ctx context.Context, id uint, from []string, at time.Time, completedBy string) (models.PickupRequest, models.PickupHistory, error)
}

type pickupRequestRepository struct {
	db *gorm.DB
}

// NewPickupRequestRepository constructs a repository backed by GORM.
func NewPickupRequestRepository(db *gorm.DB) PickupRequestRepository {
	return &pickupRequestRepository{db: db}
}

func (r *pickupRequestRepository) Create(ctx context.Context, request *models.PickupRequest) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.PickupRequest{}).
			Where("student_id = ? AND status IN ?", request.StudentID, models.ActivePickupStatuses).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActivePickupExists
		}
		return tx.Create(request).Error
	})
	if isUniqueViolation(err) {
		return ErrActivePickupExists
	}
	return err
}

func (r *pickupRequestRepository) FindByID(ctx context.Context, id uint) (models.PickupRequest, error) {
	var request models.PickupRequest
	if err := r.db.WithContext(ctx).First(&request, id).Error; err != nil {
		return models.PickupRequest{}, err
	}
	return request, nil
}

func (r *pickupRequestRepository) List(ctx context.Context, filter PickupRequestFilter) ([]models.PickupRequest, error) {
	if !filter.Unscoped && len(filter.ClassIDs) == 0 && len(filter.StudentIDs) == 0 {
		return []models.PickupRequest{}, nil
	}

	query := r.db.WithContext(ctx).Model(&models.PickupRequest{})
	switch {
	case len(filter.ClassIDs) > 0 && len(filter.StudentIDs) > 0:
		query = query.Where("class_id IN ? OR student_id IN ?", filter.ClassIDs, filter.StudentIDs)
	case len(filter.ClassIDs) > 0:
		query = query.Where("class_id IN ?", filter.ClassIDs)
	case len(filter.StudentIDs) > 0:
		query = query.Where("student_id IN ?", filter.StudentIDs)
	}

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.ActivePickupStatuses
	}
	query = query.Where("status IN ?", statuses)

	var requests []models.PickupRequest
	if err := query.Order("request_time ASC").Order("id ASC").Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *pickupRequestRepository) Transition(ctx context.Context, id uint, from []string, to string, at time.Time) (models.PickupRequest, error) {
	var updated models.PickupRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := swapStatus(tx, id, from, to, at)
		updated = current
		return err
	})
	return updated, err
}

func (r *pickupRequestRepository) Complete(ctx context.Context, id uint, from []string, at time.Time, completedBy string) (models.PickupRequest, models.PickupHistory, error) {
	var (
		updated models.PickupRequest
		history models.PickupHistory
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := swapStatus(tx, id, from, models.PickupStatusCompleted, at)
		updated = current
		if err != nil {
			return err
		}

		history = models.NewPickupHistory(current, completedBy)
		if err := tx.Create(&history).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrPickupStatusMismatch
			}
			return err
		}
		return nil
	})
	return updated, history, err
}

// swapStatus moves the row from one of the expected statuses to the target
// status. On a lost race it returns the row as currently stored together with
// ErrPickupStatusMismatch.
func swapStatus(tx *gorm.DB, id uint, from []string, to string, at time.Time) (models.PickupRequest, error) {
	updates := map[string]interface{}{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": at,
	}
	switch to {
	case models.PickupStatusCalled:
		updates["called_at"] = at
	case models.PickupStatusCompleted:
		updates["completed_at"] = at
	case models.PickupStatusCancelled:
		updates["cancelled_at"] = at
	}

	result := tx.Model(&models.PickupRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return models.PickupRequest{}, result.Error
	}

	var current models.PickupRequest
	if err := tx.First(&current, id).Error; err != nil {
		return models.PickupRequest{}, err
	}
	if result.RowsAffected == 0 {
		return current, ErrPickupStatusMismatch
	}
	return current, nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
