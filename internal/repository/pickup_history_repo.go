package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// PickupHistoryFilter narrows the archive listing.
type PickupHistoryFilter struct {
	ClassID uint
	From    time.Time
	To      time.Time
	Limit   int
}

// PickupHistoryRepository reads the append-only pickup archive. Rows are
// written by PickupRequestRepository.Complete only.
type PickupHistoryRepository interface {
	List(ctx context.Context, filter PickupHistoryFilter) ([]models.PickupHistory, error)
	CountByRequest(ctx context.Context, requestID uint) (int64, error)
}

type pickupHistoryRepository struct {
	db *gorm.DB
}

// NewPickupHistoryRepository constructs a repository backed by GORM.
func NewPickupHistoryRepository(db *gorm.DB) PickupHistoryRepository {
	return &pickupHistoryRepository{db: db}
}

func (r *pickupHistoryRepository) List(ctx context.Context, filter PickupHistoryFilter) ([]models.PickupHistory, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Model(&models.PickupHistory{})
	if filter.ClassID > 0 {
		query = query.Where("class_id = ?", filter.ClassID)
	}
	if !filter.From.IsZero() {
		query = query.Where("completed_time >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("completed_time < ?", filter.To)
	}

	var rows []models.PickupHistory
	if err := query.Order("completed_time DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *pickupHistoryRepository) CountByRequest(ctx context.Context, requestID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PickupHistory{}).Where("request_id = ?", requestID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
