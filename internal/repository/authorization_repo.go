package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// DepartureFilter narrows the departure listing.
type DepartureFilter struct {
	ClassID uint
	From    time.Time
	To      time.Time
}

// AuthorizationRepository persists pickup and self-checkout grants and the
// departures recorded under them.
type AuthorizationRepository interface {
	CreatePickup(ctx context.Context, grant *models.PickupAuthorization) error
	FindPickup(ctx context.Context, id uint) (models.PickupAuthorization, error)
	ListPickupForParent(ctx context.Context, parentID uint) ([]models.PickupAuthorization, error)
	ListPickupForChild(ctx context.Context, childID uint) ([]models.PickupAuthorization, error)
	SetPickupActive(ctx context.Context, id uint, active bool) error

	CreateSelfCheckout(ctx context.Context, grant *models.SelfCheckoutAuthorization) error
	FindSelfCheckout(ctx context.Context, id uint) (models.SelfCheckoutAuthorization, error)
	ListSelfCheckoutForChild(ctx context.Context, childID uint) ([]models.SelfCheckoutAuthorization, error)
	SetSelfCheckoutActive(ctx context.Context, id uint, active bool) error

	CreateDeparture(ctx context.Context, departure *models.StudentDeparture) error
	ListDepartures(ctx context.Context, filter DepartureFilter) ([]models.StudentDeparture, error)
}

type authorizationRepository struct {
	db *gorm.DB
}

// NewAuthorizationRepository constructs a repository backed by GORM.
func NewAuthorizationRepository(db *gorm.DB) AuthorizationRepository {
	return &authorizationRepository{db: db}
}

func (r *authorizationRepository) CreatePickup(ctx context.Context, grant *models.PickupAuthorization) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

func (r *authorizationRepository) FindPickup(ctx context.Context, id uint) (models.PickupAuthorization, error) {
	var grant models.PickupAuthorization
	if err := r.db.WithContext(ctx).Preload("Children").First(&grant, id).Error; err != nil {
		return models.PickupAuthorization{}, err
	}
	return grant, nil
}

func (r *authorizationRepository) ListPickupForParent(ctx context.Context, parentID uint) ([]models.PickupAuthorization, error) {
	var grants []models.PickupAuthorization
	if err := r.db.WithContext(ctx).
		Preload("Children").
		Where("authorized_parent_id = ?", parentID).
		Order("id ASC").
		Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *authorizationRepository) ListPickupForChild(ctx context.Context, childID uint) ([]models.PickupAuthorization, error) {
	var grants []models.PickupAuthorization
	if err := r.db.WithContext(ctx).
		Preload("Children").
		Joins("JOIN pickup_authorization_children pac ON pac.pickup_authorization_id = pickup_authorizations.id").
		Where("pac.child_id = ?", childID).
		Order("pickup_authorizations.id ASC").
		Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *authorizationRepository) SetPickupActive(ctx context.Context, id uint, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.PickupAuthorization{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *authorizationRepository) CreateSelfCheckout(ctx context.Context, grant *models.SelfCheckoutAuthorization) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

func (r *authorizationRepository) FindSelfCheckout(ctx context.Context, id uint) (models.SelfCheckoutAuthorization, error) {
	var grant models.SelfCheckoutAuthorization
	if err := r.db.WithContext(ctx).First(&grant, id).Error; err != nil {
		return models.SelfCheckoutAuthorization{}, err
	}
	return grant, nil
}

func (r *authorizationRepository) ListSelfCheckoutForChild(ctx context.Context, childID uint) ([]models.SelfCheckoutAuthorization, error) {
	var grants []models.SelfCheckoutAuthorization
	if err := r.db.WithContext(ctx).Where("child_id = ?", childID).Order("id ASC").Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *authorizationRepository) SetSelfCheckoutActive(ctx context.Context, id uint, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.SelfCheckoutAuthorization{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *authorizationRepository) CreateDeparture(ctx context.Context, departure *models.StudentDeparture) error {
	return r.db.WithContext(ctx).Create(departure).Error
}

func (r *authorizationRepository) ListDepartures(ctx context.Context, filter DepartureFilter) ([]models.StudentDeparture, error) {
	query := r.db.WithContext(ctx).Model(&models.StudentDeparture{})
	if filter.ClassID > 0 {
		query = query.Where("class_id = ?", filter.ClassID)
	}
	if !filter.From.IsZero() {
		query = query.Where("marked_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("marked_at < ?", filter.To)
	}

	var departures []models.StudentDeparture
	if err := query.Order("marked_at DESC").Find(&departures).Error; err != nil {
		return nil, err
	}
	return departures, nil
}
