package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// ActorRepository reads the actor directory.
type ActorRepository interface {
	FindByID(ctx context.Context, id uint) (models.Actor, error)
	FindByEmail(ctx context.Context, email string) (models.Actor, error)
}

type actorRepository struct {
	db *gorm.DB
}

// NewActorRepository constructs a repository backed by GORM.
func NewActorRepository(db *gorm.DB) ActorRepository {
	return &actorRepository{db: db}
}

func (r *actorRepository) FindByID(ctx context.Context, id uint) (models.Actor, error) {
	var actor models.Actor
	if err := r.db.WithContext(ctx).First(&actor, id).Error; err != nil {
		return models.Actor{}, err
	}
	return actor, nil
}

func (r *actorRepository) FindByEmail(ctx context.Context, email string) (models.Actor, error) {
	var actor models.Actor
	if err := r.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&actor).Error; err != nil {
		return models.Actor{}, err
	}
	return actor, nil
}
