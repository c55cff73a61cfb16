package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// AccessService answers which children an actor may act for on a date.
type AccessService interface {
	ResolveAccessibleChildren(ctx context.Context, actorID uint, asOf time.Time) (dto.AccessibleChildren, error)
	CanAccessChild(ctx context.Context, actorID, childID uint, asOf time.Time) (bool, error)
	ChildWindowFlags(ctx context.Context, childID uint, asOf time.Time) (dto.ChildWindowFlags, error)
	ViewScope(ctx context.Context, actor models.Actor, asOf time.Time) (realtime.Scope, error)
	Invalidate(ctx context.Context, actorID uint)
}

type accessService struct {
	school   repository.SchoolRepository
	grants   repository.AuthorizationRepository
	cache    *redis.Client
	cacheTTL time.Duration
	guard    *storeGuard
	logger   zerolog.Logger
}

// NewAccessService builds the resolver. A nil cache disables caching.
func NewAccessService(school repository.SchoolRepository, grants repository.AuthorizationRepository, cache *redis.Client, ttl time.Duration, policy RetryPolicy, logger zerolog.Logger) AccessService {
	logger = logger.With().Str("component", "access_service").Logger()
	return &accessService{
		school:   school,
		grants:   grants,
		cache:    cache,
		cacheTTL: ttl,
		guard:    newStoreGuard("access-store", policy, logger),
		logger:   logger,
	}
}

func accessCacheKey(actorID uint, asOf time.Time) string {
	return fmt.Sprintf("access:%d:%s", actorID, FormatDate(asOf))
}

func (s *accessService) ResolveAccessibleChildren(ctx context.Context, actorID uint, asOf time.Time) (dto.AccessibleChildren, error) {
	cacheKey := accessCacheKey(actorID, asOf)

	if s.cache != nil && s.cacheTTL > 0 {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var projection dto.AccessibleChildren
			if unmarshalErr := json.Unmarshal([]byte(cached), &projection); unmarshalErr == nil {
				return projection, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read access cache")
		}
	}

	projection, err := s.resolve(ctx, actorID, asOf)
	if err != nil {
		return dto.AccessibleChildren{}, err
	}

	if s.cache != nil && s.cacheTTL > 0 {
		ttl := s.cacheTTL
		if untilMidnight := clock.StartOfNextDay(asOf).Sub(asOf); untilMidnight < ttl {
			ttl = untilMidnight
		}
		if payload, err := json.Marshal(projection); err == nil && ttl > 0 {
			if err := s.cache.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store access cache")
			}
		}
	}

	return projection, nil
}

// CanAccessChild always reads the store so writes are checked against the
// grants as they are now.
func (s *accessService) CanAccessChild(ctx context.Context, actorID, childID uint, asOf time.Time) (bool, error) {
	projection, err := s.resolve(ctx, actorID, asOf)
	if err != nil {
		return false, err
	}
	return projection.Contains(childID), nil
}

func (s *accessService) ChildWindowFlags(ctx context.Context, childID uint, asOf time.Time) (dto.ChildWindowFlags, error) {
	flags := dto.ChildWindowFlags{ChildID: childID, AsOf: FormatDate(asOf)}

	err := s.guard.do(ctx, "child_window_flags", func(ctx context.Context) error {
		child, err := s.school.FindChild(ctx, childID)
		if err != nil {
			return err
		}
		flags.ClassID = child.ClassID

		pickups, err := s.grants.ListPickupForChild(ctx, childID)
		if err != nil {
			return err
		}
		// Withdrawn children drop out of every delegate's projection.
		if child.Status == models.ChildStatusWithdrawn {
			pickups = nil
		}
		for _, grant := range pickups {
			if IsActiveOn(grant.Window(), asOf) {
				flags.PickupAuthorizedToday = true
				break
			}
		}

		checkouts, err := s.grants.ListSelfCheckoutForChild(ctx, childID)
		if err != nil {
			return err
		}
		for _, grant := range checkouts {
			if IsActiveOn(grant.Window(), asOf) {
				flags.SelfCheckoutToday = true
				break
			}
		}
		return nil
	})
	if repository.IsNotFound(err) {
		return dto.ChildWindowFlags{}, ErrChildNotFound
	}
	if err != nil {
		return dto.ChildWindowFlags{}, err
	}
	return flags, nil
}

// ViewScope is the privacy boundary of a sync view: every class for
// administrators, the homeroom classes for teachers and the accessible
// children for parents.
func (s *accessService) ViewScope(ctx context.Context, actor models.Actor, asOf time.Time) (realtime.Scope, error) {
	scope := realtime.Scope{ActorID: actor.ID}

	switch {
	case models.IsAdministrator(actor.Role):
		scope.All = true
		return scope, nil
	case actor.Role == models.RoleTeacher:
		err := s.guard.do(ctx, "teacher_classes", func(ctx context.Context) error {
			ids, err := s.school.ClassIDsForTeacher(ctx, actor.ID)
			scope.ClassIDs = ids
			return err
		})
		if err != nil {
			return realtime.Scope{}, err
		}
		return scope, nil
	default:
		projection, err := s.ResolveAccessibleChildren(ctx, actor.ID, asOf)
		if err != nil {
			return realtime.Scope{}, err
		}
		scope.ChildIDs = projection.ChildIDs()
		return scope, nil
	}
}

func (s *accessService) Invalidate(ctx context.Context, actorID uint) {
	if s.cache == nil {
		return
	}

	pattern := fmt.Sprintf("access:%d:*", actorID)
	iter := s.cache.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Uint("actor_id", actorID).Msg("failed to scan access cache")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("actor_id", actorID).Msg("failed to invalidate access cache")
	}
}

func (s *accessService) resolve(ctx context.Context, actorID uint, asOf time.Time) (dto.AccessibleChildren, error) {
	var (
		own    []models.Child
		grants []models.PickupAuthorization
	)
	err := s.guard.do(ctx, "resolve_access", func(ctx context.Context) error {
		var err error
		if own, err = s.school.ChildrenForGuardian(ctx, actorID); err != nil {
			return err
		}
		grants, err = s.grants.ListPickupForParent(ctx, actorID)
		return err
	})
	if err != nil {
		return dto.AccessibleChildren{}, err
	}

	projection := dto.AccessibleChildren{
		AsOf:               FormatDate(asOf),
		OwnChildren:        make([]dto.ChildRef, 0, len(own)),
		AuthorizedChildren: []dto.ChildRef{},
	}

	seen := make(map[uint]struct{}, len(own))
	for _, child := range own {
		if _, dup := seen[child.ID]; dup {
			continue
		}
		seen[child.ID] = struct{}{}
		projection.OwnChildren = append(projection.OwnChildren, dto.NewChildRef(child))
	}

	for _, grant := range grants {
		if !IsActiveOn(grant.Window(), asOf) {
			continue
		}
		for _, child := range grant.Children {
			if child.Status == models.ChildStatusWithdrawn {
				continue
			}
			if _, dup := seen[child.ID]; dup {
				continue
			}
			seen[child.ID] = struct{}{}
			projection.AuthorizedChildren = append(projection.AuthorizedChildren, dto.NewChildRef(child))
		}
	}

	sort.Slice(projection.AuthorizedChildren, func(i, j int) bool {
		return projection.AuthorizedChildren[i].ID < projection.AuthorizedChildren[j].ID
	})

	return projection, nil
}
