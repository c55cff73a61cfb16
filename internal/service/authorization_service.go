package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// AuthorizationService manages pickup and self-checkout grants. Administrators
// may grant for any child, guardians only for their own children.
type AuthorizationService interface {
	GrantPickup(ctx context.Context, actor models.Actor, payload dto.PickupAuthorizationCreateRequest) (dto.PickupAuthorizationResponse, error)
	RevokePickup(ctx context.Context, actor models.Actor, id uint) error
	ListPickupForParent(ctx context.Context, actor models.Actor, parentID uint) ([]dto.PickupAuthorizationResponse, error)
	GrantSelfCheckout(ctx context.Context, actor models.Actor, payload dto.SelfCheckoutCreateRequest) (dto.SelfCheckoutResponse, error)
	RevokeSelfCheckout(ctx context.Context, actor models.Actor, id uint) error
	ListSelfCheckout(ctx context.Context, actor models.Actor, childID uint) ([]dto.SelfCheckoutResponse, error)
}

type authorizationService struct {
	grants    repository.AuthorizationRepository
	school    repository.SchoolRepository
	access    AccessService
	feed      ChangeFeed
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	guard     *storeGuard
	clock     clock.Clock
	location  *time.Location
	logger    zerolog.Logger
}

// NewAuthorizationService constructs the grant manager. feed may be nil.
func NewAuthorizationService(grants repository.AuthorizationRepository, school repository.SchoolRepository, access AccessService, feed ChangeFeed, validate *validator.Validate, clk clock.Clock, location *time.Location, policy RetryPolicy, logger zerolog.Logger) AuthorizationService {
	if clk == nil {
		clk = clock.Real()
	}
	if location == nil {
		location = time.UTC
	}
	if validate == nil {
		validate = validator.New()
	}
	logger = logger.With().Str("component", "authorization_service").Logger()
	return &authorizationService{
		grants:    grants,
		school:    school,
		access:    access,
		feed:      feed,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		guard:     newStoreGuard("authorization-store", policy, logger),
		clock:     clk,
		location:  location,
		logger:    logger,
	}
}

func (s *authorizationService) now() time.Time {
	return s.clock.Now().In(s.location)
}

func (s *authorizationService) GrantPickup(ctx context.Context, actor models.Actor, payload dto.PickupAuthorizationCreateRequest) (dto.PickupAuthorizationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.PickupAuthorizationResponse{}, err
	}
	start, end, err := ValidateWindow(payload.StartDate, payload.EndDate, payload.AllowedDaysOfWeek)
	if err != nil {
		return dto.PickupAuthorizationResponse{}, err
	}

	childIDs := uniqueIDs(payload.ChildIDs)
	var children []models.Child
	err = s.guard.do(ctx, "find_children", func(ctx context.Context) error {
		var err error
		children, err = s.school.FindChildren(ctx, childIDs)
		return err
	})
	if err != nil {
		return dto.PickupAuthorizationResponse{}, err
	}
	if len(children) != len(childIDs) {
		return dto.PickupAuthorizationResponse{}, ErrChildNotFound
	}

	for _, child := range children {
		if err := s.requireGrantor(ctx, actor, child.ID); err != nil {
			return dto.PickupAuthorizationResponse{}, err
		}
	}

	grant := models.PickupAuthorization{
		AuthorizedParentID: payload.AuthorizedParentID,
		GrantedByID:        actor.ID,
		StartDate:          start,
		EndDate:            end,
		IsActive:           true,
		Note:               strings.TrimSpace(s.sanitizer.Sanitize(payload.Note)),
		Children:           children,
	}
	grant.SetAllowedDays(payload.AllowedDaysOfWeek)

	err = s.guard.do(ctx, "create_pickup_grant", func(ctx context.Context) error {
		grant.ID = 0
		return s.grants.CreatePickup(ctx, &grant)
	})
	if err != nil {
		return dto.PickupAuthorizationResponse{}, err
	}

	s.access.Invalidate(ctx, grant.AuthorizedParentID)
	s.publishGrantChange(ctx, realtime.OpInsert, grant.ID, grant.AuthorizedParentID)
	s.logger.Info().
		Uint("authorization_id", grant.ID).
		Uint("authorized_parent_id", grant.AuthorizedParentID).
		Uint("granted_by", actor.ID).
		Int("children", len(children)).
		Msg("pickup authorization granted")

	return dto.NewPickupAuthorizationResponse(grant, IsActiveOn(grant.Window(), s.now())), nil
}

func (s *authorizationService) RevokePickup(ctx context.Context, actor models.Actor, id uint) error {
	var grant models.PickupAuthorization
	err := s.guard.do(ctx, "find_pickup_grant", func(ctx context.Context) error {
		var err error
		grant, err = s.grants.FindPickup(ctx, id)
		return err
	})
	if repository.IsNotFound(err) {
		return ErrAuthorizationNotFound
	}
	if err != nil {
		return err
	}

	if !models.IsAdministrator(actor.Role) && grant.GrantedByID != actor.ID {
		for _, child := range grant.Children {
			if err := s.requireGrantor(ctx, actor, child.ID); err != nil {
				return err
			}
		}
	}

	err = s.guard.do(ctx, "revoke_pickup_grant", func(ctx context.Context) error {
		return s.grants.SetPickupActive(ctx, id, false)
	})
	if repository.IsNotFound(err) {
		return ErrAuthorizationNotFound
	}
	if err != nil {
		return err
	}

	s.access.Invalidate(ctx, grant.AuthorizedParentID)
	s.publishGrantChange(ctx, realtime.OpUpdate, grant.ID, grant.AuthorizedParentID)
	s.logger.Info().Uint("authorization_id", id).Uint("revoked_by", actor.ID).Msg("pickup authorization revoked")
	return nil
}

func (s *authorizationService) ListPickupForParent(ctx context.Context, actor models.Actor, parentID uint) ([]dto.PickupAuthorizationResponse, error) {
	if parentID != actor.ID && !models.IsAdministrator(actor.Role) {
		return nil, ErrForbidden
	}

	var grants []models.PickupAuthorization
	err := s.guard.do(ctx, "list_pickup_grants", func(ctx context.Context) error {
		var err error
		grants, err = s.grants.ListPickupForParent(ctx, parentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	today := s.now()
	out := make([]dto.PickupAuthorizationResponse, 0, len(grants))
	for _, grant := range grants {
		out = append(out, dto.NewPickupAuthorizationResponse(grant, IsActiveOn(grant.Window(), today)))
	}
	return out, nil
}

func (s *authorizationService) GrantSelfCheckout(ctx context.Context, actor models.Actor, payload dto.SelfCheckoutCreateRequest) (dto.SelfCheckoutResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SelfCheckoutResponse{}, err
	}
	start, end, err := ValidateWindow(payload.StartDate, payload.EndDate, payload.AllowedDaysOfWeek)
	if err != nil {
		return dto.SelfCheckoutResponse{}, err
	}
	if err := s.requireChild(ctx, payload.ChildID); err != nil {
		return dto.SelfCheckoutResponse{}, err
	}
	if err := s.requireGrantor(ctx, actor, payload.ChildID); err != nil {
		return dto.SelfCheckoutResponse{}, err
	}

	grant := models.SelfCheckoutAuthorization{
		ChildID:     payload.ChildID,
		GrantedByID: actor.ID,
		StartDate:   start,
		EndDate:     end,
		IsActive:    true,
	}
	grant.SetAllowedDays(payload.AllowedDaysOfWeek)

	err = s.guard.do(ctx, "create_self_checkout", func(ctx context.Context) error {
		grant.ID = 0
		return s.grants.CreateSelfCheckout(ctx, &grant)
	})
	if err != nil {
		return dto.SelfCheckoutResponse{}, err
	}

	s.publishSelfCheckoutChange(ctx, realtime.OpInsert, grant)
	s.logger.Info().Uint("self_checkout_id", grant.ID).Uint("child_id", grant.ChildID).Uint("granted_by", actor.ID).Msg("self-checkout granted")

	return dto.NewSelfCheckoutResponse(grant, IsActiveOn(grant.Window(), s.now())), nil
}

func (s *authorizationService) RevokeSelfCheckout(ctx context.Context, actor models.Actor, id uint) error {
	var grant models.SelfCheckoutAuthorization
	err := s.guard.do(ctx, "find_self_checkout", func(ctx context.Context) error {
		var err error
		grant, err = s.grants.FindSelfCheckout(ctx, id)
		return err
	})
	if repository.IsNotFound(err) {
		return ErrAuthorizationNotFound
	}
	if err != nil {
		return err
	}
	if err := s.requireGrantor(ctx, actor, grant.ChildID); err != nil {
		return err
	}

	err = s.guard.do(ctx, "revoke_self_checkout", func(ctx context.Context) error {
		return s.grants.SetSelfCheckoutActive(ctx, id, false)
	})
	if repository.IsNotFound(err) {
		return ErrAuthorizationNotFound
	}
	if err != nil {
		return err
	}

	grant.IsActive = false
	s.publishSelfCheckoutChange(ctx, realtime.OpUpdate, grant)
	s.logger.Info().Uint("self_checkout_id", id).Uint("revoked_by", actor.ID).Msg("self-checkout revoked")
	return nil
}

func (s *authorizationService) ListSelfCheckout(ctx context.Context, actor models.Actor, childID uint) ([]dto.SelfCheckoutResponse, error) {
	if err := s.requireChild(ctx, childID); err != nil {
		return nil, err
	}
	if !models.IsStaff(actor.Role) {
		if err := s.requireGrantor(ctx, actor, childID); err != nil {
			return nil, err
		}
	}

	var grants []models.SelfCheckoutAuthorization
	err := s.guard.do(ctx, "list_self_checkout", func(ctx context.Context) error {
		var err error
		grants, err = s.grants.ListSelfCheckoutForChild(ctx, childID)
		return err
	})
	if err != nil {
		return nil, err
	}

	today := s.now()
	out := make([]dto.SelfCheckoutResponse, 0, len(grants))
	for _, grant := range grants {
		out = append(out, dto.NewSelfCheckoutResponse(grant, IsActiveOn(grant.Window(), today)))
	}
	return out, nil
}

// requireGrantor allows administrators and guardians of the child.
func (s *authorizationService) requireGrantor(ctx context.Context, actor models.Actor, childID uint) error {
	if models.IsAdministrator(actor.Role) {
		return nil
	}
	if actor.Role != models.RoleParent {
		return ErrForbidden
	}

	var guardian bool
	err := s.guard.do(ctx, "is_guardian", func(ctx context.Context) error {
		var err error
		guardian, err = s.school.IsGuardian(ctx, actor.ID, childID)
		return err
	})
	if err != nil {
		return err
	}
	if !guardian {
		return ErrUnauthorized
	}
	return nil
}

func (s *authorizationService) requireChild(ctx context.Context, childID uint) error {
	err := s.guard.do(ctx, "find_child", func(ctx context.Context) error {
		_, err := s.school.FindChild(ctx, childID)
		return err
	})
	if repository.IsNotFound(err) {
		return ErrChildNotFound
	}
	return err
}

func (s *authorizationService) publishGrantChange(ctx context.Context, op string, id, parentID uint) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(context.WithoutCancel(ctx), realtime.ChangeEvent{
		Table:   realtime.TablePickupAuthorizations,
		Op:      op,
		RowID:   id,
		ActorID: parentID,
	})
}

func (s *authorizationService) publishSelfCheckoutChange(ctx context.Context, op string, grant models.SelfCheckoutAuthorization) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(context.WithoutCancel(ctx), realtime.ChangeEvent{
		Table:     realtime.TableSelfCheckouts,
		Op:        op,
		RowID:     grant.ID,
		StudentID: grant.ChildID,
	})
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
