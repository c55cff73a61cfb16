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
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// DepartureService records children leaving under a self-checkout grant.
type DepartureService interface {
	MarkDeparture(ctx context.Context, actor models.Actor, payload dto.DepartureCreateRequest) (dto.DepartureResponse, error)
	ListDepartures(ctx context.Context, actor models.Actor, classID uint, day string) ([]dto.DepartureResponse, error)
}

type departureService struct {
	grants    repository.AuthorizationRepository
	school    repository.SchoolRepository
	requests  repository.PickupRequestRepository
	access    AccessService
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	guard     *storeGuard
	clock     clock.Clock
	location  *time.Location
	logger    zerolog.Logger
}

// NewDepartureService constructs the departure recorder.
func NewDepartureService(grants repository.AuthorizationRepository, school repository.SchoolRepository, requests repository.PickupRequestRepository, access AccessService, validate *validator.Validate, clk clock.Clock, location *time.Location, policy RetryPolicy, logger zerolog.Logger) DepartureService {
	if clk == nil {
		clk = clock.Real()
	}
	if location == nil {
		location = time.UTC
	}
	if validate == nil {
		validate = validator.New()
	}
	logger = logger.With().Str("component", "departure_service").Logger()
	return &departureService{
		grants:    grants,
		school:    school,
		requests:  requests,
		access:    access,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		guard:     newStoreGuard("departure-store", policy, logger),
		clock:     clk,
		location:  location,
		logger:    logger,
	}
}

// MarkDeparture needs a staff actor and a self-checkout window active today.
// A child with an open pickup request must be released through the request.
func (s *departureService) MarkDeparture(ctx context.Context, actor models.Actor, payload dto.DepartureCreateRequest) (dto.DepartureResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.DepartureResponse{}, err
	}
	if !models.IsStaff(actor.Role) {
		return dto.DepartureResponse{}, ErrForbidden
	}

	now := s.clock.Now().In(s.location)
	flags, err := s.access.ChildWindowFlags(ctx, payload.ChildID, now)
	if err != nil {
		return dto.DepartureResponse{}, err
	}
	if !flags.SelfCheckoutToday {
		return dto.DepartureResponse{}, ErrUnauthorized
	}

	var (
		child  models.Child
		active []models.PickupRequest
	)
	err = s.guard.do(ctx, "departure_checks", func(ctx context.Context) error {
		var err error
		if child, err = s.school.FindChild(ctx, payload.ChildID); err != nil {
			return err
		}
		active, err = s.requests.List(ctx, repository.PickupRequestFilter{StudentIDs: []uint{payload.ChildID}})
		return err
	})
	if repository.IsNotFound(err) {
		return dto.DepartureResponse{}, ErrChildNotFound
	}
	if err != nil {
		return dto.DepartureResponse{}, err
	}
	if len(active) > 0 {
		return dto.DepartureResponse{}, ErrConflict
	}

	departure := models.StudentDeparture{
		ChildID:    child.ID,
		ClassID:    child.ClassID,
		MarkedByID: actor.ID,
		MarkedAt:   now,
		Note:       strings.TrimSpace(s.sanitizer.Sanitize(payload.Note)),
	}
	err = s.guard.do(ctx, "create_departure", func(ctx context.Context) error {
		departure.ID = 0
		return s.grants.CreateDeparture(ctx, &departure)
	})
	if err != nil {
		return dto.DepartureResponse{}, err
	}

	s.logger.Info().Uint("child_id", child.ID).Uint("staff_id", actor.ID).Msg("self-checkout departure recorded")
	return dto.NewDepartureResponse(departure), nil
}

// ListDepartures returns one class's departures for a calendar day (today when empty).
func (s *departureService) ListDepartures(ctx context.Context, actor models.Actor, classID uint, day string) ([]dto.DepartureResponse, error) {
	if !models.IsStaff(actor.Role) {
		return nil, ErrForbidden
	}

	scope, err := s.access.ViewScope(ctx, actor, s.clock.Now().In(s.location))
	if err != nil {
		return nil, err
	}
	if !scope.All && !scope.Covers(classID, 0) {
		return nil, ErrUnauthorized
	}

	start := s.clock.Now().In(s.location)
	if day != "" {
		parsed, err := ParseDate(day, s.location)
		if err != nil {
			return nil, ErrInvalidWindow
		}
		start = parsed
	}
	year, month, date := start.Date()
	start = time.Date(year, month, date, 0, 0, 0, 0, s.location)

	var departures []models.StudentDeparture
	err = s.guard.do(ctx, "list_departures", func(ctx context.Context) error {
		var err error
		departures, err = s.grants.ListDepartures(ctx, repository.DepartureFilter{
			ClassID: classID,
			From:    start,
			To:      clock.StartOfNextDay(start),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]dto.DepartureResponse, 0, len(departures))
	for _, departure := range departures {
		out = append(out, dto.NewDepartureResponse(departure))
	}
	return out, nil
}
