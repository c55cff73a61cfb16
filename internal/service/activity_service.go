package service

import (
	"context"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

const defaultActivityPageSize = 50

// ActivityService keeps the pickup audit trail. Entries are written from the
// change feed, so every transition is recorded no matter which node or
// code path made it.
type ActivityService interface {
	Record(ctx context.Context, event realtime.ChangeEvent) (bool, error)
	Start(ctx context.Context, feed realtime.Subscriber)
	List(ctx context.Context, actor models.Actor, query dto.ActivityListQuery) (dto.ActivityListResponse, error)
}

type activityService struct {
	repo      repository.ActivityLogRepository
	access    AccessService
	validator *validator.Validate
	guard     *storeGuard
	clock     clock.Clock
	location  *time.Location
	logger    zerolog.Logger
}

// NewActivityService constructs the audit trail service.
func NewActivityService(repo repository.ActivityLogRepository, access AccessService, validate *validator.Validate, clk clock.Clock, location *time.Location, policy RetryPolicy, logger zerolog.Logger) ActivityService {
	if clk == nil {
		clk = clock.Real()
	}
	if location == nil {
		location = time.UTC
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	logger = logger.With().Str("component", "activity_service").Logger()
	return &activityService{
		repo:      repo,
		access:    access,
		validator: validate,
		guard:     newStoreGuard("activity-store", policy, logger),
		clock:     clk,
		location:  location,
		logger:    logger,
	}
}

// Record stores a pickup request event. Events for other tables and events
// already recorded are ignored.
func (s *activityService) Record(ctx context.Context, event realtime.ChangeEvent) (bool, error) {
	if event.Table != realtime.TablePickupRequests || event.RowID == 0 {
		return false, nil
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	entry := models.ActivityLog{
		EventKey:   event.DedupKey(),
		EntityType: event.Table,
		EntityID:   event.RowID,
		Action:     activityAction(event),
		ParentID:   event.ActorID,
		StudentID:  event.StudentID,
		ClassID:    event.ClassID,
		FromStatus: event.OldStatus,
		ToStatus:   event.NewStatus,
		Version:    event.Version,
		Metadata:   datatypes.JSONMap{"op": event.Op, "source": event.Source},
		OccurredAt: occurredAt.UTC(),
	}

	var written bool
	err := s.guard.do(ctx, "record_activity", func(ctx context.Context) error {
		var err error
		written, err = s.repo.Record(ctx, &entry)
		return err
	})
	return written, err
}

// Start subscribes to feed before returning and records its events in the
// background until ctx is cancelled.
func (s *activityService) Start(ctx context.Context, feed realtime.Subscriber) {
	events, cancel := feed.Subscribe(realtime.TablePickupRequests)
	go s.consume(ctx, events, cancel)
}

func (s *activityService) consume(ctx context.Context, events <-chan realtime.ChangeEvent, cancel func()) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := s.Record(ctx, event); err != nil {
				s.logger.Warn().Err(err).Str("event_key", event.DedupKey()).Msg("failed to record pickup activity")
			}
		}
	}
}

// List returns audit entries visible to a staff member. Teachers only see
// their own classes.
func (s *activityService) List(ctx context.Context, actor models.Actor, query dto.ActivityListQuery) (dto.ActivityListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.ActivityListResponse{}, err
	}
	if !models.IsStaff(actor.Role) {
		return dto.ActivityListResponse{}, ErrForbidden
	}

	now := s.clock.Now().In(s.location)
	scope, err := s.access.ViewScope(ctx, actor, now)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	filter := repository.ActivityLogFilter{
		Page:      maxInt(query.Page, 1),
		PageSize:  query.PageSize,
		StudentID: query.StudentID,
		EntityID:  query.RequestID,
		Action:    query.Action,
	}
	if filter.PageSize == 0 {
		filter.PageSize = defaultActivityPageSize
	}

	switch {
	case query.ClassID != 0:
		if !scope.All && !scope.Covers(query.ClassID, 0) {
			return dto.ActivityListResponse{}, ErrUnauthorized
		}
		filter.ClassIDs = []uint{query.ClassID}
	case !scope.All:
		if len(scope.ClassIDs) == 0 {
			return dto.ActivityListResponse{Items: []dto.ActivityResponse{}, Pagination: dto.PaginationMeta{Page: filter.Page, PageSize: filter.PageSize, TotalPages: 1}}, nil
		}
		filter.ClassIDs = scope.ClassIDs
	}

	if query.Date != "" {
		day, err := ParseDate(query.Date, s.location)
		if err != nil {
			return dto.ActivityListResponse{}, err
		}
		next := clock.StartOfNextDay(day)
		filter.From = &day
		filter.To = &next
	}

	var (
		entries []models.ActivityLog
		total   int64
	)
	err = s.guard.do(ctx, "list_activity", func(ctx context.Context) error {
		var err error
		entries, total, err = s.repo.List(ctx, filter)
		return err
	})
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	items := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewActivityResponse(entry))
	}

	pagination := dto.PaginationMeta{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalItems: total,
		TotalPages: int(math.Ceil(float64(total) / float64(filter.PageSize))),
	}
	if pagination.TotalPages == 0 {
		pagination.TotalPages = 1
	}

	return dto.ActivityListResponse{Items: items, Pagination: pagination}, nil
}

func activityAction(event realtime.ChangeEvent) string {
	if event.Op == realtime.OpInsert {
		return models.ActivityRequested
	}
	switch event.NewStatus {
	case models.PickupStatusCalled:
		return models.ActivityCalled
	case models.PickupStatusCompleted:
		return models.ActivityCompleted
	case models.PickupStatusCancelled:
		return models.ActivityCancelled
	default:
		return event.Op
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
