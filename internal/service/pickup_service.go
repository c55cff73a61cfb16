package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/observability"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

const (
	autoCompleteRetryDelay = 30 * time.Second
	autoCompleteTimeout    = 10 * time.Second
	publishTimeout         = 5 * time.Second
)

// CompletionPublisher receives every archived pickup.
type CompletionPublisher interface {
	PublishPickupCompleted(ctx context.Context, history dto.PickupHistoryResponse) error
}

// PickupService owns the pickup request lifecycle:
// pending -> called -> completed, pending -> completed, pending -> cancelled.
type PickupService interface {
	CreatePickupRequest(ctx context.Context, requesterID, studentID uint) (dto.PickupRequestResponse, error)
	MarkCalled(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error)
	MarkCompleted(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error)
	CancelRequest(ctx context.Context, requestID, requesterID uint) (dto.PickupRequestResponse, error)
	Get(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error)
	ListActive(ctx context.Context, scope realtime.Scope, query dto.PickupActiveQuery) ([]dto.PickupRequestResponse, error)
	History(ctx context.Context, actor models.Actor, query dto.PickupHistoryQuery) ([]dto.PickupHistoryResponse, error)
	RecoverTimers(ctx context.Context) (int, error)
	Now() time.Time
	Close()
}

// PickupServiceOptions tunes the lifecycle controller.
type PickupServiceOptions struct {
	AutoCompleteDelay time.Duration
	Location          *time.Location
	Retry             RetryPolicy
	Clock             clock.Clock
}

type pickupService struct {
	requests  repository.PickupRequestRepository
	history   repository.PickupHistoryRepository
	school    repository.SchoolRepository
	access    AccessService
	feed      ChangeFeed
	publisher CompletionPublisher
	validator *validator.Validate
	guard     *storeGuard
	clock     clock.Clock
	location  *time.Location
	delay     time.Duration
	timers    *autoCompleter
	logger    zerolog.Logger
	tracer    trace.Tracer

	// studentLocks serialises creates per child on this node; the store's
	// partial unique index covers the other nodes.
	studentLocks sync.Map
}

// NewPickupService constructs the lifecycle controller. feed and publisher may be nil.
func NewPickupService(
	requests repository.PickupRequestRepository,
	history repository.PickupHistoryRepository,
	school repository.SchoolRepository,
	access AccessService,
	feed ChangeFeed,
	publisher CompletionPublisher,
	validate *validator.Validate,
	opts PickupServiceOptions,
	logger zerolog.Logger,
) PickupService {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AutoCompleteDelay <= 0 {
		opts.AutoCompleteDelay = DefaultAutoCompleteDelay
	}
	if validate == nil {
		validate = validator.New()
	}

	logger = logger.With().Str("component", "pickup_service").Logger()
	svc := &pickupService{
		requests:  requests,
		history:   history,
		school:    school,
		access:    access,
		feed:      feed,
		publisher: publisher,
		validator: validate,
		guard:     newStoreGuard("pickup-store", opts.Retry, logger),
		clock:     opts.Clock,
		location:  opts.Location,
		delay:     opts.AutoCompleteDelay,
		logger:    logger,
		tracer:    otel.Tracer("github.com/noah-isme/pickup-go-api/internal/service/pickup"),
	}
	svc.timers = newAutoCompleter(opts.Clock, svc.onAutoCompleteTimer)
	return svc
}

// Now is the service clock in the school's time zone.
func (s *pickupService) Now() time.Time {
	return s.clock.Now().In(s.location)
}

func (s *pickupService) CreatePickupRequest(ctx context.Context, requesterID, studentID uint) (dto.PickupRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "pickup.create", trace.WithAttributes(
		attribute.Int64("pickup.requester_id", int64(requesterID)),
		attribute.Int64("pickup.student_id", int64(studentID)),
	))
	defer span.End()

	response, err := s.create(spanCtx, requesterID, studentID)
	if err != nil {
		span.RecordError(err)
		s.reject("create", err)
		return dto.PickupRequestResponse{}, err
	}
	return response, nil
}

func (s *pickupService) create(ctx context.Context, requesterID, studentID uint) (dto.PickupRequestResponse, error) {
	now := s.Now()

	var child models.Child
	err := s.guard.do(ctx, "find_child", func(ctx context.Context) error {
		var err error
		child, err = s.school.FindChild(ctx, studentID)
		return err
	})
	if repository.IsNotFound(err) {
		return dto.PickupRequestResponse{}, ErrChildNotFound
	}
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}

	allowed, err := s.access.CanAccessChild(ctx, requesterID, studentID, now)
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}
	if !allowed {
		return dto.PickupRequestResponse{}, ErrUnauthorized
	}

	unlock := s.lockStudent(studentID)
	defer unlock()

	request := models.PickupRequest{
		StudentID:   studentID,
		ClassID:     child.ClassID,
		ParentID:    requesterID,
		Status:      models.PickupStatusPending,
		Version:     1,
		RequestTime: now,
	}
	err = s.guard.do(ctx, "create_request", func(ctx context.Context) error {
		request.ID = 0
		return s.requests.Create(ctx, &request)
	})
	if errors.Is(err, repository.ErrActivePickupExists) {
		return dto.PickupRequestResponse{}, ErrConflict
	}
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}

	observability.PickupTransitions().WithLabelValues("", models.PickupStatusPending).Inc()
	s.publishChange(ctx, realtime.OpInsert, "", request)
	s.logger.Info().
		Uint("request_id", request.ID).
		Uint("student_id", studentID).
		Uint("parent_id", requesterID).
		Msg("pickup requested")

	return dto.NewPickupRequestResponse(request), nil
}

func (s *pickupService) MarkCalled(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "pickup.call", trace.WithAttributes(
		attribute.Int64("pickup.request_id", int64(requestID)),
		attribute.Int64("pickup.actor_id", int64(actor.ID)),
	))
	defer span.End()

	if !models.IsStaff(actor.Role) {
		s.reject("call", ErrForbidden)
		return dto.PickupRequestResponse{}, ErrForbidden
	}
	if err := s.requireStaffScope(spanCtx, actor, requestID); err != nil {
		span.RecordError(err)
		s.reject("call", err)
		return dto.PickupRequestResponse{}, err
	}

	request, err := s.transition(spanCtx, "call", requestID, []string{models.PickupStatusPending}, models.PickupStatusCalled)
	if err != nil {
		span.RecordError(err)
		s.reject("call", err)
		return dto.PickupRequestResponse{}, err
	}

	s.timers.schedule(request.ID, s.delay)
	s.logger.Info().Uint("request_id", request.ID).Uint("staff_id", actor.ID).Dur("auto_complete_in", s.delay).Msg("child called")

	return dto.NewPickupRequestResponse(request), nil
}

func (s *pickupService) MarkCompleted(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "pickup.complete", trace.WithAttributes(
		attribute.Int64("pickup.request_id", int64(requestID)),
		attribute.Int64("pickup.actor_id", int64(actor.ID)),
	))
	defer span.End()

	if !models.IsStaff(actor.Role) {
		s.reject("complete", ErrForbidden)
		return dto.PickupRequestResponse{}, ErrForbidden
	}
	if err := s.requireStaffScope(spanCtx, actor, requestID); err != nil {
		span.RecordError(err)
		s.reject("complete", err)
		return dto.PickupRequestResponse{}, err
	}

	request, err := s.complete(spanCtx, requestID, []string{models.PickupStatusCalled, models.PickupStatusPending}, models.CompletedByStaff)
	if err != nil {
		span.RecordError(err)
		s.reject("complete", err)
		return dto.PickupRequestResponse{}, err
	}

	s.logger.Info().Uint("request_id", request.ID).Uint("staff_id", actor.ID).Msg("pickup completed")
	return dto.NewPickupRequestResponse(request), nil
}

func (s *pickupService) CancelRequest(ctx context.Context, requestID, requesterID uint) (dto.PickupRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "pickup.cancel", trace.WithAttributes(
		attribute.Int64("pickup.request_id", int64(requestID)),
		attribute.Int64("pickup.requester_id", int64(requesterID)),
	))
	defer span.End()

	response, err := s.cancel(spanCtx, requestID, requesterID)
	if err != nil {
		span.RecordError(err)
		s.reject("cancel", err)
		return dto.PickupRequestResponse{}, err
	}
	return response, nil
}

func (s *pickupService) cancel(ctx context.Context, requestID, requesterID uint) (dto.PickupRequestResponse, error) {
	current, err := s.find(ctx, requestID)
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}

	if current.ParentID != requesterID {
		allowed, err := s.access.CanAccessChild(ctx, requesterID, current.StudentID, s.Now())
		if err != nil {
			return dto.PickupRequestResponse{}, err
		}
		if !allowed {
			return dto.PickupRequestResponse{}, ErrUnauthorized
		}
	}

	request, err := s.transition(ctx, "cancel", requestID, []string{models.PickupStatusPending}, models.PickupStatusCancelled)
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}

	s.logger.Info().Uint("request_id", request.ID).Uint("requester_id", requesterID).Msg("pickup cancelled")
	return dto.NewPickupRequestResponse(request), nil
}

func (s *pickupService) Get(ctx context.Context, actor models.Actor, requestID uint) (dto.PickupRequestResponse, error) {
	request, err := s.find(ctx, requestID)
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}
	if request.ParentID == actor.ID {
		return dto.NewPickupRequestResponse(request), nil
	}

	scope, err := s.access.ViewScope(ctx, actor, s.Now())
	if err != nil {
		return dto.PickupRequestResponse{}, err
	}
	if !scope.Covers(request.ClassID, request.StudentID) {
		return dto.PickupRequestResponse{}, ErrUnauthorized
	}
	return dto.NewPickupRequestResponse(request), nil
}

// requireStaffScope rejects staff acting on a request outside the classes
// they may see.
func (s *pickupService) requireStaffScope(ctx context.Context, actor models.Actor, requestID uint) error {
	request, err := s.find(ctx, requestID)
	if err != nil {
		return err
	}
	scope, err := s.access.ViewScope(ctx, actor, s.Now())
	if err != nil {
		return err
	}
	if !scope.Covers(request.ClassID, request.StudentID) {
		return ErrUnauthorized
	}
	return nil
}

func (s *pickupService) ListActive(ctx context.Context, scope realtime.Scope, query dto.PickupActiveQuery) ([]dto.PickupRequestResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if scope.Empty() {
		return []dto.PickupRequestResponse{}, nil
	}

	filter := repository.PickupRequestFilter{
		ClassIDs:   scope.ClassIDs,
		StudentIDs: scope.ChildIDs,
	}
	if scope.All {
		filter = repository.PickupRequestFilter{Unscoped: true}
		if query.ClassID > 0 {
			filter = repository.PickupRequestFilter{ClassIDs: []uint{query.ClassID}}
		}
	}
	if query.Status != "" {
		filter.Statuses = []string{query.Status}
	}

	var requests []models.PickupRequest
	err := s.guard.do(ctx, "list_active", func(ctx context.Context) error {
		var err error
		requests, err = s.requests.List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.PickupRequest, 0, len(requests))
	for _, request := range requests {
		if !scope.Covers(request.ClassID, request.StudentID) {
			continue
		}
		if query.ClassID > 0 && request.ClassID != query.ClassID {
			continue
		}
		out = append(out, request)
	}
	return dto.NewPickupRequestResponseSlice(out), nil
}

func (s *pickupService) History(ctx context.Context, actor models.Actor, query dto.PickupHistoryQuery) ([]dto.PickupHistoryResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if !models.IsStaff(actor.Role) {
		return nil, ErrForbidden
	}

	scope, err := s.access.ViewScope(ctx, actor, s.Now())
	if err != nil {
		return nil, err
	}
	if !scope.All && !scope.Covers(query.ClassID, 0) {
		return nil, ErrUnauthorized
	}

	filter := repository.PickupHistoryFilter{ClassID: query.ClassID, Limit: query.Limit}
	if query.From != "" {
		from, err := ParseDate(query.From, s.location)
		if err != nil {
			return nil, err
		}
		filter.From = from
	}
	if query.To != "" {
		to, err := ParseDate(query.To, s.location)
		if err != nil {
			return nil, err
		}
		filter.To = clock.StartOfNextDay(to)
	}

	var rows []models.PickupHistory
	err = s.guard.do(ctx, "list_history", func(ctx context.Context) error {
		var err error
		rows, err = s.history.List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dto.NewPickupHistoryResponseSlice(rows), nil
}

// RecoverTimers re-arms auto-complete timers for requests left in called,
// firing at once for the overdue ones.
func (s *pickupService) RecoverTimers(ctx context.Context) (int, error) {
	var called []models.PickupRequest
	err := s.guard.do(ctx, "recover_timers", func(ctx context.Context) error {
		var err error
		called, err = s.requests.List(ctx, repository.PickupRequestFilter{
			Unscoped: true,
			Statuses: []string{models.PickupStatusCalled},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	now := s.Now()
	for _, request := range called {
		remaining := time.Duration(0)
		if request.CalledAt != nil {
			remaining = request.CalledAt.Add(s.delay).Sub(now)
		}
		s.timers.schedule(request.ID, remaining)
	}

	if len(called) > 0 {
		s.logger.Info().Int("count", len(called)).Msg("auto-complete timers recovered")
	}
	return len(called), nil
}

func (s *pickupService) Close() {
	s.timers.stop()
}

func (s *pickupService) find(ctx context.Context, requestID uint) (models.PickupRequest, error) {
	var request models.PickupRequest
	err := s.guard.do(ctx, "find_request", func(ctx context.Context) error {
		var err error
		request, err = s.requests.FindByID(ctx, requestID)
		return err
	})
	if repository.IsNotFound(err) {
		return models.PickupRequest{}, ErrPickupRequestNotFound
	}
	return request, err
}

func (s *pickupService) transition(ctx context.Context, operation string, requestID uint, from []string, to string) (models.PickupRequest, error) {
	var current models.PickupRequest
	err := s.guard.do(ctx, operation, func(ctx context.Context) error {
		var err error
		current, err = s.requests.Transition(ctx, requestID, from, to, s.Now())
		return err
	})
	if err != nil {
		return models.PickupRequest{}, s.transitionError(requestID, to, current, err)
	}

	previous := from[0]
	observability.PickupTransitions().WithLabelValues(previous, to).Inc()
	s.publishChange(ctx, realtime.OpUpdate, previous, current)
	return current, nil
}

func (s *pickupService) complete(ctx context.Context, requestID uint, from []string, completedBy string) (models.PickupRequest, error) {
	var (
		current models.PickupRequest
		archive models.PickupHistory
	)
	err := s.guard.do(ctx, "complete_request", func(ctx context.Context) error {
		var err error
		current, archive, err = s.requests.Complete(ctx, requestID, from, s.Now(), completedBy)
		return err
	})
	if err != nil {
		return models.PickupRequest{}, s.transitionError(requestID, models.PickupStatusCompleted, current, err)
	}

	s.timers.cancel(requestID)

	previous := models.PickupStatusPending
	if current.CalledAt != nil {
		previous = models.PickupStatusCalled
	}
	observability.PickupTransitions().WithLabelValues(previous, models.PickupStatusCompleted).Inc()
	s.publishChange(ctx, realtime.OpUpdate, previous, current)
	s.publishCompletion(ctx, archive)
	return current, nil
}

func (s *pickupService) transitionError(requestID uint, target string, current models.PickupRequest, err error) error {
	switch {
	case errors.Is(err, repository.ErrPickupStatusMismatch):
		return &TransitionError{RequestID: requestID, Current: current.Status, Target: target}
	case repository.IsNotFound(err):
		return ErrPickupRequestNotFound
	default:
		return err
	}
}

// autoComplete completes a called request on behalf of the timer.
func (s *pickupService) autoComplete(ctx context.Context, requestID uint) error {
	_, err := s.complete(ctx, requestID, []string{models.PickupStatusCalled}, models.CompletedByAuto)
	return err
}

func (s *pickupService) onAutoCompleteTimer(requestID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), autoCompleteTimeout)
	defer cancel()

	err := s.autoComplete(ctx, requestID)

	var transition *TransitionError
	switch {
	case err == nil:
		observability.PickupAutoCompleted().Inc()
		s.logger.Info().Uint("request_id", requestID).Msg("pickup auto-completed")
	case errors.As(err, &transition) && models.IsTerminalPickupStatus(transition.Current):
		s.logger.Debug().Uint("request_id", requestID).Str("status", transition.Current).Msg("auto-complete skipped, request already closed")
	case errors.Is(err, ErrPickupRequestNotFound):
		s.logger.Debug().Uint("request_id", requestID).Msg("auto-complete skipped, request gone")
	case errors.Is(err, ErrTransientIO):
		s.logger.Warn().Err(err).Uint("request_id", requestID).Dur("retry_in", autoCompleteRetryDelay).Msg("auto-complete failed, rescheduling")
		s.timers.schedule(requestID, autoCompleteRetryDelay)
	default:
		s.logger.Error().Err(err).Uint("request_id", requestID).Msg("auto-complete failed")
	}
}

func (s *pickupService) publishChange(ctx context.Context, op, oldStatus string, request models.PickupRequest) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(context.WithoutCancel(ctx), realtime.ChangeEvent{
		Table:      realtime.TablePickupRequests,
		Op:         op,
		RowID:      request.ID,
		StudentID:  request.StudentID,
		ClassID:    request.ClassID,
		ActorID:    request.ParentID,
		OldStatus:  oldStatus,
		NewStatus:  request.Status,
		Version:    request.Version,
		OccurredAt: s.clock.Now().UTC(),
	})
}

func (s *pickupService) publishCompletion(ctx context.Context, archive models.PickupHistory) {
	if s.publisher == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	payload := dto.NewPickupHistoryResponseSlice([]models.PickupHistory{archive})[0]
	if err := s.publisher.PublishPickupCompleted(publishCtx, payload); err != nil {
		s.logger.Warn().Err(err).Uint("request_id", archive.RequestID).Msg("failed to publish pickup completion")
	}
}

func (s *pickupService) reject(operation string, err error) {
	observability.PickupRejections().WithLabelValues(operation, ErrorCode(err)).Inc()
}

func (s *pickupService) lockStudent(studentID uint) func() {
	value, _ := s.studentLocks.LoadOrStore(studentID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
