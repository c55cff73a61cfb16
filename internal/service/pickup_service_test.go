package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

func TestPickupLifecycleAutoCompletes(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	events, cancel := fx.feed.Subscribe(realtime.TablePickupRequests)
	defer cancel()

	created, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusPending, created.Status)
	require.Equal(t, fx.child.ClassID, created.ClassID)
	require.True(t, schoolMorning.Equal(created.RequestTime))

	fx.clock.Advance(3 * time.Minute)
	called, err := fx.pickups.MarkCalled(ctx, fx.teacher, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCalled, called.Status)
	require.True(t, fx.pickups.(*pickupService).timers.pending(created.ID))

	fx.clock.Advance(DefaultAutoCompleteDelay - time.Second)
	stored, err := fx.requests.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCalled, stored.Status)

	fx.clock.Advance(time.Second)
	stored, err = fx.requests.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCompleted, stored.Status)

	rows, err := fx.history.List(ctx, repository.PickupHistoryFilter{ClassID: fx.child.ClassID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.CompletedByAuto, rows[0].CompletedBy)
	require.NotNil(t, rows[0].DurationSeconds)
	require.Equal(t, int64(DefaultAutoCompleteDelay/time.Second), *rows[0].DurationSeconds)

	published := drainEvents(events)
	require.Len(t, published, 3)
	require.Equal(t, realtime.OpInsert, published[0].Op)
	require.Equal(t, models.PickupStatusCalled, published[1].NewStatus)
	require.Equal(t, models.PickupStatusCalled, published[2].OldStatus)
	require.Equal(t, models.PickupStatusCompleted, published[2].NewStatus)
}

func TestCreatePickupRequestConcurrentSingleWinner(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	_, err := fx.grants.GrantPickup(ctx, fx.admin, dto.PickupAuthorizationCreateRequest{
		AuthorizedParentID: fx.otherParent.ID,
		ChildIDs:           []uint{fx.child.ID},
		StartDate:          "2025-01-01",
		EndDate:            "2025-01-31",
	})
	require.NoError(t, err)

	requesters := []uint{fx.parent.ID, fx.otherParent.ID}
	results := make([]error, len(requesters))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, requester := range requesters {
		wg.Add(1)
		go func(i int, requester uint) {
			defer wg.Done()
			<-start
			_, results[i] = fx.pickups.CreatePickupRequest(ctx, requester, fx.child.ID)
		}(i, requester)
	}
	close(start)
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)

	active, err := fx.requests.List(ctx, repository.PickupRequestFilter{StudentIDs: []uint{fx.child.ID}})
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPickupTransitionTable(t *testing.T) {
	type operation string
	const (
		opCall     operation = "call"
		opComplete operation = "complete"
		opCancel   operation = "cancel"
	)

	cases := []struct {
		state   string
		op      operation
		allowed bool
	}{
		{models.PickupStatusPending, opCall, true},
		{models.PickupStatusPending, opComplete, true},
		{models.PickupStatusPending, opCancel, true},
		{models.PickupStatusCalled, opCall, false},
		{models.PickupStatusCalled, opComplete, true},
		{models.PickupStatusCalled, opCancel, false},
		{models.PickupStatusCompleted, opCall, false},
		{models.PickupStatusCompleted, opComplete, false},
		{models.PickupStatusCompleted, opCancel, false},
		{models.PickupStatusCancelled, opCall, false},
		{models.PickupStatusCancelled, opComplete, false},
		{models.PickupStatusCancelled, opCancel, false},
	}

	for _, tc := range cases {
		t.Run(tc.state+"_"+string(tc.op), func(t *testing.T) {
			fx := newSchoolFixture(t)
			ctx := context.Background()

			request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
			require.NoError(t, err)

			switch tc.state {
			case models.PickupStatusCalled:
				_, err = fx.pickups.MarkCalled(ctx, fx.teacher, request.ID)
			case models.PickupStatusCompleted:
				_, err = fx.pickups.MarkCompleted(ctx, fx.teacher, request.ID)
			case models.PickupStatusCancelled:
				_, err = fx.pickups.CancelRequest(ctx, request.ID, fx.parent.ID)
			}
			require.NoError(t, err)

			switch tc.op {
			case opCall:
				_, err = fx.pickups.MarkCalled(ctx, fx.teacher, request.ID)
			case opComplete:
				_, err = fx.pickups.MarkCompleted(ctx, fx.teacher, request.ID)
			case opCancel:
				_, err = fx.pickups.CancelRequest(ctx, request.ID, fx.parent.ID)
			}

			if tc.allowed {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
			var transition *TransitionError
			require.ErrorAs(t, err, &transition)
			require.Equal(t, tc.state, transition.Current)

			stored, err := fx.requests.FindByID(ctx, request.ID)
			require.NoError(t, err)
			require.Equal(t, tc.state, stored.Status, "rejected transition must not change the row")
		})
	}
}

func TestAutoCompleteTimerFiringTwiceIsNoop(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()
	svc := fx.pickups.(*pickupService)

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, request.ID)
	require.NoError(t, err)

	svc.onAutoCompleteTimer(request.ID)
	svc.onAutoCompleteTimer(request.ID)

	err = svc.autoComplete(ctx, request.ID)
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, models.PickupStatusCompleted, transition.Current)

	count, err := fx.history.CountByRequest(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestManualCompletionDisarmsTimer(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, request.ID)
	require.NoError(t, err)

	fx.clock.Advance(time.Minute)
	completed, err := fx.pickups.MarkCompleted(ctx, fx.admin, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCompleted, completed.Status)
	require.False(t, fx.pickups.(*pickupService).timers.pending(request.ID))

	fx.clock.Advance(DefaultAutoCompleteDelay)

	rows, err := fx.history.List(ctx, repository.PickupHistoryFilter{ClassID: fx.child.ClassID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.CompletedByStaff, rows[0].CompletedBy)
	require.Equal(t, int64(60), *rows[0].DurationSeconds)
}

func TestGrantFlipsUnauthorizedToSuccess(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	_, err := fx.pickups.CreatePickupRequest(ctx, fx.otherParent.ID, fx.child.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = fx.grants.GrantPickup(ctx, fx.parent, dto.PickupAuthorizationCreateRequest{
		AuthorizedParentID: fx.otherParent.ID,
		ChildIDs:           []uint{fx.child.ID},
		StartDate:          "2025-01-01",
		EndDate:            "2025-01-01",
	})
	require.NoError(t, err)

	created, err := fx.pickups.CreatePickupRequest(ctx, fx.otherParent.ID, fx.child.ID)
	require.NoError(t, err)
	require.Equal(t, fx.otherParent.ID, created.ParentID)
}

func TestSingleDayGrantExpiresNextDay(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	_, err := fx.grants.GrantPickup(ctx, fx.parent, dto.PickupAuthorizationCreateRequest{
		AuthorizedParentID: fx.otherParent.ID,
		ChildIDs:           []uint{fx.child.ID},
		StartDate:          "2025-01-01",
		EndDate:            "2025-01-01",
		AllowedDaysOfWeek:  []int{3},
	})
	require.NoError(t, err)

	today, err := fx.access.ResolveAccessibleChildren(ctx, fx.otherParent.ID, fx.clock.Now())
	require.NoError(t, err)
	require.True(t, today.Contains(fx.child.ID))

	fx.clock.Advance(24 * time.Hour)

	tomorrow, err := fx.access.ResolveAccessibleChildren(ctx, fx.otherParent.ID, fx.clock.Now())
	require.NoError(t, err)
	require.False(t, tomorrow.Contains(fx.child.ID))

	_, err = fx.pickups.CreatePickupRequest(ctx, fx.otherParent.ID, fx.child.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestPickupRoleAndOwnershipChecks(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)

	_, err = fx.pickups.MarkCalled(ctx, fx.parent, request.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = fx.pickups.MarkCompleted(ctx, fx.otherParent, request.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = fx.pickups.CancelRequest(ctx, request.ID, fx.otherParent.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, 9999)
	require.ErrorIs(t, err, ErrPickupRequestNotFound)

	_, err = fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, 9999)
	require.ErrorIs(t, err, ErrChildNotFound)

	_, err = fx.pickups.Get(ctx, fx.otherParent, request.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	got, err := fx.pickups.Get(ctx, fx.teacher, request.ID)
	require.NoError(t, err)
	require.Equal(t, request.ID, got.ID)

	elsewhere, err := fx.pickups.CreatePickupRequest(ctx, fx.otherParent.ID, fx.otherChild.ID)
	require.NoError(t, err)

	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, elsewhere.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = fx.pickups.MarkCompleted(ctx, fx.teacher, elsewhere.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	untouched, err := fx.requests.FindByID(ctx, elsewhere.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusPending, untouched.Status)
	require.EqualValues(t, 1, untouched.Version)

	called, err := fx.pickups.MarkCalled(ctx, fx.admin, elsewhere.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCalled, called.Status)
}

func TestListActiveHonoursScope(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	mine, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.CreatePickupRequest(ctx, fx.otherParent.ID, fx.otherChild.ID)
	require.NoError(t, err)

	teacherScope, err := fx.access.ViewScope(ctx, fx.teacher, fx.clock.Now())
	require.NoError(t, err)
	items, err := fx.pickups.ListActive(ctx, teacherScope, dto.PickupActiveQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, mine.ID, items[0].ID)

	adminScope, err := fx.access.ViewScope(ctx, fx.admin, fx.clock.Now())
	require.NoError(t, err)
	items, err = fx.pickups.ListActive(ctx, adminScope, dto.PickupActiveQuery{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = fx.pickups.ListActive(ctx, adminScope, dto.PickupActiveQuery{ClassID: fx.otherChild.ClassID})
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = fx.pickups.ListActive(ctx, realtime.Scope{ActorID: 42}, dto.PickupActiveQuery{})
	require.NoError(t, err)
	require.Empty(t, items)

	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, mine.ID)
	require.NoError(t, err)
	items, err = fx.pickups.ListActive(ctx, adminScope, dto.PickupActiveQuery{Status: models.PickupStatusCalled})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestRecoverTimersAfterRestart(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, request.ID)
	require.NoError(t, err)
	fx.pickups.Close()

	fx.clock.Advance(2 * time.Minute)

	restarted := NewPickupService(fx.requests, fx.history, repository.NewSchoolRepository(fx.db), fx.access, fx.feed, nil, nil, PickupServiceOptions{
		Clock:    fx.clock,
		Retry:    fastRetry,
		Location: time.UTC,
	}, zerolog.Nop())
	defer restarted.Close()

	recovered, err := restarted.RecoverTimers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	fx.clock.Advance(3*time.Minute - time.Second)
	stored, err := fx.requests.FindByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCalled, stored.Status)

	fx.clock.Advance(time.Second)
	stored, err = fx.requests.FindByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.PickupStatusCompleted, stored.Status)
}

func TestHistoryRequiresStaffAndClassScope(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCompleted(ctx, fx.teacher, request.ID)
	require.NoError(t, err)

	_, err = fx.pickups.History(ctx, fx.parent, dto.PickupHistoryQuery{ClassID: fx.child.ClassID})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = fx.pickups.History(ctx, fx.teacher, dto.PickupHistoryQuery{ClassID: fx.otherChild.ClassID})
	require.ErrorIs(t, err, ErrUnauthorized)

	rows, err := fx.pickups.History(ctx, fx.teacher, dto.PickupHistoryQuery{ClassID: fx.child.ClassID, From: "2025-01-01", To: "2025-01-01"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].DurationSeconds, "pending -> completed has no called time")

	rows, err = fx.pickups.History(ctx, fx.admin, dto.PickupHistoryQuery{ClassID: fx.child.ClassID, From: "2025-01-02"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

type flakyRequestRepo struct {
	repository.PickupRequestRepository
	failures int
	calls    int
}

func (r *flakyRequestRepo) FindByID(ctx context.Context, id uint) (models.PickupRequest, error) {
	r.calls++
	if r.calls <= r.failures {
		return models.PickupRequest{}, errors.New("driver: bad connection")
	}
	return r.PickupRequestRepository.FindByID(ctx, id)
}

func TestStoreFailuresRetriedThenTransient(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	request, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)

	build := func(repo repository.PickupRequestRepository) PickupService {
		svc := NewPickupService(repo, fx.history, repository.NewSchoolRepository(fx.db), fx.access, nil, nil, nil, PickupServiceOptions{
			Clock: fx.clock,
			Retry: fastRetry,
		}, zerolog.Nop())
		t.Cleanup(svc.Close)
		return svc
	}

	recovering := &flakyRequestRepo{PickupRequestRepository: fx.requests, failures: 1}
	got, err := build(recovering).Get(ctx, fx.parent, request.ID)
	require.NoError(t, err)
	require.Equal(t, request.ID, got.ID)
	require.Equal(t, 2, recovering.calls)

	broken := &flakyRequestRepo{PickupRequestRepository: fx.requests, failures: 10}
	_, err = build(broken).Get(ctx, fx.parent, request.ID)
	require.ErrorIs(t, err, ErrTransientIO)
	require.Equal(t, fastRetry.Attempts, broken.calls)
}
