package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

type stubSubscriber struct {
	events chan realtime.ChangeEvent
}

func (s stubSubscriber) Subscribe(...string) (<-chan realtime.ChangeEvent, func()) {
	return s.events, func() {}
}

func newActivityService(fx *schoolFixture) ActivityService {
	return NewActivityService(
		repository.NewActivityLogRepository(fx.db),
		fx.access,
		validator.New(validator.WithRequiredStructEnabled()),
		fx.clock,
		time.UTC,
		fastRetry,
		zerolog.Nop(),
	)
}

func TestActivityServiceRecordsLifecycleOnce(t *testing.T) {
	fx := newSchoolFixture(t)
	activity := newActivityService(fx)
	ctx := context.Background()

	events, cancel := fx.feed.Subscribe(realtime.TablePickupRequests)
	defer cancel()

	created, err := fx.pickups.CreatePickupRequest(ctx, fx.parent.ID, fx.child.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCalled(ctx, fx.teacher, created.ID)
	require.NoError(t, err)
	_, err = fx.pickups.MarkCompleted(ctx, fx.teacher, created.ID)
	require.NoError(t, err)

	delivered := drainEvents(events)
	require.Len(t, delivered, 3)
	for _, event := range delivered {
		written, err := activity.Record(ctx, event)
		require.NoError(t, err)
		require.True(t, written)

		written, err = activity.Record(ctx, event)
		require.NoError(t, err)
		require.False(t, written, "replayed event must not be recorded twice")
	}

	list, err := activity.List(ctx, fx.teacher, dto.ActivityListQuery{RequestID: created.ID})
	require.NoError(t, err)
	require.EqualValues(t, 3, list.Pagination.TotalItems)
	require.Equal(t, models.ActivityCompleted, list.Items[0].Action)
	require.Equal(t, models.PickupStatusCalled, list.Items[0].FromStatus)
	require.Equal(t, models.ActivityCalled, list.Items[1].Action)
	require.Equal(t, models.ActivityRequested, list.Items[2].Action)
	require.Equal(t, fx.parent.ID, list.Items[2].ParentID)
}

func TestActivityServiceIgnoresOtherTables(t *testing.T) {
	fx := newSchoolFixture(t)
	activity := newActivityService(fx)

	written, err := activity.Record(context.Background(), realtime.ChangeEvent{
		ID:    "grant-1",
		Table: realtime.TablePickupAuthorizations,
		Op:    realtime.OpInsert,
		RowID: 1,
	})
	require.NoError(t, err)
	require.False(t, written)
}

func TestActivityServiceListIsScoped(t *testing.T) {
	fx := newSchoolFixture(t)
	activity := newActivityService(fx)
	ctx := context.Background()

	feed := stubSubscriber{events: make(chan realtime.ChangeEvent, 4)}
	feed.events <- realtime.ChangeEvent{ID: "1", Table: realtime.TablePickupRequests, Op: realtime.OpInsert, RowID: 1, StudentID: fx.child.ID, ClassID: fx.child.ClassID, NewStatus: models.PickupStatusPending, Version: 1, OccurredAt: schoolMorning}
	feed.events <- realtime.ChangeEvent{ID: "2", Table: realtime.TablePickupRequests, Op: realtime.OpInsert, RowID: 2, StudentID: fx.otherChild.ID, ClassID: fx.otherChild.ClassID, NewStatus: models.PickupStatusPending, Version: 1, OccurredAt: schoolMorning}
	feed.events <- realtime.ChangeEvent{ID: "3", Table: realtime.TablePickupRequests, Op: realtime.OpUpdate, RowID: 2, StudentID: fx.otherChild.ID, ClassID: fx.otherChild.ClassID, OldStatus: models.PickupStatusPending, NewStatus: models.PickupStatusCancelled, Version: 2, OccurredAt: schoolMorning.Add(time.Minute)}
	close(feed.events)

	activity.Start(ctx, feed)
	require.Eventually(t, func() bool {
		all, err := activity.List(ctx, fx.admin, dto.ActivityListQuery{})
		return err == nil && all.Pagination.TotalItems == 3
	}, time.Second, 10*time.Millisecond)

	teacherView, err := activity.List(ctx, fx.teacher, dto.ActivityListQuery{})
	require.NoError(t, err)
	require.Len(t, teacherView.Items, 1)
	require.Equal(t, fx.child.ID, teacherView.Items[0].StudentID)

	_, err = activity.List(ctx, fx.teacher, dto.ActivityListQuery{ClassID: fx.otherChild.ClassID})
	require.ErrorIs(t, err, ErrUnauthorized)

	adminView, err := activity.List(ctx, fx.admin, dto.ActivityListQuery{Action: models.ActivityCancelled})
	require.NoError(t, err)
	require.Len(t, adminView.Items, 1)
	require.Equal(t, uint(2), adminView.Items[0].RequestID)

	otherDay, err := activity.List(ctx, fx.admin, dto.ActivityListQuery{Date: "2025-01-02"})
	require.NoError(t, err)
	require.Empty(t, otherDay.Items)

	_, err = activity.List(ctx, fx.parent, dto.ActivityListQuery{})
	require.ErrorIs(t, err, ErrForbidden)
}
