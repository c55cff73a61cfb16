package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
)

func TestGrantPickupPermissions(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	payload := dto.PickupAuthorizationCreateRequest{
		AuthorizedParentID: fx.otherParent.ID,
		ChildIDs:           []uint{fx.child.ID},
		StartDate:          "2025-01-01",
		EndDate:            "2025-01-10",
	}

	_, err := fx.grants.GrantPickup(ctx, fx.otherParent, payload)
	require.ErrorIs(t, err, ErrUnauthorized, "only a guardian may share their child")

	_, err = fx.grants.GrantPickup(ctx, fx.teacher, payload)
	require.ErrorIs(t, err, ErrForbidden)

	missing := payload
	missing.ChildIDs = []uint{fx.child.ID, 9999}
	_, err = fx.grants.GrantPickup(ctx, fx.admin, missing)
	require.ErrorIs(t, err, ErrChildNotFound)

	backwards := payload
	backwards.StartDate, backwards.EndDate = "2025-02-01", "2025-01-01"
	_, err = fx.grants.GrantPickup(ctx, fx.parent, backwards)
	require.ErrorIs(t, err, ErrInvalidWindow)

	invalid := payload
	invalid.StartDate = "01-01-2025"
	_, err = fx.grants.GrantPickup(ctx, fx.parent, invalid)
	require.Error(t, err)

	events, cancel := fx.feed.Subscribe(realtime.TablePickupAuthorizations)
	defer cancel()

	payload.Note = "<b>Grandma</b> picks up on Fridays"
	payload.ChildIDs = []uint{fx.child.ID, fx.child.ID}
	grant, err := fx.grants.GrantPickup(ctx, fx.parent, payload)
	require.NoError(t, err)
	require.Equal(t, []uint{fx.child.ID}, grant.ChildIDs)
	require.Equal(t, "Grandma picks up on Fridays", grant.Note)
	require.Nil(t, grant.Window.AllowedDaysOfWeek)
	require.True(t, grant.Window.ActiveToday)

	published := drainEvents(events)
	require.Len(t, published, 1)
	require.Equal(t, fx.otherParent.ID, published[0].ActorID)
}

func TestRevokeAndListPickupGrants(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	grant, err := fx.grants.GrantPickup(ctx, fx.parent, dto.PickupAuthorizationCreateRequest{
		AuthorizedParentID: fx.otherParent.ID,
		ChildIDs:           []uint{fx.child.ID},
		StartDate:          "2025-01-01",
		EndDate:            "2025-01-10",
		AllowedDaysOfWeek:  []int{},
	})
	require.NoError(t, err)
	require.Equal(t, []int{}, grant.Window.AllowedDaysOfWeek)
	require.False(t, grant.Window.ActiveToday, "an empty weekday list is never active")

	listed, err := fx.grants.ListPickupForParent(ctx, fx.otherParent, fx.otherParent.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = fx.grants.ListPickupForParent(ctx, fx.parent, fx.otherParent.ID)
	require.ErrorIs(t, err, ErrForbidden)

	require.ErrorIs(t, fx.grants.RevokePickup(ctx, fx.otherParent, grant.ID), ErrUnauthorized)
	require.NoError(t, fx.grants.RevokePickup(ctx, fx.parent, grant.ID))
	require.ErrorIs(t, fx.grants.RevokePickup(ctx, fx.admin, 9999), ErrAuthorizationNotFound)

	listed, err = fx.grants.ListPickupForParent(ctx, fx.admin, fx.otherParent.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.False(t, listed[0].Window.IsActive)
}

func TestSelfCheckoutGrants(t *testing.T) {
	fx := newSchoolFixture(t)
	ctx := context.Background()

	payload := dto.SelfCheckoutCreateRequest{ChildID: fx.child.ID, StartDate: "2025-01-01", EndDate: "2025-01-31", AllowedDaysOfWeek: []int{1, 3}}

	_, err := fx.grants.GrantSelfCheckout(ctx, fx.otherParent, payload)
	require.ErrorIs(t, err, ErrUnauthorized)

	grant, err := fx.grants.GrantSelfCheckout(ctx, fx.parent, payload)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, grant.Window.AllowedDaysOfWeek)
	require.True(t, grant.Window.ActiveToday)

	listed, err := fx.grants.ListSelfCheckout(ctx, fx.teacher, fx.child.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = fx.grants.ListSelfCheckout(ctx, fx.otherParent, fx.child.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, fx.grants.RevokeSelfCheckout(ctx, fx.admin, grant.ID))
	flags, err := fx.access.ChildWindowFlags(ctx, fx.child.ID, fx.clock.Now())
	require.NoError(t, err)
	require.False(t, flags.SelfCheckoutToday)
}
