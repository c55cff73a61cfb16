package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
)

func requestEvent(rowID, version uint) realtime.ChangeEvent {
	return realtime.ChangeEvent{
		Table:     realtime.TablePickupRequests,
		Op:        realtime.OpUpdate,
		RowID:     rowID,
		StudentID: 1,
		ClassID:   1,
		OldStatus: "pending",
		NewStatus: "called",
		Version:   version,
	}
}

func TestChangeFeedFiltersByTable(t *testing.T) {
	feed := NewChangeFeed(ChangeFeedOptions{Clock: clock.Fake(schoolMorning)}, zerolog.Nop())

	requests, cancelRequests := feed.Subscribe(realtime.TablePickupRequests)
	defer cancelRequests()
	everything, cancelEverything := feed.Subscribe()
	defer cancelEverything()

	ctx := context.Background()
	feed.Publish(ctx, requestEvent(1, 2))
	feed.Publish(ctx, realtime.ChangeEvent{Table: realtime.TablePickupAuthorizations, Op: realtime.OpInsert, RowID: 5, ActorID: 9})

	got := drainEvents(requests)
	require.Len(t, got, 1)
	require.Equal(t, uint(1), got[0].RowID)
	require.NotEmpty(t, got[0].ID)
	require.True(t, schoolMorning.Equal(got[0].OccurredAt))

	require.Len(t, drainEvents(everything), 2)
}

func TestChangeFeedDeduplicatesAcrossOrigins(t *testing.T) {
	feed := NewChangeFeed(ChangeFeedOptions{Clock: clock.Fake(schoolMorning)}, zerolog.Nop()).(*changeFeed)
	events, cancel := feed.Subscribe(realtime.TablePickupRequests)
	defer cancel()

	remote := requestEvent(7, 3)
	remote.Source = "other-node"
	payload, err := json.Marshal(remote)
	require.NoError(t, err)

	feed.handlePayload(originRedis, payload)
	feed.handlePayload(originNATS, payload)
	feed.handlePayload(originPostgres, payload)
	require.Len(t, drainEvents(events), 1)

	own := requestEvent(8, 2)
	own.Source = feed.nodeID
	payload, err = json.Marshal(own)
	require.NoError(t, err)
	feed.handlePayload(originRedis, payload)
	require.Empty(t, drainEvents(events), "own events are already delivered locally")

	feed.handlePayload(originRedis, []byte("not json"))
	require.Empty(t, drainEvents(events))
}

func TestChangeFeedUnsubscribeClosesChannel(t *testing.T) {
	feed := NewChangeFeed(ChangeFeedOptions{}, zerolog.Nop())
	events, cancel := feed.Subscribe()
	cancel()
	cancel()

	_, open := <-events
	require.False(t, open)

	feed.Publish(context.Background(), requestEvent(1, 2))
}

func TestChangeFeedRedisFanOut(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewChangeFeed(ChangeFeedOptions{Redis: redis.NewClient(&redis.Options{Addr: mini.Addr()}), ChannelBase: "pickup"}, zerolog.Nop())
	nodeB := NewChangeFeed(ChangeFeedOptions{Redis: redis.NewClient(&redis.Options{Addr: mini.Addr()}), ChannelBase: "pickup"}, zerolog.Nop())
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return mini.PubSubNumSub("pickup:changes")["pickup:changes"] > 0
	}, time.Second, 5*time.Millisecond)

	events, unsubscribe := nodeB.Subscribe(realtime.TablePickupRequests)
	defer unsubscribe()

	nodeA.Publish(ctx, requestEvent(11, 2))

	select {
	case event := <-events:
		require.Equal(t, uint(11), event.RowID)
		require.Equal(t, uint(2), event.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered across nodes")
	}
}
