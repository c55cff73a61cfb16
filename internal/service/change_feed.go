package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/observability"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
)

const (
	changeFeedBufferSize = 64
	changeFeedSeenTTL    = 2 * time.Minute
	changeFeedSeenPrune  = 4096

	// PostgresChangeChannel is the LISTEN/NOTIFY channel written by the change trigger.
	PostgresChangeChannel = "pickup_changes"
)

// Event origins, used as metric labels.
const (
	originLocal    = "local"
	originRedis    = "redis"
	originNATS     = "nats"
	originPostgres = "postgres"
)

// ChangeFeed fans row changes out to sync views on this node and, through the
// configured transports, to every other node.
type ChangeFeed interface {
	realtime.Subscriber
	Publish(ctx context.Context, event realtime.ChangeEvent)
	Start(ctx context.Context)
}

// ChangeFeedOptions selects the cross-node transports. Every field is optional.
type ChangeFeedOptions struct {
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
	PostgresDSN string
	Clock       clock.Clock
}

type changeFeed struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	postgresDSN  string
	clock        clock.Clock
	logger       zerolog.Logger
	broker       *changeBroker
	nodeID       string

	seenMu sync.Mutex
	seen   map[string]time.Time
}

type changeBroker struct {
	mu          sync.RWMutex
	subscribers map[chan realtime.ChangeEvent]map[string]struct{}
}

// NewChangeFeed constructs the feed. Without transports it only serves
// subscribers in this process.
func NewChangeFeed(opts ChangeFeedOptions, logger zerolog.Logger) ChangeFeed {
	channel := ""
	subject := ""
	if opts.ChannelBase != "" {
		channel = opts.ChannelBase + ":changes"
		subject = strings.ReplaceAll(opts.ChannelBase, ":", ".") + ".changes"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &changeFeed{
		redis:        opts.Redis,
		redisChannel: channel,
		nats:         opts.NATS,
		natsSubject:  subject,
		postgresDSN:  opts.PostgresDSN,
		clock:        clk,
		logger:       logger.With().Str("component", "change_feed").Logger(),
		broker: &changeBroker{
			subscribers: make(map[chan realtime.ChangeEvent]map[string]struct{}),
		},
		nodeID: uuid.NewString(),
		seen:   make(map[string]time.Time),
	}
}

func (f *changeFeed) Start(ctx context.Context) {
	if f.redis != nil && f.redisChannel != "" {
		go f.consumeRedis(ctx)
	}
	if f.nats != nil && f.natsSubject != "" {
		go f.consumeNATS(ctx)
	}
	if f.postgresDSN != "" {
		go f.consumePostgres(ctx)
	}
}

// Publish delivers the event locally and forwards it to the other nodes.
func (f *changeFeed) Publish(ctx context.Context, event realtime.ChangeEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = f.clock.Now().UTC()
	}
	event.Source = f.nodeID

	f.deliver(originLocal, event)

	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to encode change event")
		return
	}
	if f.redis != nil && f.redisChannel != "" {
		if err := f.redis.Publish(ctx, f.redisChannel, payload).Err(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish change event to redis")
		}
	}
	if f.nats != nil && f.natsSubject != "" {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish change event to nats")
		}
	}
}

// Subscribe returns events for the given tables, or for every table when none
// are named. Slow subscribers drop events; views recover through polling.
func (f *changeFeed) Subscribe(tables ...string) (<-chan realtime.ChangeEvent, func()) {
	channel := make(chan realtime.ChangeEvent, changeFeedBufferSize)
	filter := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		filter[table] = struct{}{}
	}

	f.broker.subscribe(channel, filter)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.broker.unsubscribe(channel) })
	}
	return channel, cleanup
}

func (f *changeFeed) deliver(origin string, event realtime.ChangeEvent) {
	if !f.markSeen(event.DedupKey()) {
		return
	}
	observability.ChangeEvents().WithLabelValues(event.Table, origin).Inc()
	f.broker.broadcast(event)
}

// markSeen records key and reports whether it was new.
func (f *changeFeed) markSeen(key string) bool {
	now := f.clock.Now()

	f.seenMu.Lock()
	defer f.seenMu.Unlock()

	if seenAt, ok := f.seen[key]; ok && now.Sub(seenAt) < changeFeedSeenTTL {
		return false
	}
	f.seen[key] = now

	if len(f.seen) > changeFeedSeenPrune {
		for k, seenAt := range f.seen {
			if now.Sub(seenAt) >= changeFeedSeenTTL {
				delete(f.seen, k)
			}
		}
	}
	return true
}

func (f *changeFeed) consumeRedis(ctx context.Context) {
	pubsub := f.redis.Subscribe(ctx, f.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			f.logger.Error().Err(err).Msg("change feed redis subscription closed")
			return
		}
		f.handlePayload(originRedis, []byte(msg.Payload))
	}
}

func (f *changeFeed) consumeNATS(ctx context.Context) {
	// Every node needs every event, so this is a plain subscription rather
	// than a queue group.
	sub, err := f.nats.Subscribe(f.natsSubject, func(msg *nats.Msg) {
		f.handlePayload(originNATS, msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to nats change subject")
		return
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		f.logger.Warn().Err(err).Msg("failed to drain change feed nats subscription")
	}
}

func (f *changeFeed) consumePostgres(ctx context.Context) {
	report := func(event pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Warn().Err(err).Int("event", int(event)).Msg("postgres listener event")
		}
	}
	listener := pq.NewListener(f.postgresDSN, 10*time.Second, time.Minute, report)
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(PostgresChangeChannel); err != nil {
		f.logger.Error().Err(err).Msg("failed to listen on postgres change channel")
		return
	}
	f.logger.Info().Str("channel", PostgresChangeChannel).Msg("listening for postgres change notifications")

	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			// nil after a reconnect; views catch up through their poll.
			if notification == nil {
				continue
			}
			f.handlePayload(originPostgres, []byte(notification.Extra))
		case <-time.After(90 * time.Second):
			go func() { _ = listener.Ping() }()
		}
	}
}

func (f *changeFeed) handlePayload(origin string, payload []byte) {
	var event realtime.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		f.logger.Warn().Err(err).Str("origin", origin).Msg("invalid change event payload")
		return
	}
	if event.Source == f.nodeID {
		return
	}
	if event.Table == "" {
		return
	}
	f.deliver(origin, event)
}

func (b *changeBroker) subscribe(ch chan realtime.ChangeEvent, tables map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = tables
}

func (b *changeBroker) unsubscribe(ch chan realtime.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *changeBroker) broadcast(event realtime.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, tables := range b.subscribers {
		if len(tables) > 0 {
			if _, ok := tables[event.Table]; !ok {
				continue
			}
		}
		select {
		case ch <- event:
		default:
		}
	}
}
