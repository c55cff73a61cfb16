package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/observability"
)

// Refresh triggers, used as metric labels.
const (
	TriggerInitial  = "initial"
	TriggerNotify   = "notify"
	TriggerPoll     = "poll"
	TriggerMutation = "mutation"
	TriggerRollback = "rollback"
	TriggerManual   = "manual"
)

const rollbackTimeout = 10 * time.Second

// ErrViewClosed is returned by operations on a closed view.
var ErrViewClosed = errors.New("sync view closed")

// Result is what a fetch returns: the rows and the scope they were read under.
// The scope is re-resolved on every fetch so date-sensitive grants are never
// cached past the fetch that produced them.
type Result[T any] struct {
	Items []T
	Scope Scope
}

// Fetcher reads the authoritative state for a view.
type Fetcher[T any] func(ctx context.Context) (Result[T], error)

// Snapshot is the state a view hands to its consumer.
type Snapshot[T any] struct {
	Seq        uint64
	Items      []T
	Scope      Scope
	FetchedAt  time.Time
	Optimistic bool
}

// Options tunes a view. Zero values fall back to the defaults.
type Options struct {
	Name         string
	Debounce     time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
	Tables       []string
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Default timings.
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultMaxWait      = 2 * time.Second
	DefaultPollInterval = 20 * time.Second
)

// View keeps one client's list consistent with the store. Notifications and the
// poll ticker both go through one debounced refresh, fetches never overlap, and
// a result is applied only if nothing newer was applied since it was issued.
type View[T any] struct {
	fetch    Fetcher[T]
	relevant Relevance
	opts     Options
	logger   zerolog.Logger

	debouncer *Debouncer

	// fetchMu serialises fetches for this view.
	fetchMu sync.Mutex

	mu       sync.Mutex
	issued   uint64
	applied  uint64
	snapshot Snapshot[T]
	scope    Scope
	// pending is the trigger of the latest refresh request not yet fetched.
	pending string

	outMu   sync.Mutex
	updates chan Snapshot[T]
	closed  bool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	ticker      *clock.Ticker
	started     bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewView builds a view. Call Start to subscribe and begin polling.
func NewView[T any](fetch Fetcher[T], relevant Relevance, opts Options) *View[T] {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if len(opts.Tables) == 0 {
		opts.Tables = []string{TablePickupRequests, TablePickupAuthorizations}
	}

	ctx, cancel := context.WithCancel(context.Background())
	view := &View[T]{
		fetch:    fetch,
		relevant: relevant,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "sync_view").Str("view", opts.Name).Logger(),
		updates:  make(chan Snapshot[T], 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	view.debouncer = NewDebouncer(opts.Clock, opts.Debounce, opts.MaxWait, func() {
		if err := view.Refresh(view.ctx, view.takePending()); err != nil && !errors.Is(err, ErrViewClosed) {
			view.logger.Warn().Err(err).Msg("debounced refresh failed")
		}
	})
	return view
}

// Start performs the initial fetch, subscribes to feed and starts the poll
// ticker. A nil feed leaves the view on polling alone.
func (v *View[T]) Start(ctx context.Context, feed Subscriber) error {
	if err := v.Refresh(ctx, TriggerInitial); err != nil {
		return err
	}

	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return nil
	}
	v.started = true
	v.mu.Unlock()

	observability.SyncViewsActive().Inc()

	if feed != nil {
		events, cancel := feed.Subscribe(v.opts.Tables...)
		v.unsubscribe = cancel
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			for event := range events {
				v.Notify(event)
			}
		}()
	}

	v.ticker = v.opts.Clock.NewTicker(v.opts.PollInterval)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		for {
			select {
			case <-v.ticker.C:
				v.RequestRefresh(TriggerPoll)
			case <-v.ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Notify feeds one change event to the view. Irrelevant events are dropped.
func (v *View[T]) Notify(event ChangeEvent) {
	v.mu.Lock()
	scope := v.scope
	v.mu.Unlock()

	if v.relevant != nil && !v.relevant(scope, event) {
		return
	}
	v.RequestRefresh(TriggerNotify)
}

// RequestRefresh schedules a debounced refresh.
func (v *View[T]) RequestRefresh(trigger string) {
	if v.ctx.Err() != nil {
		return
	}
	if trigger != TriggerNotify {
		v.logger.Debug().Str("trigger", trigger).Msg("refresh requested")
	}
	v.mu.Lock()
	v.pending = trigger
	v.mu.Unlock()
	v.debouncer.Trigger()
}

func (v *View[T]) takePending() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	trigger := v.pending
	v.pending = ""
	if trigger == "" {
		trigger = TriggerNotify
	}
	return trigger
}

// Refresh fetches immediately, waiting for any fetch already running.
func (v *View[T]) Refresh(ctx context.Context, trigger string) error {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	if v.ctx.Err() != nil {
		return ErrViewClosed
	}

	v.mu.Lock()
	v.issued++
	seq := v.issued
	v.mu.Unlock()

	observability.SyncRefetches().WithLabelValues(trigger).Inc()

	fetchCtx, cancel := mergeCancel(ctx, v.ctx)
	defer cancel()

	result, err := v.fetch(fetchCtx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if seq <= v.applied {
		v.mu.Unlock()
		observability.SyncDiscarded().Inc()
		v.logger.Debug().Uint64("seq", seq).Msg("discarding superseded fetch result")
		return nil
	}
	v.applied = seq
	v.scope = result.Scope
	v.snapshot = Snapshot[T]{
		Seq:       seq,
		Items:     result.Items,
		Scope:     result.Scope,
		FetchedAt: v.opts.Clock.Now(),
	}
	snapshot := v.snapshot
	v.mu.Unlock()

	v.emit(snapshot)
	return nil
}

// Mutate applies an optimistic change locally, emits it, then commits. If the
// commit fails the optimistic state is thrown away by a fresh fetch and the
// commit error is returned.
func (v *View[T]) Mutate(ctx context.Context, apply func(items []T) []T, commit func(ctx context.Context) error) error {
	if v.ctx.Err() != nil {
		return ErrViewClosed
	}

	v.mu.Lock()
	v.issued++
	v.applied = v.issued
	items := append([]T(nil), v.snapshot.Items...)
	v.snapshot = Snapshot[T]{
		Seq:        v.issued,
		Items:      apply(items),
		Scope:      v.scope,
		FetchedAt:  v.snapshot.FetchedAt,
		Optimistic: true,
	}
	snapshot := v.snapshot
	v.mu.Unlock()

	v.emit(snapshot)

	if err := commit(ctx); err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if refreshErr := v.Refresh(rollbackCtx, TriggerRollback); refreshErr != nil && !errors.Is(refreshErr, ErrViewClosed) {
			v.logger.Warn().Err(refreshErr).Msg("rollback refresh failed")
		}
		return err
	}

	v.RequestRefresh(TriggerMutation)
	return nil
}

// Current returns the latest applied snapshot.
func (v *View[T]) Current() Snapshot[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

// Updates delivers snapshots. Only the newest undelivered snapshot is kept.
// The channel is closed by Close.
func (v *View[T]) Updates() <-chan Snapshot[T] {
	return v.updates
}

// Close unsubscribes, stops the timers and cancels in-flight fetches. It is
// safe to call more than once.
func (v *View[T]) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.debouncer.Stop()
		if v.ticker != nil {
			v.ticker.Stop()
		}
		if v.unsubscribe != nil {
			v.unsubscribe()
		}
		v.wg.Wait()

		v.mu.Lock()
		started := v.started
		v.mu.Unlock()
		if started {
			observability.SyncViewsActive().Dec()
		}

		v.outMu.Lock()
		v.closed = true
		close(v.updates)
		v.outMu.Unlock()
	})
}

func (v *View[T]) emit(snapshot Snapshot[T]) {
	v.outMu.Lock()
	defer v.outMu.Unlock()

	if v.closed {
		return
	}
	select {
	case <-v.updates:
	default:
	}
	v.updates <- snapshot
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
