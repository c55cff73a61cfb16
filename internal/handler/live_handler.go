package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// Live frame types.
const (
	FrameSnapshot = "snapshot"
	FrameAck      = "ack"
	FrameError    = "error"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveCommandLimit = 30 * time.Second
	livePingInterval = 25 * time.Second
)

// LiveOptions tunes the per-connection views.
type LiveOptions struct {
	Debounce     time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
}

// LiveHandler streams the active pickup list to dismissal screens and parent
// apps. Each connection owns one realtime.View scoped to its actor.
type LiveHandler struct {
	pickups service.PickupService
	access  service.AccessService
	feed    realtime.Subscriber
	opts    LiveOptions
	logger  zerolog.Logger
}

// NewLiveHandler constructs the handler. feed may be nil, in which case views
// rely on polling.
func NewLiveHandler(pickups service.PickupService, access service.AccessService, feed realtime.Subscriber, opts LiveOptions, logger zerolog.Logger) *LiveHandler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &LiveHandler{
		pickups: pickups,
		access:  access,
		feed:    feed,
		opts:    opts,
		logger:  logger.With().Str("component", "live_handler").Logger(),
	}
}

// Register binds the websocket and SSE endpoints.
func (h *LiveHandler) Register(router fiber.Router) {
	router.Use("/live", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/live", websocket.New(h.handleConnection))
	router.Get("/stream", h.stream)
}

// newView builds the actor's view. The scope is resolved on every fetch, so a
// grant that starts or ends mid-session is honoured at the next refetch.
func (h *LiveHandler) newView(actor models.Actor, query dto.PickupActiveQuery) *realtime.View[dto.PickupRequestResponse] {
	fetch := func(ctx context.Context) (realtime.Result[dto.PickupRequestResponse], error) {
		scope, err := h.access.ViewScope(ctx, actor, h.pickups.Now())
		if err != nil {
			return realtime.Result[dto.PickupRequestResponse]{}, err
		}
		items, err := h.pickups.ListActive(ctx, scope, query)
		if err != nil {
			return realtime.Result[dto.PickupRequestResponse]{}, err
		}
		return realtime.Result[dto.PickupRequestResponse]{Items: items, Scope: scope}, nil
	}

	return realtime.NewView(fetch, realtime.PickupRelevance(models.PickupStatusPending, models.PickupStatusCalled), realtime.Options{
		Name:         fmt.Sprintf("pickups:%d", actor.ID),
		Debounce:     h.opts.Debounce,
		MaxWait:      h.opts.MaxWait,
		PollInterval: h.opts.PollInterval,
		Clock:        h.opts.Clock,
		Logger:       h.logger,
	})
}

func liveQuery(classID uint) dto.PickupActiveQuery {
	return dto.PickupActiveQuery{ClassID: classID}
}

func snapshotFrame(snapshot realtime.Snapshot[dto.PickupRequestResponse]) dto.LiveFrame {
	items := snapshot.Items
	if items == nil {
		items = []dto.PickupRequestResponse{}
	}
	frame := dto.LiveFrame{
		Type:       FrameSnapshot,
		Seq:        snapshot.Seq,
		Items:      items,
		Optimistic: snapshot.Optimistic,
	}
	if !snapshot.FetchedAt.IsZero() {
		fetchedAt := snapshot.FetchedAt.UTC()
		frame.FetchedAt = &fetchedAt
	}
	return frame
}

// liveConn serialises writes; the websocket allows one writer at a time.
type liveConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *liveConn) writeJSON(frame interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return l.conn.WriteJSON(frame)
}

func (l *liveConn) ping() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout))
}

func (l *liveConn) closeWith(code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (h *LiveHandler) handleConnection(conn *websocket.Conn) {
	out := &liveConn{conn: conn}
	defer conn.Close()

	actor, ok := conn.Locals(middleware.LocalActor).(models.Actor)
	if !ok || actor.ID == 0 {
		out.closeWith(websocket.ClosePolicyViolation, "unauthenticated")
		return
	}

	var classID uint
	if raw := conn.Query("class_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			out.closeWith(websocket.CloseUnsupportedData, "invalid class_id")
			return
		}
		classID = uint(parsed)
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(baseCtx))
	defer cancel()

	logger := h.logger.With().
		Uint("actor_id", actor.ID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	view := h.newView(actor, liveQuery(classID))
	defer view.Close()

	if err := view.Start(ctx, h.feed); err != nil {
		logger.Warn().Err(err).Msg("live view failed to start")
		out.closeWith(websocket.CloseInternalServerErr, service.ErrorCode(err))
		return
	}
	logger.Info().Msg("live view connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.pumpSnapshots(ctx, out, view, logger)
	}()

	h.readCommands(ctx, conn, out, view, actor, logger)

	cancel()
	view.Close()
	<-writerDone
	logger.Info().Msg("live view disconnected")
}

func (h *LiveHandler) pumpSnapshots(ctx context.Context, out *liveConn, view *realtime.View[dto.PickupRequestResponse], logger zerolog.Logger) {
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case snapshot, ok := <-view.Updates():
			if !ok {
				return
			}
			if err := out.writeJSON(snapshotFrame(snapshot)); err != nil {
				logger.Debug().Err(err).Msg("failed to write snapshot")
				return
			}
		case <-ping.C:
			if err := out.ping(); err != nil {
				logger.Debug().Err(err).Msg("live ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *LiveHandler) readCommands(ctx context.Context, conn *websocket.Conn, out *liveConn, view *realtime.View[dto.PickupRequestResponse], actor models.Actor, logger zerolog.Logger) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("live connection read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		command, err := decodeLiveCommand(raw)
		if err != nil {
			if writeErr := out.writeJSON(dto.LiveFrame{Type: FrameError, Error: err.Error(), Code: "invalid_command"}); writeErr != nil {
				return
			}
			continue
		}

		commandCtx, cancel := context.WithTimeout(ctx, liveCommandLimit)
		err = h.execute(commandCtx, view, actor, command)
		cancel()

		frame := dto.LiveFrame{Type: FrameAck, Ref: command.Ref}
		if err != nil {
			frame = dto.LiveFrame{Type: FrameError, Ref: command.Ref, Error: err.Error(), Code: service.ErrorCode(err)}
			if errors.Is(err, realtime.ErrViewClosed) {
				return
			}
			if service.ErrorCode(err) == "internal" {
				logger.Error().Err(err).Str("action", command.Action).Msg("live command failed")
				frame.Error = "internal error"
			}
		}
		if err := out.writeJSON(frame); err != nil {
			return
		}
	}
}

// execute runs one command through the view's optimistic path. A rejected
// commit makes the view refetch, so the client always ends on server state.
func (h *LiveHandler) execute(ctx context.Context, view *realtime.View[dto.PickupRequestResponse], actor models.Actor, command dto.LiveCommand) error {
	switch command.Action {
	case dto.LiveActionRefresh:
		return view.Refresh(ctx, realtime.TriggerManual)

	case dto.LiveActionRequest:
		now := h.pickups.Now()
		return view.Mutate(ctx, func(items []dto.PickupRequestResponse) []dto.PickupRequestResponse {
			return append(items, dto.PickupRequestResponse{
				StudentID:   command.StudentID,
				ParentID:    actor.ID,
				Status:      models.PickupStatusPending,
				RequestTime: now,
			})
		}, func(ctx context.Context) error {
			_, err := h.pickups.CreatePickupRequest(ctx, actor.ID, command.StudentID)
			return err
		})

	case dto.LiveActionCall:
		now := h.pickups.Now()
		return view.Mutate(ctx, func(items []dto.PickupRequestResponse) []dto.PickupRequestResponse {
			for i := range items {
				if items[i].ID == command.RequestID {
					items[i].Status = models.PickupStatusCalled
					items[i].CalledAt = &now
				}
			}
			return sortByRequestTime(items)
		}, func(ctx context.Context) error {
			_, err := h.pickups.MarkCalled(ctx, actor, command.RequestID)
			return err
		})

	case dto.LiveActionComplete:
		return view.Mutate(ctx, removeRequest(command.RequestID), func(ctx context.Context) error {
			_, err := h.pickups.MarkCompleted(ctx, actor, command.RequestID)
			return err
		})

	case dto.LiveActionCancel:
		return view.Mutate(ctx, removeRequest(command.RequestID), func(ctx context.Context) error {
			_, err := h.pickups.CancelRequest(ctx, command.RequestID, actor.ID)
			return err
		})
	}
	return fmt.Errorf("unsupported action %q", command.Action)
}

func removeRequest(id uint) func([]dto.PickupRequestResponse) []dto.PickupRequestResponse {
	return func(items []dto.PickupRequestResponse) []dto.PickupRequestResponse {
		out := items[:0]
		for _, item := range items {
			if item.ID != id {
				out = append(out, item)
			}
		}
		return out
	}
}

func sortByRequestTime(items []dto.PickupRequestResponse) []dto.PickupRequestResponse {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].RequestTime.Before(items[j].RequestTime)
	})
	return items
}

// stream is the read-only SSE variant for hallway boards.
func (h *LiveHandler) stream(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "live stream")
	}
	classID, err := parseQueryUint(c, "class_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid class_id")
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(requestContext(c)))
	view := h.newView(actor, liveQuery(classID))
	if err := view.Start(ctx, h.feed); err != nil {
		view.Close()
		cancel()
		return respondError(c, h.logger, err, "live stream")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger.With().Uint("actor_id", actor.ID).Str("correlation_id", middleware.GetCorrelationID(c)).Logger()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			view.Close()
			cancel()
		}()

		keepAlive := time.NewTicker(livePingInterval)
		defer keepAlive.Stop()

		for {
			select {
			case snapshot, ok := <-view.Updates():
				if !ok {
					return
				}
				if err := writeSnapshotEvent(w, snapshotFrame(snapshot)); err != nil {
					logger.Debug().Err(err).Msg("failed to write snapshot event")
					return
				}
			case <-keepAlive.C:
				if err := writeKeepAlive(w); err != nil {
					logger.Debug().Err(err).Msg("failed to write keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func writeSnapshotEvent(w *bufio.Writer, frame dto.LiveFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", frame.Seq, frame.Type, payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
