// Package opshttp exposes subscription and relay operations over HTTP
package opshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/internal/runtime"
	"github.com/aneshas/eventcore/outbox"
	"github.com/labstack/echo/v4"
)

// Subscriptions is the subscription manager
type Subscriptions interface {
	Pause(ctx context.Context, subscriberID string) error
	Resume(ctx context.Context, subscriberID string) error
	Replay(ctx context.Context, subscriberID string, fromSequence uint64) error
	Checkpoint(ctx context.Context, subscriberID string) (bus.Checkpoint, error)
	Checkpoints(ctx context.Context) ([]bus.Checkpoint, error)
	DeadLetters(ctx context.Context, subscriberID string) ([]bus.DeadLetter, error)
}

// Relay is the outbox relay
type Relay interface {
	Cursor(ctx context.Context) (uint64, error)
	Entries(ctx context.Context, fromSequence uint64, limit int) ([]outbox.Entry, error)
}

// Checkpoint is the JSON view of a subscriber checkpoint
type Checkpoint struct {
	SubscriberID string    `json:"subscriber_id"`
	Position     uint64    `json:"position"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeadLetter is the JSON view of a dead letter
type DeadLetter struct {
	Sequence  uint64    `json:"sequence"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	StreamID  string    `json:"stream_id"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// RelayState is the JSON view of the relay position and its pending entries
type RelayState struct {
	Cursor  uint64  `json:"cursor"`
	Pending []Entry `json:"pending"`
}

// Entry is the JSON view of an outbox entry
type Entry struct {
	Sequence         uint64     `json:"sequence"`
	EventID          string     `json:"event_id"`
	EventType        string     `json:"event_type"`
	StreamID         string     `json:"stream_id"`
	Dispatched       bool       `json:"dispatched"`
	DispatchAttempts int        `json:"dispatch_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	Failed           bool       `json:"failed"`
	LastError        string     `json:"last_error,omitempty"`
}

const pendingLimit = 50

// Register mounts the operational routes on e. checks back /readyz
func Register(e *echo.Echo, subs Subscriptions, relay Relay, logger *slog.Logger, checks ...runtime.ReadyCheck) {
	h := handler{subs: subs, relay: relay, logger: logger}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/readyz", func(c echo.Context) error {
		if err := runtime.Ready(c.Request().Context(), checks...); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}

		return c.String(http.StatusOK, "ok")
	})

	g := e.Group("/subscriptions")

	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
	g.POST("/:id/replay", h.replay)
	g.GET("/:id/dead-letters", h.deadLetters)

	e.GET("/relay", h.relayState)
}

type handler struct {
	subs   Subscriptions
	relay  Relay
	logger *slog.Logger
}

func (h handler) list(c echo.Context) error {
	cps, err := h.subs.Checkpoints(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]Checkpoint, len(cps))

	for i, cp := range cps {
		out[i] = toCheckpoint(cp)
	}

	return c.JSON(http.StatusOK, out)
}

func (h handler) get(c echo.Context) error {
	cp, err := h.subs.Checkpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, toCheckpoint(cp))
}

func (h handler) pause(c echo.Context) error {
	return h.control(c, h.subs.Pause)
}

func (h handler) resume(c echo.Context) error {
	return h.control(c, h.subs.Resume)
}

func (h handler) replay(c echo.Context) error {
	from, err := strconv.ParseUint(c.QueryParam("from"), 10, 64)
	if err != nil || from == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be a positive sequence")
	}

	return h.control(c, func(ctx context.Context, id string) error {
		return h.subs.Replay(ctx, id, from)
	})
}

func (h handler) control(c echo.Context, fn func(context.Context, string) error) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := fn(ctx, id); err != nil {
		return h.fail(c, err)
	}

	return h.get(c)
}

func (h handler) deadLetters(c echo.Context) error {
	dls, err := h.subs.DeadLetters(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]DeadLetter, len(dls))

	for i, dl := range dls {
		out[i] = DeadLetter{
			Sequence:  dl.Sequence,
			EventID:   dl.EventID,
			EventType: dl.EventType,
			StreamID:  dl.StreamID,
			Attempts:  dl.Attempts,
			Error:     dl.Error,
			FailedAt:  dl.FailedAt,
		}
	}

	return c.JSON(http.StatusOK, out)
}

func (h handler) relayState(c echo.Context) error {
	ctx := c.Request().Context()

	cursor, err := h.relay.Cursor(ctx)
	if err != nil {
		return h.fail(c, err)
	}

	entries, err := h.relay.Entries(ctx, cursor+1, pendingLimit)
	if err != nil {
		return h.fail(c, err)
	}

	state := RelayState{Cursor: cursor, Pending: make([]Entry, len(entries))}

	for i, e := range entries {
		state.Pending[i] = Entry{
			Sequence:         e.Sequence,
			EventID:          e.EventID,
			EventType:        e.EventType,
			StreamID:         e.StreamID,
			Dispatched:       e.Dispatched,
			DispatchAttempts: e.DispatchAttempts,
			LastAttemptAt:    e.LastAttemptAt,
			Failed:           e.Failed,
			LastError:        e.LastError,
		}
	}

	return c.JSON(http.StatusOK, state)
}

func (h handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, bus.ErrUnknownSubscriber):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, bus.ErrNoSource):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, bus.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	h.logger.ErrorContext(c.Request().Context(), "operation failed", "path", c.Path(), "err", err)

	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func toCheckpoint(cp bus.Checkpoint) Checkpoint {
	return Checkpoint{
		SubscriberID: cp.SubscriberID,
		Position:     cp.Position,
		Status:       string(cp.Status),
		UpdatedAt:    cp.UpdatedAt,
	}
}
