package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/cenkalti/backoff/v4"
)

type op int

const (
	opPause op = iota + 1
	opResume
	opReplay
)

type control struct {
	op    op
	from  uint64
	reply chan error
}

type subscriber struct {
	id      string
	topic   Topic
	handler Handler
	logger  *slog.Logger

	queue   chan eventstore.StoredEvent
	control chan control
	wake    chan struct{}

	lagging atomic.Bool
	running atomic.Bool

	// backlog holds the events that did not fit the queue of a bus without a
	// Source. Every queued event is older than every backlog event
	backlogMu sync.Mutex
	backlog   []eventstore.StoredEvent

	// serializes control applied to the stored checkpoint while no worker runs
	ctrlMu sync.Mutex

	mu       sync.Mutex
	position uint64
	status   Status
}

func (s *subscriber) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// offer queues evt unless the queue is full or older events wait in the backlog
func (s *subscriber) offer(evt eventstore.StoredEvent) bool {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	if len(s.backlog) > 0 {
		return false
	}

	select {
	case s.queue <- evt:
		return true
	default:
		return false
	}
}

// hold appends events to the backlog and reports whether it was empty
func (s *subscriber) hold(events []eventstore.StoredEvent) bool {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	empty := len(s.backlog) == 0

	s.backlog = append(s.backlog, events...)

	return empty
}

// next returns the oldest backlog event once the queue is drained
func (s *subscriber) next() (eventstore.StoredEvent, int, bool) {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	if len(s.queue) > 0 || len(s.backlog) == 0 {
		return eventstore.StoredEvent{}, 0, false
	}

	return s.backlog[0], len(s.backlog), true
}

func (s *subscriber) pop() {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	s.backlog[0] = eventstore.StoredEvent{}
	s.backlog = s.backlog[1:]

	if len(s.backlog) == 0 {
		s.backlog = nil
	}
}

func (s *subscriber) state() (uint64, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.position, s.status
}

func (s *subscriber) set(pos uint64, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = pos
	s.status = status
}

func (s *subscriber) setPosition(pos uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = pos
}

func (s *subscriber) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
}

func (s *subscriber) active() bool {
	_, status := s.state()

	return status == StatusActive
}

// run is the subscriber worker, the only writer of the subscriber checkpoint
func (b *Bus) run(ctx context.Context, s *subscriber) {
	cp, err := b.loadCheckpoint(ctx, s)
	if err != nil {
		return
	}

	s.set(cp.Position, cp.Status)

	s.logger.Info("subscriber started", "position", cp.Position, "status", cp.Status)

	if s.active() {
		_ = b.refill(ctx, s)
	}

	for {
		queue := s.queue

		if !s.active() {
			queue = nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("subscriber stopped")

			return

		case c := <-s.control:
			catchUp, err := b.apply(ctx, s, c)

			c.reply <- err

			if catchUp {
				_ = b.refill(ctx, s)
			}

		case <-s.wake:
			if s.active() {
				_ = b.refill(ctx, s)
			}

		case evt := <-queue:
			if err := b.deliver(ctx, s, evt, len(s.queue) == 0); err == nil {
				_ = b.drainBacklog(ctx, s)
			}
		}
	}
}

func (b *Bus) loadCheckpoint(ctx context.Context, s *subscriber) (Checkpoint, error) {
	bo := b.backoff()
	bo.MaxInterval = 10 * bo.MaxInterval

	var cp Checkpoint

	err := backoff.RetryNotify(
		func() error {
			var err error

			cp, err = b.cfg.Checkpoints.Load(ctx, s.id)

			return err
		},
		backoff.WithContext(bo, ctx),
		func(err error, d time.Duration) {
			s.logger.Error("checkpoint not loaded, retrying", "err", err, "retry_in", d)
		},
	)
	if err != nil {
		return Checkpoint{}, err
	}

	if cp.Status == "" {
		cp.Status = StatusActive
	}

	return cp, nil
}

func (b *Bus) apply(ctx context.Context, s *subscriber, c control) (bool, error) {
	pos, _ := s.state()

	switch c.op {
	case opPause:
		s.setStatus(StatusPaused)

		s.logger.Info("subscriber paused", "position", pos)

		return false, b.saveCheckpoint(ctx, s)

	case opResume:
		s.setStatus(StatusActive)

		s.logger.Info("subscriber resumed", "position", pos)

		return true, b.saveCheckpoint(ctx, s)

	case opReplay:
		s.set(rewind(c.from), StatusActive)

		s.logger.Info("subscriber replaying", "from_sequence", c.from)

		return true, b.saveCheckpoint(ctx, s)
	}

	return false, fmt.Errorf("unknown control op %d", c.op)
}

// deliver processes a queued event. Redelivered events are skipped, a gap
// in sequences means events were missed and they are read from the source
func (b *Bus) deliver(ctx context.Context, s *subscriber, evt eventstore.StoredEvent, flush bool) error {
	pos, _ := s.state()

	if evt.Sequence <= pos {
		return nil
	}

	if evt.Sequence > pos+1 && b.cfg.Source != nil {
		if err := b.catchUp(ctx, s); err != nil {
			return err
		}

		pos, _ = s.state()

		if evt.Sequence <= pos || !s.active() {
			return nil
		}

		s.logger.Warn("events missing from source, skipping gap", "position", pos, "sequence", evt.Sequence)
	}

	return b.process(ctx, s, evt, flush)
}

// refill brings an active subscriber up to date, from the source or from its backlog
func (b *Bus) refill(ctx context.Context, s *subscriber) error {
	if err := b.catchUp(ctx, s); err != nil {
		return err
	}

	return b.drainBacklog(ctx, s)
}

// drainBacklog delivers the backlog once the queue is empty. An event stays in
// the backlog until it is processed, so a pause or a failure keeps it for later
func (b *Bus) drainBacklog(ctx context.Context, s *subscriber) error {
	for s.active() {
		evt, n, ok := s.next()
		if !ok {
			return nil
		}

		if err := b.deliver(ctx, s, evt, n == 1); err != nil {
			return err
		}

		s.pop()
	}

	return nil
}

// catchUp reads and processes every event after the subscriber position from the source
func (b *Bus) catchUp(ctx context.Context, s *subscriber) error {
	s.lagging.Store(false)

	if b.cfg.Source == nil {
		return nil
	}

	pos, _ := s.state()
	from := pos

	for evt, err := range b.cfg.Source.ReadAllFrom(ctx, pos+1, 0) {
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("catch up failed", "position", pos, "err", err)

				s.lagging.Store(true)

				time.AfterFunc(b.cfg.RetryMax, s.nudge)
			}

			return err
		}

		if !s.active() {
			return nil
		}

		if err := b.process(ctx, s, evt, false); err != nil {
			return err
		}

		pos = evt.Sequence
	}

	if pos > from {
		s.logger.Debug("caught up", "from", from, "position", pos)

		return b.saveCheckpoint(ctx, s)
	}

	return nil
}

// process hands the event to the handler if it matches the topic and advances the
// position. Events the handler keeps failing on are dead lettered
func (b *Bus) process(ctx context.Context, s *subscriber, evt eventstore.StoredEvent, flush bool) error {
	if s.topic.Match(evt) {
		flush = true

		if err := b.handle(ctx, s, evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err := b.deadLetter(ctx, s, evt, err); err != nil {
				return err
			}
		}
	}

	s.setPosition(evt.Sequence)

	if flush {
		return b.saveCheckpoint(ctx, s)
	}

	return nil
}

func (b *Bus) handle(ctx context.Context, s *subscriber, evt eventstore.StoredEvent) error {
	var attempts int

	err := backoff.RetryNotify(
		func() error {
			attempts++

			return call(ctx, s.handler, evt)
		},
		backoff.WithContext(backoff.WithMaxRetries(b.backoff(), uint64(b.cfg.MaxAttempts-1)), ctx),
		func(err error, d time.Duration) {
			s.logger.Warn("handler failed, retrying",
				"sequence", evt.Sequence,
				"event_type", evt.Type,
				"attempt", attempts,
				"retry_in", d,
				"err", err,
			)
		},
	)
	if err != nil {
		return &HandlerError{
			SubscriberID: s.id,
			Sequence:     evt.Sequence,
			Attempts:     attempts,
			Err:          err,
		}
	}

	return nil
}

func call(ctx context.Context, h Handler, evt eventstore.StoredEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, evt)
}

func (b *Bus) deadLetter(ctx context.Context, s *subscriber, evt eventstore.StoredEvent, cause error) error {
	herr, _ := cause.(*HandlerError)

	dl := DeadLetter{
		SubscriberID: s.id,
		Sequence:     evt.Sequence,
		EventID:      evt.ID,
		EventType:    evt.Type,
		StreamID:     evt.StreamID,
		Attempts:     b.cfg.MaxAttempts,
		Error:        cause.Error(),
		FailedAt:     time.Now().UTC(),
	}

	if herr != nil {
		dl.Attempts = herr.Attempts
		dl.Error = herr.Err.Error()
	}

	if err := b.cfg.DeadLetters.Record(ctx, dl); err != nil {
		s.setStatus(StatusFailed)

		s.logger.Error("dead letter not recorded, subscriber stopped",
			"sequence", evt.Sequence,
			"err", err,
			"handler_err", cause,
		)

		_ = b.saveCheckpoint(ctx, s)

		return err
	}

	s.logger.Error("event dead lettered",
		"sequence", evt.Sequence,
		"event_id", evt.ID,
		"event_type", evt.Type,
		"attempts", dl.Attempts,
		"err", dl.Error,
	)

	return nil
}

func (b *Bus) saveCheckpoint(ctx context.Context, s *subscriber) error {
	pos, status := s.state()

	err := b.cfg.Checkpoints.Save(ctx, Checkpoint{
		SubscriberID: s.id,
		Position:     pos,
		Status:       status,
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("checkpoint not saved", "position", pos, "err", err)
	}

	return err
}

func (b *Bus) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitial
	bo.MaxInterval = b.cfg.RetryMax
	bo.MaxElapsedTime = 0

	return bo
}
