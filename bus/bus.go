// Package bus provides an in-process event bus. Every subscriber has its own
// worker goroutine and bounded queue, so a slow or failing subscriber never holds
// up the others. Events are delivered to a subscriber in global sequence order,
// at least once: the worker persists its position in a CheckpointStore, skips
// events at or below it and, when configured with a Source, re-reads the events
// it missed (queue overflow, gaps, replays) from the event store. Without a
// Source, overflow is kept in an in-memory backlog per subscriber
package bus

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	eventstore "github.com/aneshas/eventcore"
)

// Handler handles a single event. Returning an error makes the bus retry the
// event, after the last attempt it is dead lettered
type Handler func(ctx context.Context, evt eventstore.StoredEvent) error

// Middleware decorates the handler of a subscriber
type Middleware func(subscriberID string, next Handler) Handler

// Source is the event log subscribers catch up from
type Source interface {
	ReadAllFrom(ctx context.Context, fromSequence uint64, limit int) iter.Seq2[eventstore.StoredEvent, error]
}

// Cfg represents bus configuration
type Cfg struct {
	Source       Source
	Checkpoints  CheckpointStore
	DeadLetters  DeadLetterStore
	QueueSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       *slog.Logger
	Middleware   []Middleware
}

// Option represents bus configuration option
type Option func(Cfg) Cfg

// WithSource lets lagging subscribers catch up from the event store instead
// of buffering overflow in memory
func WithSource(src Source) Option {
	return func(cfg Cfg) Cfg {
		cfg.Source = src

		return cfg
	}
}

// WithCheckpoints sets the checkpoint store (in memory by default)
func WithCheckpoints(s CheckpointStore) Option {
	return func(cfg Cfg) Cfg {
		cfg.Checkpoints = s

		return cfg
	}
}

// WithDeadLetters sets the dead letter store (in memory by default)
func WithDeadLetters(s DeadLetterStore) Option {
	return func(cfg Cfg) Cfg {
		cfg.DeadLetters = s

		return cfg
	}
}

// WithQueueSize sets the per subscriber queue size
func WithQueueSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.QueueSize = n

		return cfg
	}
}

// WithRetry configures handler retries
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.MaxAttempts = maxAttempts
		cfg.RetryInitial = initial
		cfg.RetryMax = maxInterval

		return cfg
	}
}

// WithLogger sets the bus logger
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// WithMiddleware wraps every subscriber handler, the first middleware is the outermost
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg Cfg) Cfg {
		cfg.Middleware = append(cfg.Middleware, mw...)

		return cfg
	}
}

// New constructs an event bus
func New(opts ...Option) (*Bus, error) {
	cfg := Cfg{
		QueueSize:    256,
		MaxAttempts:  5,
		RetryInitial: 50 * time.Millisecond,
		RetryMax:     2 * time.Second,
		Logger:       slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.QueueSize < 1 || cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("queue size and max attempts should be at least 1")
	}

	if cfg.Checkpoints == nil {
		cfg.Checkpoints = NewMemoryCheckpoints()
	}

	if cfg.DeadLetters == nil {
		cfg.DeadLetters = NewMemoryDeadLetters()
	}

	return &Bus{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[string]*subscriber),
		done:   make(chan struct{}),
	}, nil
}

// Bus delivers published events to subscribers
type Bus struct {
	cfg    Cfg
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string]*subscriber
	order   []*subscriber
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	done    chan struct{}

	wg sync.WaitGroup
}

// Subscribe registers a handler for the events matching topic. Subscriber ids are
// unique, the id is also the key of the subscriber checkpoint.
// Subscribers registered after Start are started right away
func (b *Bus) Subscribe(topic Topic, h Handler, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id must be provided")
	}

	if h == nil {
		return fmt.Errorf("handler must be provided")
	}

	if err := topic.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if _, ok := b.subs[subscriberID]; ok {
		return fmt.Errorf("subscriber %q already registered", subscriberID)
	}

	for i := len(b.cfg.Middleware) - 1; i >= 0; i-- {
		h = b.cfg.Middleware[i](subscriberID, h)
	}

	s := &subscriber{
		id:      subscriberID,
		topic:   topic,
		handler: h,
		queue:   make(chan eventstore.StoredEvent, b.cfg.QueueSize),
		control: make(chan control),
		wake:    make(chan struct{}, 1),
		status:  StatusActive,
		logger:  b.logger.With("subscriber", subscriberID, "topic", topic.String()),
	}

	b.subs[subscriberID] = s
	b.order = append(b.order, s)

	if b.started {
		b.startWorker(s)
	}

	return nil
}

// Start starts the subscriber workers. Workers stop when ctx is done or the bus is closed
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.started {
		return fmt.Errorf("bus already started")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	for _, s := range b.order {
		b.startWorker(s)
	}

	return nil
}

func (b *Bus) startWorker(s *subscriber) {
	b.wg.Add(1)

	s.running.Store(true)

	ctx := b.ctx

	go func() {
		defer b.wg.Done()
		defer s.running.Store(false)

		b.run(ctx, s)
	}()
}

// Close stops the workers and waits for them to finish the event at hand
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true

	close(b.done)

	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Unlock()

	b.wg.Wait()

	return nil
}

// Publish hands events over to every subscriber without waiting on any of them.
// When a queue is full and the bus has a Source the subscriber is marked lagging
// and re-reads the events from the store, without a Source the events are kept in
// the subscriber backlog (in memory) until the worker gets to them.
// Events have to carry their global sequence and be published in sequence order
func (b *Bus) Publish(ctx context.Context, events ...eventstore.StoredEvent) error {
	for _, evt := range events {
		if evt.Sequence == 0 {
			return fmt.Errorf("event %s has no global sequence", evt.ID)
		}
	}

	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()

		return ErrClosed
	}

	subs := make([]*subscriber, len(b.order))
	copy(subs, b.order)

	b.mu.RUnlock()

	for _, s := range subs {
		b.enqueue(s, events)
	}

	return nil
}

func (b *Bus) enqueue(s *subscriber, events []eventstore.StoredEvent) {
	for i, evt := range events {
		if s.lagging.Load() {
			return
		}

		if s.offer(evt) {
			continue
		}

		if b.cfg.Source != nil {
			s.lagging.Store(true)
			s.nudge()

			s.logger.Warn("subscriber queue full, catching up from store", "sequence", evt.Sequence)

			return
		}

		if s.hold(events[i:]) {
			s.logger.Warn("subscriber queue full, holding events in backlog", "sequence", evt.Sequence)
		}

		s.nudge()

		return
	}
}

// Pause stops delivery to a subscriber, the paused status is persisted
func (b *Bus) Pause(ctx context.Context, subscriberID string) error {
	return b.send(ctx, subscriberID, control{op: opPause})
}

// Resume continues delivery to a paused (or failed) subscriber
func (b *Bus) Resume(ctx context.Context, subscriberID string) error {
	return b.send(ctx, subscriberID, control{op: opResume})
}

// Replay rewinds a subscriber so that it receives events again starting with fromSequence
func (b *Bus) Replay(ctx context.Context, subscriberID string, fromSequence uint64) error {
	if b.cfg.Source == nil {
		return ErrNoSource
	}

	return b.send(ctx, subscriberID, control{op: opReplay, from: fromSequence})
}

// Position returns the global sequence of the last event the subscriber is done with
func (b *Bus) Position(subscriberID string) (uint64, error) {
	s, err := b.subscriber(subscriberID)
	if err != nil {
		return 0, err
	}

	pos, _ := s.state()

	return pos, nil
}

// Status returns the subscriber status
func (b *Bus) Status(subscriberID string) (Status, error) {
	s, err := b.subscriber(subscriberID)
	if err != nil {
		return "", err
	}

	_, status := s.state()

	return status, nil
}

// Subscribers returns the registered subscriber ids in registration order
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, len(b.order))

	for i, s := range b.order {
		ids[i] = s.id
	}

	return ids
}

func (b *Bus) subscriber(id string) (*subscriber, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}

	return s, nil
}

// send hands a control message to the worker or, if the worker is not running,
// applies it to the stored checkpoint
func (b *Bus) send(ctx context.Context, subscriberID string, c control) error {
	b.mu.RLock()

	s, ok := b.subs[subscriberID]
	workers := b.ctx

	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}

	if !s.running.Load() {
		return b.applyOffline(ctx, s, c)
	}

	c.reply = make(chan error, 1)

	select {
	case s.control <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-workers.Done():
		return ErrClosed
	}

	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) applyOffline(ctx context.Context, s *subscriber, c control) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	cp, err := b.cfg.Checkpoints.Load(ctx, s.id)
	if err != nil {
		return err
	}

	cp.SubscriberID = s.id

	switch c.op {
	case opPause:
		cp.Status = StatusPaused
	case opResume:
		cp.Status = StatusActive
	case opReplay:
		cp.Status = StatusActive
		cp.Position = rewind(c.from)
	}

	if err := b.cfg.Checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	s.set(cp.Position, cp.Status)

	return nil
}

func rewind(from uint64) uint64 {
	if from == 0 {
		return 0
	}

	return from - 1
}
