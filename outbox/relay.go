// Package outbox relays stored events to a publisher. The event table itself is
// the outbox: the relay follows the global sequence with a persisted cursor and
// only moves the cursor after the publisher acknowledged a batch, so every event
// is published at least once, in global sequence order
package outbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Source is the event log followed by the relay
type Source interface {
	ReadAllFrom(ctx context.Context, fromSequence uint64, limit int) iter.Seq2[eventstore.StoredEvent, error]
}

// Publisher delivers events downstream (eg. bus.Bus or kafkabus.Publisher).
// Returning nil acknowledges the whole batch
type Publisher interface {
	Publish(ctx context.Context, events ...eventstore.StoredEvent) error
}

// AlertFunc is called when a batch exhausted its publish attempts
type AlertFunc func(ctx context.Context, events []eventstore.StoredEvent, err error)

// Cfg represents relay configuration
type Cfg struct {
	Name           string
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Alert          AlertFunc
}

// Option represents relay configuration option
type Option func(Cfg) Cfg

// WithName sets the cursor name, relays with different names track their positions separately
func WithName(name string) Option {
	return func(cfg Cfg) Cfg {
		cfg.Name = name

		return cfg
	}
}

// WithBatchSize sets the max number of events published at once
func WithBatchSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BatchSize = n

		return cfg
	}
}

// WithPollInterval sets the interval at which the event log is polled when the relay is idle
func WithPollInterval(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithMaxAttempts sets the number of publish attempts of a batch within a single tick
func WithMaxAttempts(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.MaxAttempts = n

		return cfg
	}
}

// WithBackoff configures the exponential backoff between publish attempts
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.InitialBackoff = initial
		cfg.MaxBackoff = maxInterval

		return cfg
	}
}

// WithLogger sets the relay logger
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// WithAlert registers a hook that is called when a batch could not be published
func WithAlert(fn AlertFunc) Option {
	return func(cfg Cfg) Cfg {
		cfg.Alert = fn

		return cfg
	}
}

// New constructs a relay. db is used for the outbox entry and cursor tables which
// are created if missing
func New(src Source, pub Publisher, db *gorm.DB, opts ...Option) (*Relay, error) {
	if src == nil || pub == nil || db == nil {
		return nil, fmt.Errorf("source, publisher and db must be provided")
	}

	cfg := Cfg{
		Name:           "default",
		BatchSize:      100,
		PollInterval:   500 * time.Millisecond,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Logger:         slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.BatchSize < 1 || cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("batch size and max attempts should be at least 1")
	}

	if err := db.AutoMigrate(&Entry{}, &cursor{}); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}

	return &Relay{
		src:    src,
		pub:    pub,
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With("relay", cfg.Name),
	}, nil
}

// Relay publishes events from the event log in global sequence order
type Relay struct {
	src    Source
	pub    Publisher
	db     *gorm.DB
	cfg    Cfg
	logger *slog.Logger
}

// Run ticks until ctx is done. Full batches are followed by another tick right away,
// otherwise the relay waits for the poll interval
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "batch_size", r.cfg.BatchSize, "poll_interval", r.cfg.PollInterval)

	for {
		n, err := r.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay tick failed", "err", err)
		}

		if err == nil && n == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")

			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Tick publishes the next batch after the cursor and returns the number of
// published events
func (r *Relay) Tick(ctx context.Context) (int, error) {
	pos, err := r.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	events, err := eventstore.Collect(r.src.ReadAllFrom(ctx, pos+1, r.cfg.BatchSize))
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	attempts, err := r.publish(ctx, events)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}

		perr := &PublishError{
			FromSequence: events[0].Sequence,
			ToSequence:   events[len(events)-1].Sequence,
			Attempts:     attempts,
			Err:          err,
		}

		if merr := r.markFailed(ctx, events, err); merr != nil {
			r.logger.Error("outbox entries not marked failed", "err", merr)
		}

		r.logger.Error("outbox batch not published",
			"from_sequence", perr.FromSequence,
			"to_sequence", perr.ToSequence,
			"attempts", attempts,
			"err", err,
		)

		if r.cfg.Alert != nil {
			r.cfg.Alert(ctx, events, perr)
		}

		return 0, perr
	}

	if err := r.markDispatched(ctx, events); err != nil {
		return 0, err
	}

	r.logger.Debug("outbox batch published",
		"from_sequence", events[0].Sequence,
		"to_sequence", events[len(events)-1].Sequence,
	)

	return len(events), nil
}

func (r *Relay) publish(ctx context.Context, events []eventstore.StoredEvent) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var attempts int

	err := backoff.RetryNotify(
		func() error {
			attempts++

			if err := r.markAttempt(ctx, events); err != nil {
				return backoff.Permanent(err)
			}

			return r.pub.Publish(ctx, events...)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx),
		func(err error, d time.Duration) {
			r.logger.Warn("outbox publish failed, retrying", "err", err, "retry_in", d)
		},
	)

	return attempts, err
}

func (r *Relay) markAttempt(ctx context.Context, events []eventstore.StoredEvent) error {
	now := time.Now().UTC()

	entries := make([]Entry, len(events))

	for i, evt := range events {
		entries[i] = Entry{
			Relay:            r.cfg.Name,
			Sequence:         evt.Sequence,
			EventID:          evt.ID,
			EventType:        evt.Type,
			StreamID:         evt.StreamID,
			DispatchAttempts: 1,
			LastAttemptAt:    &now,
		}
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "relay"}, {Name: "sequence"}},
			DoUpdates: clause.Assignments(map[string]any{
				"dispatch_attempts": gorm.Expr("outbox_entry.dispatch_attempts + 1"),
				"last_attempt_at":   now,
			}),
		}).
		Create(&entries).Error
}

func (r *Relay) markFailed(ctx context.Context, events []eventstore.StoredEvent, cause error) error {
	return r.db.WithContext(ctx).
		Model(&Entry{}).
		Where("relay = ? AND sequence IN ?", r.cfg.Name, sequences(events)).
		Updates(map[string]any{
			"failed":     true,
			"last_error": cause.Error(),
		}).Error
}

// markDispatched marks the entries and moves the cursor atomically
func (r *Relay) markDispatched(ctx context.Context, events []eventstore.StoredEvent) error {
	now := time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Entry{}).
			Where("relay = ? AND sequence IN ?", r.cfg.Name, sequences(events)).
			Updates(map[string]any{
				"dispatched":    true,
				"dispatched_at": now,
				"failed":        false,
				"last_error":    "",
			}).Error
		if err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&cursor{
				Name:      r.cfg.Name,
				Position:  events[len(events)-1].Sequence,
				UpdatedAt: now,
			}).Error
	})
}

// Cursor returns the sequence of the last acknowledged event
func (r *Relay) Cursor(ctx context.Context) (uint64, error) {
	var c cursor

	err := r.db.WithContext(ctx).Where("name = ?", r.cfg.Name).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("read relay cursor: %w", err)
	}

	return c.Position, nil
}

// Entries lists outbox entries starting with fromSequence
func (r *Relay) Entries(ctx context.Context, fromSequence uint64, limit int) ([]Entry, error) {
	var entries []Entry

	q := r.db.WithContext(ctx).
		Where("relay = ? AND sequence >= ?", r.cfg.Name, fromSequence).
		Order("sequence asc")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}

	return entries, nil
}

func sequences(events []eventstore.StoredEvent) []uint64 {
	seqs := make([]uint64, len(events))

	for i, evt := range events {
		seqs[i] = evt.Sequence
	}

	return seqs
}
