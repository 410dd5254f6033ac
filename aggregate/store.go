package aggregate

import (
	"context"
	"errors"
	"fmt"
	"iter"

	eventstore "github.com/aneshas/eventcore"
)

// ErrAggregateNotFound is returned when the aggregate stream does not exist
var ErrAggregateNotFound = errors.New("aggregate not found")

// EventStore represents event store
type EventStore interface {
	AppendStream(ctx context.Context, id string, version int, events []eventstore.EventToStore, opts ...eventstore.AppendStreamOpt) ([]eventstore.StoredEvent, error)
	Read(ctx context.Context, id string, fromVersion int) iter.Seq2[eventstore.StoredEvent, error]
	Begin(ctx context.Context) (context.Context, eventstore.Tx, error)
	SaveSnapshot(ctx context.Context, s eventstore.Snapshot) error
	LoadSnapshot(ctx context.Context, id string) (*eventstore.Snapshot, error)
}

// Snapshotter is implemented by aggregates that can serialize their state.
// Snapshots are only used when the store is configured WithSnapshots
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}

// StatePersister is implemented by aggregates that keep a state representation
// (eg. a read table) next to their events. PersistState is called within the
// storage transaction of the commit, ctx carries that transaction
type StatePersister interface {
	PersistState(ctx context.Context) error
}

// Cfg represents aggregate store / unit of work configuration
type Cfg struct {
	SnapshotEvery int
}

// Option represents aggregate store configuration option
type Option func(Cfg) Cfg

// WithSnapshots enables snapshots for aggregates implementing Snapshotter.
// A snapshot is saved each time the aggregate version crosses a multiple of every
func WithSnapshots(every int) Option {
	return func(cfg Cfg) Cfg {
		cfg.SnapshotEvery = every

		return cfg
	}
}

// NewStore constructs new event sourced aggregate store
func NewStore[T Rooter](eventStore EventStore, opts ...Option) *Store[T] {
	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Store[T]{
		eventStore: eventStore,
		cfg:        cfg,
	}
}

// Store represents event sourced aggregate store
type Store[T Rooter] struct {
	eventStore EventStore
	cfg        Cfg
}

// NewUnitOfWork creates a unit of work sharing the store configuration
func (s *Store[T]) NewUnitOfWork() *UnitOfWork {
	return newUnitOfWork(s.eventStore, s.cfg)
}

// Save saves aggregate events to the event store in a unit of work of its own
// (or within the transaction carried by ctx)
func (s *Store[T]) Save(ctx context.Context, root T) error {
	uow := s.NewUnitOfWork()

	_, err := uow.Begin(ctx)
	if err != nil {
		return err
	}

	if err := uow.Register(root); err != nil {
		_ = uow.Rollback()

		return err
	}

	return uow.Commit()
}

// ByID finds aggregate events by its id and rehydrates the aggregate
func (s *Store[T]) ByID(ctx context.Context, id string, root T) error {
	return load(ctx, s.eventStore, s.cfg, id, root)
}

func load(ctx context.Context, es EventStore, cfg Cfg, id string, root Rooter) error {
	var (
		from  int
		found bool
	)

	if snapshotter, ok := root.(Snapshotter); ok && cfg.SnapshotEvery > 0 {
		snap, err := es.LoadSnapshot(ctx, id)
		if err != nil {
			return err
		}

		if snap != nil {
			if err := snapshotter.Restore(snap.State); err != nil {
				return fmt.Errorf("restore snapshot of %s: %w", id, err)
			}

			from = snap.Version
			found = true
		}
	}

	var events []Event

	for evt, err := range es.Read(ctx, id, from) {
		if err != nil {
			return err
		}

		if evt.Event == nil {
			return fmt.Errorf("%w: %s", eventstore.ErrEventNotRegistered, evt.Type)
		}

		events = append(events, Event{
			ID:                 evt.ID,
			E:                  evt.Event,
			Version:            evt.StreamVersion,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			Meta:               evt.Meta,
		})
	}

	if !found && len(events) == 0 {
		return fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}

	return root.rehydrateFrom(from, root, events...)
}
