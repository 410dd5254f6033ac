package aggregate

import (
	"context"
	"errors"
	"fmt"

	eventstore "github.com/aneshas/eventcore"
)

var (
	// ErrInvalidUnitOfWorkState is returned when a unit of work operation is
	// called in a state that does not allow it (eg. Commit before Begin)
	ErrInvalidUnitOfWorkState = errors.New("invalid unit of work state")

	// ErrAggregateAlreadyRegistered is returned when the same aggregate is registered twice
	ErrAggregateAlreadyRegistered = errors.New("aggregate already registered")
)

// State of a unit of work
type State int

// Unit of work states
const (
	Idle State = iota
	Active
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// NewUnitOfWork constructs a unit of work over the given event store
func NewUnitOfWork(es EventStore, opts ...Option) *UnitOfWork {
	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return newUnitOfWork(es, cfg)
}

func newUnitOfWork(es EventStore, cfg Cfg) *UnitOfWork {
	return &UnitOfWork{
		es:  es,
		cfg: cfg,
		ids: make(map[string]struct{}),
	}
}

// UnitOfWork tracks the aggregates touched by a command and commits their
// events (and optional state) atomically in one storage transaction.
// A UnitOfWork is used by a single goroutine and is not reusable
type UnitOfWork struct {
	es  EventStore
	cfg Cfg

	state      State
	ctx        context.Context
	tx         eventstore.Tx
	aggregates []Rooter
	ids        map[string]struct{}
}

// State returns the current state of the unit of work
func (u *UnitOfWork) State() State { return u.state }

// Begin opens the storage transaction. The returned context carries it, so that
// any store operation called with it (including PersistState) joins the transaction.
// If ctx already carries a transaction, the unit of work joins it and leaves
// commit and rollback of the transaction to its owner
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if u.state != Idle {
		return ctx, fmt.Errorf("%w: begin in %s", ErrInvalidUnitOfWorkState, u.state)
	}

	if _, ok := eventstore.TxFromContext(ctx); ok {
		u.ctx = ctx
		u.state = Active

		return ctx, nil
	}

	txCtx, tx, err := u.es.Begin(ctx)
	if err != nil {
		return ctx, err
	}

	u.ctx = txCtx
	u.tx = tx
	u.state = Active

	return txCtx, nil
}

// Load rehydrates the aggregate (from its snapshot and the events after it, or from
// the whole stream) within the transaction and registers it with the unit of work
func (u *UnitOfWork) Load(id string, a Rooter) error {
	if u.state != Active {
		return fmt.Errorf("%w: load in %s", ErrInvalidUnitOfWorkState, u.state)
	}

	if _, ok := u.ids[id]; ok {
		return fmt.Errorf("%w: %s", ErrAggregateAlreadyRegistered, id)
	}

	if err := load(u.ctx, u.es, u.cfg, id, a); err != nil {
		return err
	}

	return u.Register(a)
}

// Register adds a new or already loaded aggregate to the unit of work
func (u *UnitOfWork) Register(a Rooter) error {
	if u.state != Active {
		return fmt.Errorf("%w: register in %s", ErrInvalidUnitOfWorkState, u.state)
	}

	id := a.StringID()

	if id == "" {
		return fmt.Errorf("aggregate id must be set")
	}

	if _, ok := u.ids[id]; ok {
		return fmt.Errorf("%w: %s", ErrAggregateAlreadyRegistered, id)
	}

	u.ids[id] = struct{}{}
	u.aggregates = append(u.aggregates, a)

	return nil
}

// Commit persists the state and appends the uncommitted events of every registered
// aggregate, expecting each stream to still be at the version the aggregate was loaded at,
// and commits the transaction. On success the aggregates are advanced to their new versions.
// On failure everything is rolled back, the aggregates are discarded and the error is
// returned as is (eg. eventstore.ErrConcurrencyCheckFailed)
func (u *UnitOfWork) Commit() error {
	if u.state != Active {
		return fmt.Errorf("%w: commit in %s", ErrInvalidUnitOfWorkState, u.state)
	}

	u.state = Committing

	if err := u.ctx.Err(); err != nil {
		return u.abort(err)
	}

	versions := make([]int, len(u.aggregates))

	for i, a := range u.aggregates {
		v, err := u.persist(a)
		if err != nil {
			return u.abort(err)
		}

		versions[i] = v
	}

	if err := u.ctx.Err(); err != nil {
		return u.abort(err)
	}

	if u.tx != nil {
		if err := u.tx.Commit(); err != nil {
			return u.abort(err)
		}
	}

	for i, a := range u.aggregates {
		a.committed(versions[i])
	}

	u.state = Committed

	return nil
}

func (u *UnitOfWork) persist(a Rooter) (int, error) {
	if sp, ok := a.(StatePersister); ok {
		if err := sp.PersistState(u.ctx); err != nil {
			return 0, err
		}
	}

	events := a.Events()

	if len(events) == 0 {
		return a.Version(), nil
	}

	var (
		meta          = MetaFromCtx(u.ctx)
		causationID   = CausationIDFromCtx(u.ctx)
		correlationID = CorrelationIDFromCtx(u.ctx)
	)

	toStore := make([]eventstore.EventToStore, len(events))

	for i, evt := range events {
		toStore[i] = eventstore.EventToStore{
			Event:              evt.E,
			ID:                 evt.ID,
			CausationEventID:   causationID,
			CorrelationEventID: correlationID,
			Meta:               meta,
		}
	}

	_, err := u.es.AppendStream(
		u.ctx,
		a.StringID(),
		a.Version(),
		toStore,
		eventstore.WithStreamType(a.Type()),
	)
	if err != nil {
		return 0, err
	}

	version := a.Version() + len(events)

	if err := u.snapshot(a, version); err != nil {
		return 0, err
	}

	return version, nil
}

func (u *UnitOfWork) snapshot(a Rooter, version int) error {
	every := u.cfg.SnapshotEvery

	snapshotter, ok := a.(Snapshotter)
	if !ok || every < 1 || version/every == a.Version()/every {
		return nil
	}

	state, err := snapshotter.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", a.StringID(), err)
	}

	return u.es.SaveSnapshot(u.ctx, eventstore.Snapshot{
		StreamID:   a.StringID(),
		StreamType: a.Type(),
		Version:    version,
		State:      state,
	})
}

// Rollback discards the unit of work. Registered aggregates are discarded and
// must be loaded again
func (u *UnitOfWork) Rollback() error {
	if u.state != Active {
		return fmt.Errorf("%w: rollback in %s", ErrInvalidUnitOfWorkState, u.state)
	}

	return u.rollback()
}

func (u *UnitOfWork) abort(err error) error {
	_ = u.rollback()

	return err
}

func (u *UnitOfWork) rollback() error {
	for _, a := range u.aggregates {
		a.discard()
	}

	u.state = RolledBack

	if u.tx == nil {
		return nil
	}

	return u.tx.Rollback()
}
