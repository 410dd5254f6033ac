package aggregate_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/aggregate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventStore struct {
	eventsToStore []eventstore.EventToStore
	id            string
	ctx           context.Context
	version       int
	streamType    string

	storedEvents []eventstore.StoredEvent
	snapshot     *eventstore.Snapshot
	savedSnaps   []eventstore.Snapshot

	committed  bool
	rolledBack bool

	wantErr       error
	wantAppendErr error
}

type tx struct{ es *eventStore }

func (t tx) Commit() error {
	t.es.committed = true

	return nil
}

func (t tx) Rollback() error {
	t.es.rolledBack = true

	return nil
}

// AppendStream appends events to the stream
func (e *eventStore) AppendStream(ctx context.Context, id string, version int, events []eventstore.EventToStore, opts ...eventstore.AppendStreamOpt) ([]eventstore.StoredEvent, error) {
	if e.wantAppendErr != nil {
		return nil, e.wantAppendErr
	}

	var cfg eventstore.AppendStreamConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	e.eventsToStore = events
	e.id = id
	e.version = version
	e.ctx = ctx
	e.streamType = cfg.StreamType()

	return nil, nil
}

// Read reads events from the stream
func (e *eventStore) Read(_ context.Context, _ string, fromVersion int) iter.Seq2[eventstore.StoredEvent, error] {
	return func(yield func(eventstore.StoredEvent, error) bool) {
		if e.wantErr != nil {
			yield(eventstore.StoredEvent{}, e.wantErr)

			return
		}

		for _, evt := range e.storedEvents {
			if evt.StreamVersion <= fromVersion {
				continue
			}

			if !yield(evt, nil) {
				return
			}
		}
	}
}

func (e *eventStore) Begin(ctx context.Context) (context.Context, eventstore.Tx, error) {
	return ctx, tx{es: e}, nil
}

func (e *eventStore) SaveSnapshot(_ context.Context, s eventstore.Snapshot) error {
	e.savedSnaps = append(e.savedSnaps, s)

	return nil
}

func (e *eventStore) LoadSnapshot(_ context.Context, _ string) (*eventstore.Snapshot, error) {
	return e.snapshot, nil
}

type fooEvent struct {
	Foo string
}

type balanceIncreased struct {
	Amount int
}

// ID represents an ID
type ID string

func (id ID) String() string {
	return string(id)
}

type foo struct {
	aggregate.Root[ID]

	Balance int
}

func (f *foo) doStuff() error {
	return f.Apply(
		fooEvent{
			Foo: "foo-1",
		},
		fooEvent{
			Foo: "foo-2",
		},
	)
}

func (f *foo) doMoreStuff() error {
	return f.Apply(balanceIncreased{Amount: 10})
}

func (f *foo) Mutate(evt any) error {
	switch e := evt.(type) {
	case fooEvent:
		f.SetID(ID(e.Foo))
	case balanceIncreased:
		f.Balance += e.Amount
	default:
		return errors.New("unknown event")
	}

	return nil
}

func (f *foo) Snapshot() ([]byte, error) {
	return json.Marshal(map[string]any{"id": f.ID, "balance": f.Balance})
}

func (f *foo) Restore(state []byte) error {
	var s struct {
		ID      ID  `json:"id"`
		Balance int `json:"balance"`
	}

	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}

	f.ID = s.ID
	f.Balance = s.Balance

	return nil
}

func TestShould_Save_Aggregate_Events(t *testing.T) {
	var es eventStore

	store := aggregate.NewStore[*foo](&es)

	meta := map[string]string{
		"foo": "bar",
	}

	ctx := aggregate.CtxWithMeta(context.Background(), meta)
	ctx = aggregate.CtxWithCausationID(ctx, "some-causation-event-id")
	ctx = aggregate.CtxWithCorrelationID(ctx, "some-correlation-event-id")

	var f foo

	require.NoError(t, f.Rehydrate(&f))
	require.NoError(t, f.doStuff())

	staged := f.Events()

	err := store.Save(ctx, &f)

	assert.NoError(t, err)

	require.Len(t, es.eventsToStore, 2)

	assert.Equal(t, "some-causation-event-id", es.eventsToStore[0].CausationEventID)
	assert.Equal(t, "some-correlation-event-id", es.eventsToStore[0].CorrelationEventID)
	assert.Equal(t, meta, es.eventsToStore[0].Meta)
	assert.Equal(t, staged[0].ID, es.eventsToStore[0].ID)
	assert.Equal(t, fooEvent{Foo: "foo-2"}, es.eventsToStore[1].Event)

	assert.Equal(t, ctx, es.ctx)
	assert.Equal(t, 0, es.version)
	assert.Equal(t, "foo-2", es.id)
	assert.Equal(t, "foo", es.streamType)
	assert.True(t, es.committed)

	assert.Equal(t, 2, f.Version())
	assert.Empty(t, f.Events())
}

func TestShould_Rehydrate_Aggregate_By_ID(t *testing.T) {
	es := eventStore{
		storedEvents: []eventstore.StoredEvent{
			{Event: fooEvent{Foo: "foo-1"}, StreamID: "foo-1", StreamVersion: 1},
			{Event: balanceIncreased{Amount: 5}, StreamID: "foo-1", StreamVersion: 2},
			{Event: balanceIncreased{Amount: 7}, StreamID: "foo-1", StreamVersion: 3},
		},
	}

	store := aggregate.NewStore[*foo](&es)

	var f foo

	err := store.ByID(context.Background(), "foo-1", &f)
	require.NoError(t, err)

	assert.Equal(t, ID("foo-1"), f.ID)
	assert.Equal(t, 12, f.Balance)
	assert.Equal(t, 3, f.Version())
	assert.Empty(t, f.Events())
}

func TestShould_Rehydrate_Aggregate_From_Snapshot_And_Tail(t *testing.T) {
	es := eventStore{
		snapshot: &eventstore.Snapshot{
			StreamID: "foo-1",
			Version:  2,
			State:    []byte(`{"id":"foo-1","balance":100}`),
		},
		storedEvents: []eventstore.StoredEvent{
			{Event: fooEvent{Foo: "foo-1"}, StreamID: "foo-1", StreamVersion: 1},
			{Event: balanceIncreased{Amount: 5}, StreamID: "foo-1", StreamVersion: 2},
			{Event: balanceIncreased{Amount: 7}, StreamID: "foo-1", StreamVersion: 3},
		},
	}

	store := aggregate.NewStore[*foo](&es, aggregate.WithSnapshots(10))

	var f foo

	err := store.ByID(context.Background(), "foo-1", &f)
	require.NoError(t, err)

	assert.Equal(t, 107, f.Balance)
	assert.Equal(t, 3, f.Version())
}

func TestShould_Save_Snapshot_When_Crossing_Interval(t *testing.T) {
	es := eventStore{
		storedEvents: []eventstore.StoredEvent{
			{Event: fooEvent{Foo: "foo-1"}, StreamID: "foo-1", StreamVersion: 1},
		},
	}

	store := aggregate.NewStore[*foo](&es, aggregate.WithSnapshots(3))

	var f foo

	require.NoError(t, store.ByID(context.Background(), "foo-1", &f))

	require.NoError(t, f.doMoreStuff())
	require.NoError(t, store.Save(context.Background(), &f))

	assert.Empty(t, es.savedSnaps)

	require.NoError(t, f.doMoreStuff())
	require.NoError(t, store.Save(context.Background(), &f))

	require.Len(t, es.savedSnaps, 1)
	assert.Equal(t, 3, es.savedSnaps[0].Version)
	assert.Equal(t, "foo", es.savedSnaps[0].StreamType)
	assert.JSONEq(t, `{"id":"foo-1","balance":20}`, string(es.savedSnaps[0].State))
}

func TestShould_Report_Load_Errors(t *testing.T) {
	wantErr := errors.New("storage down")

	es := eventStore{wantErr: wantErr}

	store := aggregate.NewStore[*foo](&es)

	var f foo

	err := store.ByID(context.Background(), "foo-1", &f)

	assert.ErrorIs(t, err, wantErr)
}

func TestShould_Report_Unregistered_Events_On_Load(t *testing.T) {
	es := eventStore{
		storedEvents: []eventstore.StoredEvent{
			{Type: "somethingElse", StreamID: "foo-1", StreamVersion: 1},
		},
	}

	store := aggregate.NewStore[*foo](&es)

	var f foo

	err := store.ByID(context.Background(), "foo-1", &f)

	assert.ErrorIs(t, err, eventstore.ErrEventNotRegistered)
}

func TestShould_Discard_Aggregate_When_Save_Fails(t *testing.T) {
	wantErr := &eventstore.ConcurrencyError{Stream: "foo-2", Expected: 0, Actual: 2}

	es := eventStore{wantAppendErr: wantErr}

	store := aggregate.NewStore[*foo](&es)

	var f foo

	require.NoError(t, f.Rehydrate(&f))
	require.NoError(t, f.doStuff())

	err := store.Save(context.Background(), &f)

	assert.ErrorIs(t, err, eventstore.ErrConcurrencyCheckFailed)
	assert.True(t, es.rolledBack)
	assert.False(t, es.committed)

	assert.Equal(t, 0, f.Version())
	assert.ErrorIs(t, f.doMoreStuff(), aggregate.ErrAggregateDiscarded)
}
