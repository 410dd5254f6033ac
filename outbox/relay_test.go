package outbox_test

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"sync"
	"testing"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var integration = flag.Bool("integration", true, "perform integration tests")

type SomeEvent struct {
	UserID string
}

type publisher struct {
	mu        sync.Mutex
	published []eventstore.StoredEvent
	calls     int

	publish func(ctx context.Context, events ...eventstore.StoredEvent) error
}

func (p *publisher) Publish(ctx context.Context, events ...eventstore.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++

	if p.publish != nil {
		if err := p.publish(ctx, events...); err != nil {
			return err
		}
	}

	p.published = append(p.published, events...)

	return nil
}

func (p *publisher) sequences() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var seqs []uint64

	for _, evt := range p.published {
		seqs = append(seqs, evt.Sequence)
	}

	return seqs
}

func TestShould_Publish_Events_In_Global_Order_And_Advance_Cursor(t *testing.T) {
	es := eventStore(t)

	appendEvents(t, es, "stream-one", 0, 2)
	appendEvents(t, es, "stream-two", 0, 1)
	appendEvents(t, es, "stream-one", 2, 1)

	var pub publisher

	relay, err := outbox.New(es, &pub, es.DB(), outbox.WithBatchSize(3))
	require.NoError(t, err)

	ctx := context.Background()

	n, err := relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []uint64{1, 2, 3, 4}, pub.sequences())

	pos, err := relay.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)

	entries, err := relay.Entries(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	for _, e := range entries {
		assert.True(t, e.Dispatched)
		assert.False(t, e.Failed)
		assert.Equal(t, 1, e.DispatchAttempts)
		assert.NotNil(t, e.DispatchedAt)
		assert.NotNil(t, e.LastAttemptAt)
	}
}

func TestShould_Republish_After_Crash_Before_Cursor_Advanced(t *testing.T) {
	es := eventStore(t)

	appendEvents(t, es, "stream-one", 0, 2)

	ctx, crash := context.WithCancel(context.Background())

	crashing := publisher{
		publish: func(context.Context, ...eventstore.StoredEvent) error {
			// acknowledged downstream, process dies before the cursor moves
			crash()

			return nil
		},
	}

	relay, err := outbox.New(es, &crashing, es.DB())
	require.NoError(t, err)

	_, err = relay.Tick(ctx)
	require.Error(t, err)

	assert.Equal(t, []uint64{1, 2}, crashing.sequences())

	var restarted publisher

	relay, err = outbox.New(es, &restarted, es.DB())
	require.NoError(t, err)

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []uint64{1, 2}, restarted.sequences())

	entries, err := relay.Entries(context.Background(), 1, 0)
	require.NoError(t, err)

	for _, e := range entries {
		assert.True(t, e.Dispatched)
		assert.Equal(t, 2, e.DispatchAttempts)
	}
}

func TestShould_Retry_Transient_Publish_Failures(t *testing.T) {
	es := eventStore(t)

	appendEvents(t, es, "stream-one", 0, 1)

	var failures int

	pub := publisher{
		publish: func(context.Context, ...eventstore.StoredEvent) error {
			if failures < 2 {
				failures++

				return errors.New("broker unavailable")
			}

			return nil
		},
	}

	relay, err := outbox.New(es, &pub, es.DB(), outbox.WithBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 3, pub.calls)

	entries, err := relay.Entries(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, 3, entries[0].DispatchAttempts)
	assert.True(t, entries[0].Dispatched)
}

func TestShould_Mark_Entries_Failed_And_Alert_When_Attempts_Exhausted(t *testing.T) {
	es := eventStore(t)

	appendEvents(t, es, "stream-one", 0, 2)

	brokerDown := errors.New("broker unavailable")

	pub := publisher{
		publish: func(context.Context, ...eventstore.StoredEvent) error {
			return brokerDown
		},
	}

	var (
		alerted   []eventstore.StoredEvent
		alertErr  error
		alertCall int
	)

	relay, err := outbox.New(es, &pub, es.DB(),
		outbox.WithMaxAttempts(3),
		outbox.WithBackoff(time.Millisecond, 5*time.Millisecond),
		outbox.WithAlert(func(_ context.Context, events []eventstore.StoredEvent, err error) {
			alertCall++
			alerted = events
			alertErr = err
		}),
	)
	require.NoError(t, err)

	_, err = relay.Tick(context.Background())

	assert.ErrorIs(t, err, outbox.ErrPublish)
	assert.ErrorIs(t, err, brokerDown)

	var perr *outbox.PublishError

	require.ErrorAs(t, err, &perr)
	assert.Equal(t, uint64(1), perr.FromSequence)
	assert.Equal(t, uint64(2), perr.ToSequence)
	assert.Equal(t, 3, perr.Attempts)

	assert.Equal(t, 1, alertCall)
	assert.Len(t, alerted, 2)
	assert.ErrorIs(t, alertErr, brokerDown)

	entries, err := relay.Entries(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		assert.True(t, e.Failed)
		assert.False(t, e.Dispatched)
		assert.Equal(t, 3, e.DispatchAttempts)
		assert.Equal(t, "broker unavailable", e.LastError)
	}

	pos, err := relay.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	// broker is back, the same batch goes out on the next tick
	pub.mu.Lock()
	pub.publish = nil
	pub.mu.Unlock()

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err = relay.Entries(context.Background(), 1, 0)
	require.NoError(t, err)

	for _, e := range entries {
		assert.False(t, e.Failed)
		assert.True(t, e.Dispatched)
		assert.Empty(t, e.LastError)
	}
}

func TestShould_Track_Cursors_Per_Relay_Name(t *testing.T) {
	es := eventStore(t)

	appendEvents(t, es, "stream-one", 0, 2)

	var one, two publisher

	first, err := outbox.New(es, &one, es.DB(), outbox.WithName("one"))
	require.NoError(t, err)

	second, err := outbox.New(es, &two, es.DB(), outbox.WithName("two"), outbox.WithBatchSize(1))
	require.NoError(t, err)

	_, err = first.Tick(context.Background())
	require.NoError(t, err)

	_, err = second.Tick(context.Background())
	require.NoError(t, err)

	p1, err := first.Cursor(context.Background())
	require.NoError(t, err)

	p2, err := second.Cursor(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(2), p1)
	assert.Equal(t, uint64(1), p2)

	e1, err := first.Entries(context.Background(), 1, 0)
	require.NoError(t, err)

	e2, err := second.Entries(context.Background(), 1, 0)
	require.NoError(t, err)

	assert.Len(t, e1, 2)
	require.Len(t, e2, 1)
	assert.Equal(t, "two", e2[0].Relay)
	assert.Equal(t, 1, e2[0].DispatchAttempts)
	assert.True(t, e2[0].Dispatched)
}

func TestShould_Run_Until_Context_Is_Done(t *testing.T) {
	es := eventStore(t)

	var pub publisher

	relay, err := outbox.New(es, &pub, es.DB(), outbox.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- relay.Run(ctx)
	}()

	appendEvents(t, es, "stream-one", 0, 3)

	require.Eventually(t, func() bool {
		return len(pub.sequences()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay should have stopped")
	}
}

func TestShould_Validate_Relay_Config(t *testing.T) {
	es := eventStore(t)

	var pub publisher

	_, err := outbox.New(es, nil, es.DB())
	assert.Error(t, err)

	_, err = outbox.New(es, &pub, es.DB(), outbox.WithBatchSize(0))
	assert.Error(t, err)
}

func appendEvents(t *testing.T, es *eventstore.EventStore, stream string, version, n int) {
	t.Helper()

	evts := make([]eventstore.EventToStore, n)

	for i := range evts {
		evts[i] = eventstore.EventToStore{Event: SomeEvent{UserID: stream}}
	}

	_, err := es.AppendStream(context.Background(), stream, version, evts)
	require.NoError(t, err)
}

func eventStore(t *testing.T) *eventstore.EventStore {
	t.Helper()

	if !*integration {
		t.Skip("skipping integration tests")
	}

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(SomeEvent{}),
		eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "test.db")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = es.Close()
	})

	return es
}
