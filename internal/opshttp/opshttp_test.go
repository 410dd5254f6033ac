package opshttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/internal/opshttp"
	"github.com/aneshas/eventcore/internal/runtime"
	"github.com/aneshas/eventcore/outbox"
	"github.com/aneshas/eventcore/subscription"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var integration = flag.Bool("integration", true, "perform integration tests")

type SomeEvent struct {
	UserID string
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	fail uint64
}

func (r *recorder) handle(_ context.Context, evt eventstore.StoredEvent) error {
	if evt.Sequence == r.fail {
		return errors.New("poison")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqs = append(r.seqs, evt.Sequence)

	return nil
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.seqs)
}

type fixture struct {
	e        *echo.Echo
	es       *eventstore.EventStore
	relay    *outbox.Relay
	projects *recorder
	mailer   *recorder
}

func setup(t *testing.T, checks ...runtime.ReadyCheck) *fixture {
	t.Helper()

	if !*integration {
		t.Skip("skipping integration tests")
	}

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(SomeEvent{}),
		eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "test.db")),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = es.Close() })

	cps, err := subscription.NewCheckpointStore(es.DB())
	require.NoError(t, err)

	dls, err := subscription.NewDeadLetterStore(es.DB())
	require.NoError(t, err)

	b, err := bus.New(
		bus.WithSource(es),
		bus.WithCheckpoints(cps),
		bus.WithDeadLetters(dls),
		bus.WithRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	f := fixture{es: es, projects: &recorder{}, mailer: &recorder{fail: 2}}

	require.NoError(t, b.Subscribe(bus.All, f.projects.handle, "projector"))
	require.NoError(t, b.Subscribe(bus.All, f.mailer.handle, "mailer"))
	require.NoError(t, b.Start(context.Background()))

	m, err := subscription.New(b, cps, dls)
	require.NoError(t, err)

	f.relay, err = outbox.New(es, b, es.DB())
	require.NoError(t, err)

	f.e = echo.New()

	opshttp.Register(f.e, m, f.relay, slog.Default(), checks...)

	return &f
}

func (f *fixture) dispatch(t *testing.T, n int) {
	t.Helper()

	evts := make([]eventstore.EventToStore, n)

	for i := range evts {
		evts[i] = eventstore.EventToStore{Event: SomeEvent{UserID: "user-1"}}
	}

	_, err := f.es.AppendStream(context.Background(), "user-1", 0, evts)
	require.NoError(t, err)

	_, err = f.relay.Tick(context.Background())
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, target string, out any) int {
	t.Helper()

	rec := httptest.NewRecorder()

	f.e.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}

	return rec.Code
}

func (f *fixture) checkpoint(t *testing.T, id string) opshttp.Checkpoint {
	t.Helper()

	var cp opshttp.Checkpoint

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/subscriptions/"+id, &cp))

	return cp
}

func (f *fixture) caughtUp(t *testing.T, pos uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.checkpoint(t, "projector").Position == pos && f.checkpoint(t, "mailer").Position == pos
	}, 5*time.Second, 5*time.Millisecond)
}

func TestShould_List_Subscriptions(t *testing.T) {
	f := setup(t)

	f.dispatch(t, 3)
	f.caughtUp(t, 3)

	var cps []opshttp.Checkpoint

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/subscriptions", &cps))
	require.Len(t, cps, 2)

	assert.Equal(t, "projector", cps[0].SubscriberID)
	assert.Equal(t, "mailer", cps[1].SubscriberID)

	for _, cp := range cps {
		assert.Equal(t, uint64(3), cp.Position)
		assert.Equal(t, "active", cp.Status)
	}
}

func TestShould_Pause_And_Resume_Subscription(t *testing.T) {
	f := setup(t)

	var cp opshttp.Checkpoint

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/subscriptions/projector/pause", &cp))
	assert.Equal(t, "paused", cp.Status)

	f.dispatch(t, 2)

	require.Eventually(t, func() bool {
		return f.checkpoint(t, "mailer").Position == 2
	}, 5*time.Second, 5*time.Millisecond)

	assert.Empty(t, f.projects.sequences())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/subscriptions/projector/resume", &cp))
	assert.Equal(t, "active", cp.Status)

	f.caughtUp(t, 2)

	assert.Equal(t, []uint64{1, 2}, f.projects.sequences())
}

func TestShould_Replay_Subscription(t *testing.T) {
	f := setup(t)

	f.dispatch(t, 3)
	f.caughtUp(t, 3)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/subscriptions/projector/replay?from=2", nil))

	require.Eventually(t, func() bool {
		return slices.Equal([]uint64{1, 2, 3, 2, 3}, f.projects.sequences())
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(3), f.checkpoint(t, "projector").Position)
}

func TestShould_Reject_Invalid_Replay(t *testing.T) {
	f := setup(t)

	for _, target := range []string{
		"/subscriptions/projector/replay",
		"/subscriptions/projector/replay?from=0",
		"/subscriptions/projector/replay?from=abc",
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, target, nil), target)
	}
}

func TestShould_Return_Not_Found_For_Unknown_Subscriber(t *testing.T) {
	f := setup(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/subscriptions/nobody", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/subscriptions/nobody/pause", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/subscriptions/nobody/dead-letters", nil))
}

func TestShould_List_Dead_Letters(t *testing.T) {
	f := setup(t)

	f.dispatch(t, 3)
	f.caughtUp(t, 3)

	var dls []opshttp.DeadLetter

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/subscriptions/mailer/dead-letters", &dls))
	require.Len(t, dls, 1)

	assert.Equal(t, uint64(2), dls[0].Sequence)
	assert.Equal(t, "SomeEvent", dls[0].EventType)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Contains(t, dls[0].Error, "poison")

	assert.Equal(t, []uint64{1, 3}, f.mailer.sequences())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/subscriptions/projector/dead-letters", &dls))
	assert.Empty(t, dls)
}

func TestShould_Report_Relay_State(t *testing.T) {
	f := setup(t)

	var state opshttp.RelayState

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/relay", &state))
	assert.Equal(t, uint64(0), state.Cursor)

	f.dispatch(t, 3)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/relay", &state))
	assert.Equal(t, uint64(3), state.Cursor)
	assert.Empty(t, state.Pending)
}

func TestShould_Report_Health(t *testing.T) {
	f := setup(t, runtime.ReadyCheck{Name: "kafka", Check: func(context.Context) error {
		return errors.New("no brokers")
	}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil))
}
