package example_test

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/aggregate"
	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/example"
	"github.com/aneshas/eventcore/example/account"
	"github.com/aneshas/eventcore/outbox"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var integration = flag.Bool("integration", true, "perform integration tests")

type fixture struct {
	e        *echo.Echo
	es       *eventstore.EventStore
	relay    *outbox.Relay
	balances *example.Balances
}

func setup(t *testing.T) *fixture {
	t.Helper()

	if !*integration {
		t.Skip("skipping integration tests")
	}

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(account.Events...),
		eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "test.db")),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = es.Close() })

	b, err := bus.New(bus.WithSource(es))
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	balances := example.NewBalances()

	require.NoError(t, b.Subscribe(bus.ForStream("Account"), balances.Handle, "balances"))
	require.NoError(t, b.Start(context.Background()))

	relay, err := outbox.New(es, b, es.DB())
	require.NoError(t, err)

	e := echo.New()

	example.Register(e, aggregate.NewStore[*account.Account](es), balances)

	return &fixture{e: e, es: es, relay: relay, balances: balances}
}

func (f *fixture) do(t *testing.T, method, target, body string, out any) int {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "request-1")

	rec := httptest.NewRecorder()

	f.e.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}

	return rec.Code
}

func (f *fixture) open(t *testing.T, holder string) example.AccountResp {
	t.Helper()

	var acc example.AccountResp

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/accounts", `{"holder":"`+holder+`"}`, &acc))

	return acc
}

func TestShould_Open_Account_And_Move_Money(t *testing.T) {
	f := setup(t)

	acc := f.open(t, "John Doe")

	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, 1, acc.Version)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/accounts/"+acc.ID+"/deposits", `{"amount":100}`, &acc))
	assert.Equal(t, 100, acc.Balance)
	assert.Equal(t, 2, acc.Version)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/accounts/"+acc.ID+"/withdrawals", `{"amount":40}`, &acc))
	assert.Equal(t, 60, acc.Balance)

	var got example.AccountResp

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/accounts/"+acc.ID, "", &got))
	assert.Equal(t, example.AccountResp{ID: acc.ID, Holder: "John Doe", Balance: 60, Version: 3}, got)

	stored, err := f.es.ReadStream(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	assert.Equal(t, "Account", stored[0].StreamType)
	require.NotNil(t, stored[1].CorrelationEventID)
	assert.Equal(t, "request-1", *stored[1].CorrelationEventID)
}

func TestShould_Map_Domain_Errors(t *testing.T) {
	f := setup(t)

	acc := f.open(t, "John Doe")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/accounts", `{"holder":""}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/accounts/"+acc.ID+"/deposits", `{"amount":0}`, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/accounts/"+acc.ID+"/withdrawals", `{"amount":1}`, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/accounts/unknown", "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/accounts/unknown/deposits", `{"amount":1}`, nil))

	var got example.AccountResp

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/accounts/"+acc.ID, "", &got))
	assert.Equal(t, 1, got.Version, "rejected commands append nothing")
}

func TestShould_Project_Balances_Through_Relay(t *testing.T) {
	f := setup(t)

	john := f.open(t, "John")
	jane := f.open(t, "Jane")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/accounts/"+john.ID+"/deposits", `{"amount":10}`, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/accounts/"+jane.ID+"/deposits", `{"amount":25}`, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/accounts/"+jane.ID+"/withdrawals", `{"amount":5}`, nil))

	n, err := f.relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		b, ok := f.balances.Get(jane.ID)

		return ok && b.Balance == 20
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		b, ok := f.balances.Get(john.ID)

		return ok && b.Balance == 10
	}, 5*time.Second, 5*time.Millisecond)

	var all []example.Balance

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/balances", "", &all))
	assert.Len(t, all, 2)
}
