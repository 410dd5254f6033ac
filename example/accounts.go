// Package example shows accounts kept as event sourced aggregates behind an echo API,
// with a read model fed by the event bus
package example

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/aggregate"
	"github.com/aneshas/eventcore/example/account"
	"github.com/labstack/echo/v4"
)

// AccountStore is the account aggregate store
type AccountStore = aggregate.Store[*account.Account]

// Register mounts the account routes. balances serves the read side
func Register(e *echo.Echo, store *AccountStore, balances *Balances) {
	h := handlers{
		store: store,
		exec:  aggregate.NewExecutor(store),
	}

	e.POST("/accounts", h.open)
	e.GET("/accounts/:id", h.get)
	e.POST("/accounts/:id/deposits", h.deposit)
	e.POST("/accounts/:id/withdrawals", h.withdraw)
	e.GET("/balances", func(c echo.Context) error {
		return c.JSON(http.StatusOK, balances.All())
	})
}

type handlers struct {
	store *AccountStore
	exec  aggregate.Executor[*account.Account]
}

type openReq struct {
	Holder string `json:"holder"`
}

type amountReq struct {
	Amount int `json:"amount"`
}

// AccountResp is the account representation
type AccountResp struct {
	ID      string `json:"id"`
	Holder  string `json:"holder"`
	Balance int    `json:"balance"`
	Version int    `json:"version"`
}

func (h handlers) open(c echo.Context) error {
	var req openReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	acc, err := account.Open(account.NewID(), req.Holder)
	if err != nil {
		return httpError(err)
	}

	if err := h.store.Save(ctx(c), acc); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, toResp(acc))
}

func (h handlers) get(c echo.Context) error {
	var acc account.Account

	if err := h.store.ByID(ctx(c), c.Param("id"), &acc); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, toResp(&acc))
}

func (h handlers) deposit(c echo.Context) error {
	return h.change(c, (*account.Account).Deposit)
}

func (h handlers) withdraw(c echo.Context) error {
	return h.change(c, (*account.Account).Withdraw)
}

func (h handlers) change(c echo.Context, fn func(*account.Account, int) error) error {
	var req amountReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	var acc account.Account

	acc.SetID(account.ID(c.Param("id")))

	err := h.exec(ctx(c), &acc, func(context.Context) error {
		return fn(&acc, req.Amount)
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, toResp(&acc))
}

// ctx carries the request id as the correlation id of the produced events
func ctx(c echo.Context) context.Context {
	ctx := c.Request().Context()

	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		ctx = aggregate.CtxWithCorrelationID(ctx, id)
	}

	return ctx
}

func httpError(err error) error {
	switch {
	case errors.Is(err, aggregate.ErrAggregateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "account not found")
	case errors.Is(err, eventstore.ErrConcurrencyCheckFailed),
		errors.Is(err, account.ErrInsufficientFunds):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, account.ErrHolderRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return err
}

func toResp(acc *account.Account) AccountResp {
	return AccountResp{
		ID:      acc.StringID(),
		Holder:  acc.Holder,
		Balance: acc.Balance,
		Version: acc.Version(),
	}
}

// NewBalances constructs an empty balances read model
func NewBalances() *Balances {
	return &Balances{balances: make(map[string]Balance)}
}

// Balances is an in memory read model of account balances
type Balances struct {
	mu       sync.RWMutex
	balances map[string]Balance
}

// Balance is a row of the balances read model
type Balance struct {
	AccountID string `json:"account_id"`
	Holder    string `json:"holder"`
	Balance   int    `json:"balance"`
}

// Handle projects account events, it is meant to be subscribed to the bus
func (b *Balances) Handle(_ context.Context, evt eventstore.StoredEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := b.balances[evt.StreamID]

	switch e := evt.Event.(type) {
	case account.NewAccountOpened:
		row = Balance{AccountID: e.AccountID, Holder: e.Holder}
	case account.DepositMade:
		row.Balance += e.Amount
	case account.WithdrawalMade:
		row.Balance -= e.Amount
	default:
		return nil
	}

	b.balances[evt.StreamID] = row

	return nil
}

// Get returns the balance of an account
func (b *Balances) Get(id string) (Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	row, ok := b.balances[id]

	return row, ok
}

// All returns every balance ordered by account id
func (b *Balances) All() []Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Balance, 0, len(b.balances))

	for _, row := range b.balances {
		out = append(out, row)
	}

	slices.SortFunc(out, func(a, b Balance) int {
		return cmp.Compare(a.AccountID, b.AccountID)
	})

	return out
}
