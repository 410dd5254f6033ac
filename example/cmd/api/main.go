package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/aggregate"
	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/example"
	"github.com/aneshas/eventcore/example/account"
	"github.com/aneshas/eventcore/outbox"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	estore, err := eventstore.New(
		eventstore.NewJSONEncoder(account.Events...),
		eventstore.WithSQLiteDB("exampledb"),
		eventstore.WithLogger(logger),
	)
	checkErr(err)

	defer estore.Close()

	b, err := bus.New(bus.WithSource(estore), bus.WithLogger(logger))
	checkErr(err)

	defer b.Close()

	balances := example.NewBalances()

	checkErr(b.Subscribe(bus.ForStream("Account"), balances.Handle, "balances"))
	checkErr(b.Subscribe(bus.All, func(ctx context.Context, evt eventstore.StoredEvent) error {
		logger.InfoContext(ctx, "event", "type", evt.Type, "stream_id", evt.StreamID, "sequence", evt.Sequence)

		return nil
	}, "console"))

	relay, err := outbox.New(estore, b, estore.DB(), outbox.WithLogger(logger))
	checkErr(err)

	e := echo.New()

	example.Register(e, aggregate.NewStore[*account.Account](estore), balances)

	ctx := context.Background()

	checkErr(b.Start(ctx))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		err := e.Start(":8080")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	checkErr(g.Wait())
}

func checkErr(err error) {
	if err != nil {
		slog.Error("example api failed", "err", err)
		os.Exit(1)
	}
}
