package main

import (
	"context"
	"fmt"
	"log"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/ambar"
	"github.com/aneshas/eventcore/ambar/echoambar"
	"github.com/aneshas/eventcore/example/account"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	e := echo.New()

	e.Use(middleware.BasicAuth(func(username, password string, c echo.Context) (bool, error) {
		if username == "user" && password == "pass" {
			return true, nil
		}

		return false, nil
	}))

	hf := echoambar.Wrap(
		ambar.New(eventstore.NewJSONEncoder(account.Events...)),
	)

	e.POST("/projections/accounts/v1", hf(NewConsoleOutputProjection()))

	log.Fatal(e.Start(":8181"))
}

// NewConsoleOutputProjection constructs an example projection that outputs
// new accounts to the console. It might as well be to any kind of
// database, disk, memory etc...
func NewConsoleOutputProjection() ambar.Projection {
	return func(_ context.Context, data eventstore.StoredEvent) error {
		switch evt := data.Event.(type) {
		case account.NewAccountOpened:
			fmt.Printf("Account: #%s | Holder: <%s>\n", evt.AccountID, evt.Holder)

		case account.DepositMade:
			fmt.Printf("Deposited the amount of %d EUR\n", evt.Amount)

		default:
			fmt.Println("not interested in this event")
		}

		return nil
	}
}
