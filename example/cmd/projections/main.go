package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/example/account"
)

func main() {
	estore, err := eventstore.New(
		eventstore.NewJSONEncoder(account.Events...),
		eventstore.WithSQLiteDB("exampledb"),
	)
	checkErr(err)

	defer estore.Close()

	ctx, cancel := context.WithCancel(context.Background())

	defer cancel()

	sub, err := estore.SubscribeAll(ctx)
	checkErr(err)

	defer sub.Close()

	runConsoleOutputProjection(sub)
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// An example projection that outputs new accounts to the console
// it might as well be any kind of database, disk, memory etc...
func runConsoleOutputProjection(sub eventstore.Subscription) {
	for {
		select {
		case data := <-sub.EventData:
			handle(data)

		case err := <-sub.Err:
			if err != nil {
				if errors.Is(err, io.EOF) {
					continue
				}

				log.Fatal(err)
			}
		}
	}
}

func handle(data eventstore.StoredEvent) {
	switch evt := data.Event.(type) {
	case account.NewAccountOpened:
		fmt.Printf("Account: #%s | Holder: <%s>\n", evt.AccountID, evt.Holder)
	case account.DepositMade:
		fmt.Printf("Deposited the amount of %d EUR to #%s\n", evt.Amount, data.StreamID)
	case account.WithdrawalMade:
		fmt.Printf("Withdrew the amount of %d EUR from #%s\n", evt.Amount, data.StreamID)
	default:
		fmt.Println("not interested in this event")
	}
}
