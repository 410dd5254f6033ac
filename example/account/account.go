package account

import (
	"errors"
	"fmt"

	"github.com/aneshas/eventcore/aggregate"
)

var (
	// ErrInvalidAmount is returned for non positive amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the balance
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrHolderRequired is returned when opening an account without a holder
	ErrHolderRequired = errors.New("holder is required")
)

// Open opens a new Account
func Open(id ID, holder string) (*Account, error) {
	if holder == "" {
		return nil, ErrHolderRequired
	}

	var acc Account

	if err := acc.Rehydrate(&acc); err != nil {
		return nil, err
	}

	err := acc.Apply(
		NewAccountOpened{
			AccountID: id.String(),
			Holder:    holder,
		},
	)
	if err != nil {
		return nil, err
	}

	return &acc, nil
}

// Account represents an account aggregate
type Account struct {
	aggregate.Root[ID]

	// notice how aggregate has no state until it is needed to make a decision

	Holder  string
	Balance int
}

// Deposit money
func (a *Account) Deposit(amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return a.Apply(
		DepositMade{
			Amount: amount,
		},
	)
}

// Withdraw money
func (a *Account) Withdraw(amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	if amount > a.Balance {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, a.Balance, amount)
	}

	return a.Apply(
		WithdrawalMade{
			Amount: amount,
		},
	)
}

// Mutate applies account events
func (a *Account) Mutate(evt any) error {
	switch e := evt.(type) {
	case NewAccountOpened:
		a.SetID(ID(e.AccountID))
		a.Holder = e.Holder
	case DepositMade:
		a.Balance += e.Amount
	case WithdrawalMade:
		a.Balance -= e.Amount
	default:
		return fmt.Errorf("account: unknown event %T", evt)
	}

	return nil
}
