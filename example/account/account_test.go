package account_test

import (
	"testing"

	"github.com/aneshas/eventcore/aggregate"
	"github.com/aneshas/eventcore/example/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	acc, err := account.Open("acc-1", "John Doe")
	require.NoError(t, err)

	assert.Equal(t, "acc-1", acc.StringID())
	assert.Equal(t, "Account", acc.Type())
	assert.Equal(t, "John Doe", acc.Holder)
	assert.Equal(t, 0, acc.Version())
	require.Len(t, acc.Events(), 1)
	assert.Equal(t, account.NewAccountOpened{AccountID: "acc-1", Holder: "John Doe"}, acc.Events()[0].E)

	_, err = account.Open("acc-2", "")
	assert.ErrorIs(t, err, account.ErrHolderRequired)
}

func TestAccount_Deposit_And_Withdraw(t *testing.T) {
	acc, err := account.Open("acc-1", "John Doe")
	require.NoError(t, err)

	require.NoError(t, acc.Deposit(100))
	require.NoError(t, acc.Withdraw(30))

	assert.Equal(t, 70, acc.Balance)
	assert.Len(t, acc.Events(), 3)

	assert.ErrorIs(t, acc.Deposit(0), account.ErrInvalidAmount)
	assert.ErrorIs(t, acc.Withdraw(-1), account.ErrInvalidAmount)
	assert.ErrorIs(t, acc.Withdraw(71), account.ErrInsufficientFunds)

	assert.Equal(t, 70, acc.Balance)
	assert.Len(t, acc.Events(), 3)
}

func TestAccount_Rehydrate(t *testing.T) {
	var acc account.Account

	err := acc.Rehydrate(&acc,
		aggregate.Event{E: account.NewAccountOpened{AccountID: "acc-1", Holder: "Jane"}, Version: 1},
		aggregate.Event{E: account.DepositMade{Amount: 50}, Version: 2},
	)
	require.NoError(t, err)

	assert.Equal(t, "acc-1", acc.StringID())
	assert.Equal(t, 50, acc.Balance)
	assert.Equal(t, 2, acc.Version())
	assert.Empty(t, acc.Events())

	assert.Error(t, acc.Rehydrate(&acc, aggregate.Event{E: struct{}{}}))
}
