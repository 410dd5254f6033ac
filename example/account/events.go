package account

// NewAccountOpened domain event indicates that new
// account has been opened
type NewAccountOpened struct {
	AccountID string
	Holder    string
}

// DepositMade domain event indicates that deposit has been made
type DepositMade struct {
	Amount int
}

// WithdrawalMade domain event indicates that money was withdrawn
type WithdrawalMade struct {
	Amount int
}

// Events lists the account events for encoder registration
var Events = []any{
	NewAccountOpened{},
	DepositMade{},
	WithdrawalMade{},
}
