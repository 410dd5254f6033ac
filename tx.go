package eventstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrTxInProgress is returned by Begin when the context already carries a transaction
var ErrTxInProgress = errors.New("transaction already in progress")

// Tx is a storage transaction opened with Begin
type Tx interface {
	Commit() error
	Rollback() error
}

type txKey struct{}

// WithTx returns a context carrying the given gorm transaction.
// Every store operation called with that context joins the transaction
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)

	return tx, ok && tx != nil
}

// Begin opens a storage transaction and returns a context carrying it.
// If ctx is canceled before Commit the transaction is rolled back by the driver
func (es *EventStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	if _, ok := TxFromContext(ctx); ok {
		return ctx, nil, ErrTxInProgress
	}

	tx := es.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return ctx, nil, storageErr("begin transaction", tx.Error)
	}

	return WithTx(ctx, tx), gormTx{db: tx}, nil
}

// Transaction runs fn inside a transaction. If ctx already carries one, fn joins it
// and the outer owner decides about commit or rollback
func (es *EventStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	return es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(WithTx(ctx, tx))
	})
}

// Conn returns the transaction carried by ctx or the base connection
func (es *EventStore) Conn(ctx context.Context) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}

	return es.db.WithContext(ctx)
}

// DB returns the underlying gorm connection so that collaborators (outbox,
// subscriptions) can keep their tables next to the events
func (es *EventStore) DB() *gorm.DB { return es.db }

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) Commit() error {
	return storageErr("commit transaction", t.db.Commit().Error)
}

func (t gormTx) Rollback() error {
	return t.db.Rollback().Error
}
