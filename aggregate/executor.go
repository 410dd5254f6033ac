package aggregate

import (
	"context"
)

// NewExecutor creates a new executor for the given aggregate store.
func NewExecutor[T Rooter](store *Store[T]) Executor[T] {
	return func(ctx context.Context, a T, f func(ctx context.Context) error) error {
		return Exec(ctx, store, a, f)
	}
}

// Executor is a helper function to load an aggregate from the store, execute a function and save the aggregate back to the store.
type Executor[T Rooter] func(ctx context.Context, a T, f func(ctx context.Context) error) error

// Exec loads the aggregate (a needs its ID set), executes f and saves the aggregate back
// to the store, all within a single unit of work. f receives the unit of work context
func Exec[T Rooter](ctx context.Context, store *Store[T], a T, f func(ctx context.Context) error) error {
	uow := store.NewUnitOfWork()

	ctx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}

	err = uow.Load(a.StringID(), a)
	if err != nil {
		_ = uow.Rollback()

		return err
	}

	err = f(ctx)
	if err != nil {
		_ = uow.Rollback()

		return err
	}

	return uow.Commit()
}
