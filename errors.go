package eventstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the event store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that the stream version differs from the expected one.
	// Callers should reload the aggregate and retry the command
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: stream version exists")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")

	// ErrEventNotRegistered is returned by the encoder when it does not know how to decode an event type
	ErrEventNotRegistered = errors.New("event not registered")

	// ErrStorage marks failures of the underlying storage (I/O, transactions).
	// The store never retries these on its own
	ErrStorage = errors.New("storage error")
)

// ConcurrencyError carries the details of a failed optimistic concurrency check.
// Actual is -1 when the conflict was detected by the unique index rather than by
// the version check.
type ConcurrencyError struct {
	Stream   string
	Expected int
	Actual   int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stream %q: expected version %d, actual %d: %v", e.Stream, e.Expected, e.Actual, ErrConcurrencyCheckFailed)
}

// Unwrap makes errors.Is(err, ErrConcurrencyCheckFailed) work
func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyCheckFailed }

// StorageError wraps a storage failure together with the operation that failed
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStorage and the underlying driver error
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	return &StorageError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	return false
}
