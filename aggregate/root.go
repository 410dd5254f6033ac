package aggregate

import (
	"fmt"
	"reflect"

	uuid2 "github.com/google/uuid"
)

var (
	// ErrAggregateRootNotAPointer is returned when supplied aggregate root is not a pointer
	ErrAggregateRootNotAPointer = fmt.Errorf("aggregate needs to be a pointer")

	// ErrAggregateRootNotRehydrated is returned when aggregate is not rehydrated (with Rehydrate method)
	ErrAggregateRootNotRehydrated = fmt.Errorf("aggregate needs to be rehydrated")

	// ErrAggregateDiscarded is returned by Apply after the unit of work owning the
	// aggregate was rolled back. The aggregate has to be loaded again
	ErrAggregateDiscarded = fmt.Errorf("aggregate was discarded")
)

// Mutator is implemented by concrete aggregates. Mutate applies a single event
// to the aggregate state, both when replaying history and when new events are applied
type Mutator interface {
	Mutate(evt any) error
}

// Rooter represents an aggregate root. Embed Root into your aggregate struct
// and implement Mutate in order to satisfy it
type Rooter interface {
	Mutator

	StringID() string
	Type() string
	Version() int
	Events() []Event
	Rehydrate(ptr Mutator, events ...Event) error

	rehydrateFrom(version int, ptr Mutator, events ...Event) error
	committed(version int)
	discard()
}

// Root represents reusable DDD Event Sourcing friendly Aggregate
// base type which provides helpers for easy aggregate initialization and
// event application
type Root[T fmt.Stringer] struct {
	ID T

	version      int
	domainEvents []Event
	discarded    bool

	ptr Mutator
}

// Rehydrate is used to construct and rehydrate the aggregate from events.
// ptr must be a pointer to the aggregate embedding Root
func (a *Root[T]) Rehydrate(ptr Mutator, events ...Event) error {
	if ptr == nil || reflect.ValueOf(ptr).Kind() != reflect.Ptr {
		return ErrAggregateRootNotAPointer
	}

	a.ptr = ptr

	for _, evt := range events {
		if err := a.ptr.Mutate(evt.E); err != nil {
			return err
		}

		if evt.Version > 0 {
			a.version = evt.Version

			continue
		}

		a.version++
	}

	return nil
}

func (a *Root[T]) rehydrateFrom(version int, ptr Mutator, events ...Event) error {
	a.version = version
	a.domainEvents = nil
	a.discarded = false

	return a.Rehydrate(ptr, events...)
}

// Version returns the last persisted version of the aggregate. It only
// moves forward when its events are committed
func (a *Root[T]) Version() int { return a.version }

// Events returns uncommitted domain events (produced by calling Apply)
func (a *Root[T]) Events() []Event {
	if a.domainEvents == nil {
		return []Event{}
	}

	return a.domainEvents
}

// StringID returns the string representation of the aggregate ID
func (a *Root[T]) StringID() string {
	if reflect.ValueOf(&a.ID).Elem().IsZero() {
		return ""
	}

	return a.ID.String()
}

// SetID sets aggregate ID
func (a *Root[T]) SetID(id T) { a.ID = id }

// Type returns the aggregate type name which is used as stream type
func (a *Root[T]) Type() string {
	if a.ptr == nil {
		return ""
	}

	return reflect.TypeOf(a.ptr).Elem().Name()
}

// Apply mutates the aggregate (calls Mutate of the derived aggregate) and
// appends the events to the internal slice, so that they can be retrieved with Events method.
// Apply stops at the first event Mutate rejects, events applied before it stay staged
func (a *Root[T]) Apply(events ...any) error {
	if a.ptr == nil {
		return ErrAggregateRootNotRehydrated
	}

	if a.discarded {
		return ErrAggregateDiscarded
	}

	for _, evt := range events {
		if err := a.ptr.Mutate(evt); err != nil {
			return err
		}

		id, err := uuid2.NewV7()
		if err != nil {
			return err
		}

		a.domainEvents = append(a.domainEvents, Event{
			ID: id.String(),
			E:  evt,
		})
	}

	return nil
}

func (a *Root[T]) committed(version int) {
	a.version = version
	a.domainEvents = nil
}

func (a *Root[T]) discard() {
	a.discarded = true
	a.domainEvents = nil
}
