package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrHandler marks events a handler failed on after all attempts
	ErrHandler = errors.New("handler failed")

	// ErrUnknownSubscriber is returned by the control operations for subscribers that are not registered
	ErrUnknownSubscriber = errors.New("unknown subscriber")

	// ErrClosed is returned when the bus was closed
	ErrClosed = errors.New("bus closed")

	// ErrNoSource is returned by Replay when the bus has no source to re-read events from
	ErrNoSource = errors.New("bus has no event source")
)

// HandlerError describes an event a subscriber gave up on
type HandlerError struct {
	SubscriberID string
	Sequence     uint64
	Attempts     int
	Err          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("subscriber %s: event %d (%d attempts): %v", e.SubscriberID, e.Sequence, e.Attempts, e.Err)
}

// Unwrap exposes both ErrHandler and the handler error
func (e *HandlerError) Unwrap() []error { return []error{ErrHandler, e.Err} }
