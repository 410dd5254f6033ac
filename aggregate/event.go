package aggregate

import "time"

// Event represents a domain event
type Event struct {
	ID string
	E  any

	// Version is the stream version after the event, zero for uncommitted events
	Version    int
	OccurredOn time.Time

	CausationEventID   *string
	CorrelationEventID *string
	Meta               map[string]string
}
