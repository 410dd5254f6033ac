package eventstore

import "time"

// EventToStore represents an event that is to be stored in the event store
type EventToStore struct {
	Event any

	// Optional
	ID                 string
	CausationEventID   string
	CorrelationEventID string
	Meta               map[string]string
}

// StoredEvent holds stored event data and meta data.
// Sequence, StreamVersion and OccurredOn are assigned by the store at append time
type StoredEvent struct {
	// Event is the decoded event, nil if its type is not registered with the encoder
	Event any
	// Data is the encoded payload as it was persisted
	Data string
	Meta map[string]string

	ID                 string
	Sequence           uint64
	Type               string
	SchemaVersion      int
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string
	StreamType         string
	StreamVersion      int
	OccurredOn         time.Time
}
