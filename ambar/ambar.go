// Package ambar receives events pushed by an Ambar data destination
// (https://docs.ambar.cloud/#Data%20Destinations) and hands them to a projection
package ambar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	eventstore "github.com/aneshas/eventcore"
	"github.com/relvacode/iso8601"
)

var (
	// ErrRetry is returned when a payload could not be decoded, Ambar
	// should deliver it again
	ErrRetry = errors.New("retry")

	// ErrNoRetry is the error returned when we don't want to retry
	// projecting events in case of an error.
	// This can be used if we also want to wrap the error eg. for logging
	ErrNoRetry = errors.New("no retry")

	// ErrKeepItGoing is the error returned when we want to keep projecting
	// events in case of an error
	ErrKeepItGoing = errors.New("keep it going")
)

// SuccessResp is the success response
// https://docs.ambar.cloud/#Data%20Destinations
var SuccessResp = `{
  "result": {
    "success": {}
  }
}`

// RetryResp is the retry response
// https://docs.ambar.cloud/#Data%20Destinations
var RetryResp = `{
  "result": {
    "error": {
      "policy": "must_retry",
      "class": "must retry it",
      "description": "must retry it"
    }
  }
}`

// KeepGoingResp is the keep going response
// https://docs.ambar.cloud/#Data%20Destinations
var KeepGoingResp = `{
  "result": {
    "error": {
      "policy": "keep_going",
      "class": "keep it going",
      "description": "keep it going"
    }
  }
}`

// Projection handles a single pushed event, eg. bus.Publish wrapped in a func
type Projection func(ctx context.Context, evt eventstore.StoredEvent) error

// Decoder is an interface for decoding events
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (any, error)
}

// Option represents ambar configuration option
type Option func(*Ambar)

// WithUnregisteredEvents forwards events the decoder does not know with a nil
// Event instead of acknowledging them without projecting
func WithUnregisteredEvents() Option {
	return func(a *Ambar) {
		a.forwardUnregistered = true
	}
}

// New constructs a new Ambar projection handler
func New(dec Decoder, opts ...Option) *Ambar {
	a := Ambar{dec: dec}

	for _, opt := range opts {
		opt(&a)
	}

	return &a
}

// Ambar is a projection handler for ambar events
type Ambar struct {
	dec                 Decoder
	forwardUnregistered bool
}

// Req is the ambar projection request
type Req struct {
	Payload Payload `json:"payload"`
}

// Payload is the ambar projection request payload, a row of the event table
type Payload struct {
	Event              string  `json:"data"`
	Meta               *string `json:"meta"`
	ID                 string  `json:"id"`
	Sequence           uint64  `json:"sequence"`
	Type               string  `json:"type"`
	SchemaVersion      int     `json:"schema_version"`
	CausationEventID   *string `json:"causation_event_id"`
	CorrelationEventID *string `json:"correlation_event_id"`
	StreamID           string  `json:"stream_id"`
	StreamType         string  `json:"stream_type"`
	StreamVersion      int     `json:"stream_version"`
	OccurredOn         string  `json:"occurred_on"`
}

// Project projects ambar event to provided projection.
// Malformed payloads are reported with ErrRetry, projection errors are returned as is
func (a *Ambar) Project(ctx context.Context, projection Projection, data []byte) error {
	var req Req

	err := json.Unmarshal(data, &req)
	if err != nil {
		return fmt.Errorf("%w: payload: %w", ErrRetry, err)
	}

	p := req.Payload

	schemaVersion := max(p.SchemaVersion, 1)

	decoded, err := a.dec.Decode(&eventstore.EncodedEvt{
		Data:          p.Event,
		Type:          p.Type,
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		if !errors.Is(err, eventstore.ErrEventNotRegistered) {
			return fmt.Errorf("%w: %w", ErrRetry, err)
		}

		if !a.forwardUnregistered {
			return nil
		}
	}

	occurredOn, err := iso8601.ParseString(p.OccurredOn)
	if err != nil {
		return fmt.Errorf("%w: occurred_on: %w", ErrRetry, err)
	}

	var meta map[string]string

	if p.Meta != nil {
		err = json.Unmarshal([]byte(*p.Meta), &meta)
		if err != nil {
			return fmt.Errorf("%w: meta: %w", ErrRetry, err)
		}
	}

	return projection(ctx, eventstore.StoredEvent{
		Event:              decoded,
		Data:               p.Event,
		Meta:               meta,
		ID:                 p.ID,
		Sequence:           p.Sequence,
		Type:               p.Type,
		SchemaVersion:      schemaVersion,
		CausationEventID:   p.CausationEventID,
		CorrelationEventID: p.CorrelationEventID,
		StreamID:           p.StreamID,
		StreamType:         p.StreamType,
		StreamVersion:      p.StreamVersion,
		OccurredOn:         occurredOn.UTC(),
	})
}
