// Package testutil turns stored events into the requests an Ambar data
// destination receives, so tests can check the round trip through ambar
package testutil

import (
	"encoding/json"
	"testing"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/ambar"
	"github.com/stretchr/testify/require"
)

// occurredOnLayout is how postgres renders timestamptz in the rows Ambar streams
const occurredOnLayout = "2006-01-02T15:04:05.999999-07"

// Deposited is the event the fixtures carry
type Deposited struct {
	AccountID string
	Amount    int
}

// Encoder returns an encoder which knows Deposited
func Encoder() *eventstore.JSONEncoder {
	return eventstore.NewJSONEncoder(Deposited{})
}

// StoredEvent returns evt the way the event store persists it as the first
// event of stream account-1
func StoredEvent(t *testing.T, evt any) eventstore.StoredEvent {
	t.Helper()

	enc, err := eventstore.NewJSONEncoder().Encode(evt)
	require.NoError(t, err)

	return eventstore.StoredEvent{
		Event:         evt,
		Data:          enc.Data,
		ID:            "event-id",
		Sequence:      1,
		Type:          enc.Type,
		SchemaVersion: enc.SchemaVersion,
		StreamID:      "account-1",
		StreamType:    "account",
		StreamVersion: 1,
		OccurredOn:    time.Date(2024, 10, 12, 20, 7, 22, 436271000, time.UTC),
	}
}

// Row is the event table row of evt as streamed by Ambar
func Row(t *testing.T, evt eventstore.StoredEvent) ambar.Payload {
	t.Helper()

	var meta *string

	if evt.Meta != nil {
		data, err := json.Marshal(evt.Meta)
		require.NoError(t, err)

		m := string(data)
		meta = &m
	}

	return ambar.Payload{
		Event:              evt.Data,
		Meta:               meta,
		ID:                 evt.ID,
		Sequence:           evt.Sequence,
		Type:               evt.Type,
		SchemaVersion:      evt.SchemaVersion,
		CausationEventID:   evt.CausationEventID,
		CorrelationEventID: evt.CorrelationEventID,
		StreamID:           evt.StreamID,
		StreamType:         evt.StreamType,
		StreamVersion:      evt.StreamVersion,
		OccurredOn:         evt.OccurredOn.UTC().Format(occurredOnLayout),
	}
}

// Body wraps p into a request body
func Body(t *testing.T, p ambar.Payload) []byte {
	t.Helper()

	data, err := json.Marshal(ambar.Req{Payload: p})
	require.NoError(t, err)

	return data
}
