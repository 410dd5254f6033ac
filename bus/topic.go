package bus

import (
	"fmt"
	"strings"

	eventstore "github.com/aneshas/eventcore"
)

// Wildcard matches any stream or event type
const Wildcard = "*"

// All matches every event
var All = Topic{StreamType: Wildcard, EventType: Wildcard}

// Topic selects the events delivered to a subscriber. Both fields are patterns:
// "*" matches anything, a trailing ".*" (eg. "billing.*") matches everything
// starting with the prefix and the dot, anything else has to match exactly
type Topic struct {
	StreamType string
	EventType  string
}

// ForStream matches all events of a stream (aggregate) type
func ForStream(streamType string) Topic {
	return Topic{StreamType: streamType, EventType: Wildcard}
}

// ForEvent matches an event type of any stream type
func ForEvent(eventType string) Topic {
	return Topic{StreamType: Wildcard, EventType: eventType}
}

func (t Topic) String() string {
	return t.StreamType + "/" + t.EventType
}

// Validate reports malformed patterns
func (t Topic) Validate() error {
	if err := validatePattern(t.StreamType); err != nil {
		return fmt.Errorf("invalid topic %s: stream type: %w", t, err)
	}

	if err := validatePattern(t.EventType); err != nil {
		return fmt.Errorf("invalid topic %s: event type: %w", t, err)
	}

	return nil
}

// Match reports whether the event belongs to the topic
func (t Topic) Match(evt eventstore.StoredEvent) bool {
	return matchPattern(t.StreamType, evt.StreamType) && matchPattern(t.EventType, evt.Type)
}

func validatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("empty pattern, use %q to match anything", Wildcard)
	}

	if p == Wildcard {
		return nil
	}

	prefix, isPrefix := strings.CutSuffix(p, ".*")
	if isPrefix && prefix == "" {
		return fmt.Errorf("pattern %q has an empty prefix", p)
	}

	if strings.Contains(prefix, Wildcard) {
		return fmt.Errorf("pattern %q: wildcard is only allowed as the whole pattern or a trailing .*", p)
	}

	return nil
}

func matchPattern(p, v string) bool {
	if p == Wildcard {
		return true
	}

	if prefix, ok := strings.CutSuffix(p, "*"); ok {
		return strings.HasPrefix(v, prefix)
	}

	return p == v
}
