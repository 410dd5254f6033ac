package bus

import (
	"context"
	"log/slog"

	eventstore "github.com/aneshas/eventcore"
)

// WithLogging logs every event a subscriber handles at debug level and
// handler failures at error level
func WithLogging(logger *slog.Logger) Middleware {
	return func(subscriberID string, next Handler) Handler {
		return func(ctx context.Context, evt eventstore.StoredEvent) error {
			l := logger.With(
				"subscriber", subscriberID,
				"event_id", evt.ID,
				"event_type", evt.Type,
				"stream_id", evt.StreamID,
				"stream_version", evt.StreamVersion,
				"sequence", evt.Sequence,
			)

			if evt.CausationEventID != nil {
				l = l.With("causation", *evt.CausationEventID)
			}

			l.DebugContext(ctx, "event processing started")

			err := next(ctx, evt)
			if err != nil {
				l.ErrorContext(ctx, "error processing event", "error", err)

				return err
			}

			l.DebugContext(ctx, "event processed successfully")

			return nil
		}
	}
}
