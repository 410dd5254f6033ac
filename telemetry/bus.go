package telemetry

import (
	"context"
	"fmt"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BusMiddleware traces subscriber handlers. The handler span continues the
// trace found in the event metadata
func BusMiddleware() bus.Middleware {
	return func(subscriberID string, next bus.Handler) bus.Handler {
		return func(ctx context.Context, evt eventstore.StoredEvent) error {
			attrs := []attribute.KeyValue{
				AttrSubscriberID.String(subscriberID),
				AttrEventType.String(evt.Type),
				AttrEventID.String(evt.ID),
				AttrEventGlobalPos.Int64(int64(evt.Sequence)),
				AttrStreamID.String(evt.StreamID),
				AttrStreamVersion.Int(evt.StreamVersion),
			}

			ctx, span := tracer.Start(ExtractMeta(ctx, evt.Meta), fmt.Sprintf("events.handle %s", evt.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			mattrs := metric.WithAttributes(
				AttrSubscriberID.String(subscriberID),
				AttrEventType.String(evt.Type),
			)

			start := time.Now()
			err := next(ctx, evt)

			EventBusDuration.Record(ctx, float64(time.Since(start).Milliseconds()), mattrs)

			if err != nil {
				EventBusErrors.Add(ctx, 1, mattrs)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())

				return err
			}

			EventBusHandled.Add(ctx, 1, mattrs)
			span.SetStatus(codes.Ok, "")

			return nil
		}
	}
}

// Publisher is an outbox relay publisher
type Publisher interface {
	Publish(ctx context.Context, events ...eventstore.StoredEvent) error
}

// NewPublisher wraps a relay publisher with tracing and metrics
func NewPublisher(name string, next Publisher) Publisher {
	return &publisher{name: name, next: next}
}

type publisher struct {
	name string
	next Publisher
}

func (p *publisher) Publish(ctx context.Context, events ...eventstore.StoredEvent) error {
	if len(events) == 0 {
		return p.next.Publish(ctx, events...)
	}

	ctx, span := tracer.Start(ctx, "relay.publish "+p.name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrEventCount.Int(len(events)),
			AttrEventGlobalPos.Int64(int64(events[0].Sequence)),
		),
	)
	defer span.End()

	mattrs := metric.WithAttributes(attribute.String("publisher", p.name))

	if err := p.next.Publish(ctx, events...); err != nil {
		PublishErrors.Add(ctx, 1, mattrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	EventsPublished.Add(ctx, int64(len(events)), mattrs)
	span.SetStatus(codes.Ok, "")

	return nil
}
