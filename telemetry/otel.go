// Package telemetry instruments the event store, the relay publisher and bus
// subscribers with OpenTelemetry traces and metrics. Trace context travels with
// the events in their metadata, so subscriber spans continue the trace of the
// command that appended the event
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

const instrumentationName = "github.com/aneshas/eventcore"

// Semantic attribute keys
const (
	AttrStreamID      = attribute.Key("eventcore.stream.id")
	AttrStreamType    = attribute.Key("eventcore.stream.type")
	AttrStreamVersion = attribute.Key("eventcore.stream.version")

	AttrEventType      = attribute.Key("eventcore.event.type")
	AttrEventID        = attribute.Key("eventcore.event.id")
	AttrEventCount     = attribute.Key("eventcore.events.count")
	AttrEventGlobalPos = attribute.Key("eventcore.event.global_position")

	AttrSubscriberID = attribute.Key("eventcore.subscriber.id")
	AttrOperation    = attribute.Key("eventcore.operation")
)

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	EventsAppended, _ = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventcore.events.loaded",
		metric.WithDescription("Number of events read from the store"),
		metric.WithUnit("{event}"),
	)

	EventsPublished, _ = meter.Int64Counter(
		"eventcore.events.published",
		metric.WithDescription("Number of events handed to a publisher by the relay"),
		metric.WithUnit("{event}"),
	)

	PublishErrors, _ = meter.Int64Counter(
		"eventcore.publish.errors",
		metric.WithDescription("Number of failed publish attempts"),
		metric.WithUnit("{error}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventcore.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventcore.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventcore.concurrency.conflicts",
		metric.WithDescription("Number of optimistic concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"eventcore.eventbus.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"eventcore.eventbus.errors",
		metric.WithDescription("Number of subscriber handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"eventcore.eventbus.duration",
		metric.WithDescription("Subscriber handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
)

// InjectMeta returns a copy of meta carrying the trace context of ctx
func InjectMeta(ctx context.Context, meta map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}

	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if len(carrier) == 0 {
		return meta
	}

	out := make(map[string]string, len(meta)+len(carrier))

	for k, v := range meta {
		out[k] = v
	}

	for k, v := range carrier {
		out[k] = v
	}

	return out
}

// ExtractMeta returns a context carrying the trace context stored in event metadata
func ExtractMeta(ctx context.Context, meta map[string]string) context.Context {
	if len(meta) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(meta))
}
