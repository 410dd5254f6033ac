package telemetry

import (
	"context"
	"errors"
	"iter"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventStore is the instrumented part of the event store, implemented by *eventstore.EventStore
type EventStore interface {
	AppendStream(ctx context.Context, stream string, expectedVer int, events []eventstore.EventToStore, opts ...eventstore.AppendStreamOpt) ([]eventstore.StoredEvent, error)
	Read(ctx context.Context, stream string, fromVersion int) iter.Seq2[eventstore.StoredEvent, error]
	ReadAllFrom(ctx context.Context, fromSequence uint64, limit int) iter.Seq2[eventstore.StoredEvent, error]
	Begin(ctx context.Context) (context.Context, eventstore.Tx, error)
	SaveSnapshot(ctx context.Context, s eventstore.Snapshot) error
	LoadSnapshot(ctx context.Context, stream string) (*eventstore.Snapshot, error)
}

var _ EventStore = (*Store)(nil)

// NewStore wraps an event store with tracing and metrics. Appended events carry
// the trace context of the append in their metadata
func NewStore(next EventStore) *Store {
	return &Store{next: next}
}

// Store is an instrumented event store
type Store struct {
	next EventStore
}

// AppendStream traces and meters the append
func (s *Store) AppendStream(ctx context.Context, stream string, expectedVer int, events []eventstore.EventToStore, opts ...eventstore.AppendStreamOpt) ([]eventstore.StoredEvent, error) {
	ctx, span := tracer.Start(ctx, "EventStore.AppendStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("append"),
			AttrStreamID.String(stream),
			AttrStreamVersion.Int(expectedVer),
			AttrEventCount.Int(len(events)),
		),
	)
	defer span.End()

	traced := make([]eventstore.EventToStore, len(events))

	for i, evt := range events {
		evt.Meta = InjectMeta(ctx, evt.Meta)
		traced[i] = evt
	}

	start := time.Now()
	stored, err := s.next.AppendStream(ctx, stream, expectedVer, traced, opts...)

	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")),
	)

	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyCheckFailed) {
			ConcurrencyConflicts.Add(ctx, 1)
			span.AddEvent("concurrency_conflict")
		} else {
			EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append")))
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	if len(stored) > 0 {
		last := stored[len(stored)-1]

		span.SetAttributes(
			AttrStreamType.String(last.StreamType),
			AttrEventGlobalPos.Int64(int64(last.Sequence)),
		)

		EventsAppended.Add(ctx, int64(len(stored)), metric.WithAttributes(AttrStreamType.String(last.StreamType)))
	}

	span.SetStatus(codes.Ok, "")

	return stored, nil
}

// Read traces reading a stream, the span ends when iteration stops
func (s *Store) Read(ctx context.Context, stream string, fromVersion int) iter.Seq2[eventstore.StoredEvent, error] {
	return traced(ctx, "EventStore.Read", func(ctx context.Context) iter.Seq2[eventstore.StoredEvent, error] {
		return s.next.Read(ctx, stream, fromVersion)
	}, AttrStreamID.String(stream), AttrStreamVersion.Int(fromVersion))
}

// ReadAllFrom traces reading the global log, the span ends when iteration stops
func (s *Store) ReadAllFrom(ctx context.Context, fromSequence uint64, limit int) iter.Seq2[eventstore.StoredEvent, error] {
	return traced(ctx, "EventStore.ReadAllFrom", func(ctx context.Context) iter.Seq2[eventstore.StoredEvent, error] {
		return s.next.ReadAllFrom(ctx, fromSequence, limit)
	}, AttrEventGlobalPos.Int64(int64(fromSequence)))
}

// Begin starts a storage transaction
func (s *Store) Begin(ctx context.Context) (context.Context, eventstore.Tx, error) {
	return s.next.Begin(ctx)
}

// SaveSnapshot stores a snapshot
func (s *Store) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	ctx, span := tracer.Start(ctx, "EventStore.SaveSnapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrStreamID.String(snap.StreamID), AttrStreamVersion.Int(snap.Version)),
	)
	defer span.End()

	err := s.next.SaveSnapshot(ctx, snap)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("save_snapshot")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// LoadSnapshot loads the latest snapshot of a stream
func (s *Store) LoadSnapshot(ctx context.Context, stream string) (*eventstore.Snapshot, error) {
	return s.next.LoadSnapshot(ctx, stream)
}

func traced(ctx context.Context, name string, read func(context.Context) iter.Seq2[eventstore.StoredEvent, error], attrs ...attribute.KeyValue) iter.Seq2[eventstore.StoredEvent, error] {
	return func(yield func(eventstore.StoredEvent, error) bool) {
		ctx, span := tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		start := time.Now()

		var count int64

		defer func() {
			span.SetAttributes(AttrEventCount.Int64(count))

			EventsLoaded.Add(ctx, count)
			EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(AttrOperation.String("read")),
			)
		}()

		for evt, err := range read(ctx) {
			if err != nil {
				EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("read")))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				count++
			}

			if !yield(evt, err) {
				return
			}
		}
	}
}
