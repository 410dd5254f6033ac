package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reader fetches and commits messages, implemented by *kafka.Reader
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Decoder decodes event payloads
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (any, error)
}

// Target receives consumed events, implemented by *bus.Bus
type Target interface {
	Publish(ctx context.Context, events ...eventstore.StoredEvent) error
}

// NewReader constructs a consumer group reader for a topic
func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// ConsumerOption represents consumer configuration option
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryBackoff bounds the backoff between failed deliveries to the target
func WithRetryBackoff(initial, maxInterval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.initial = initial
		c.maxInterval = maxInterval
	}
}

// NewConsumer constructs a consumer handing the messages of r to target
func NewConsumer(r Reader, dec Decoder, target Target, opts ...ConsumerOption) *Consumer {
	c := Consumer{
		reader:      r,
		dec:         dec,
		target:      target,
		logger:      slog.Default(),
		initial:     100 * time.Millisecond,
		maxInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return &c
}

// Consumer feeds kafka messages into a target. A message is committed once the
// target accepted it, messages that cannot be decoded are logged and committed
type Consumer struct {
	reader      Reader
	dec         Decoder
	target      Target
	logger      *slog.Logger
	initial     time.Duration
	maxInterval time.Duration
}

// Run consumes until ctx is done
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		_ = c.reader.Close()
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			c.logger.Error("kafka fetch error", "err", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.maxInterval):
			}

			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ctxMsg := ExtractTraceContext(ctx, msg)

	ctxSpan, span := otel.Tracer("kafkabus").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	evt, err := Decode(msg, c.dec)
	if err != nil {
		c.logger.ErrorContext(ctxSpan, "kafka message dropped",
			"err", err,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		span.RecordError(err)

		return c.commit(ctx, msg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.maxInterval
	bo.MaxElapsedTime = 0

	err = backoff.RetryNotify(
		func() error {
			return c.target.Publish(ctxSpan, evt)
		},
		backoff.WithContext(bo, ctx),
		func(err error, d time.Duration) {
			c.logger.WarnContext(ctxSpan, "publish consumed event failed, retrying",
				"err", err,
				"sequence", evt.Sequence,
				"retry_in", d,
			)
		},
	)
	if err != nil {
		span.RecordError(err)

		return err
	}

	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
	}

	return nil
}

// Decode maps a message written by the Publisher back to a stored event. Event is
// nil when the decoder does not know the event type
func Decode(msg kafka.Message, dec Decoder) (eventstore.StoredEvent, error) {
	h := func(key string) string { return HeaderValue(msg.Headers, key) }

	evt := eventstore.StoredEvent{
		ID:         h(HeaderEventID),
		Type:       h(HeaderEventType),
		StreamID:   h(HeaderStreamID),
		StreamType: h(HeaderStreamType),
		Data:       string(msg.Value),
	}

	if evt.ID == "" || evt.Type == "" {
		return eventstore.StoredEvent{}, fmt.Errorf("message at offset %d has no event headers", msg.Offset)
	}

	if evt.StreamID == "" {
		evt.StreamID = string(msg.Key)
	}

	var err error

	evt.Sequence, err = strconv.ParseUint(h(HeaderSequence), 10, 64)
	if err != nil {
		return eventstore.StoredEvent{}, fmt.Errorf("event %s: sequence: %w", evt.ID, err)
	}

	evt.StreamVersion, err = strconv.Atoi(h(HeaderStreamVersion))
	if err != nil {
		return eventstore.StoredEvent{}, fmt.Errorf("event %s: stream version: %w", evt.ID, err)
	}

	evt.SchemaVersion = 1

	if v := h(HeaderSchemaVersion); v != "" {
		evt.SchemaVersion, err = strconv.Atoi(v)
		if err != nil {
			return eventstore.StoredEvent{}, fmt.Errorf("event %s: schema version: %w", evt.ID, err)
		}
	}

	if v := h(HeaderOccurredOn); v != "" {
		evt.OccurredOn, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return eventstore.StoredEvent{}, fmt.Errorf("event %s: occurred on: %w", evt.ID, err)
		}
	}

	if v := h(HeaderCausationID); v != "" {
		evt.CausationEventID = &v
	}

	if v := h(HeaderCorrelationID); v != "" {
		evt.CorrelationEventID = &v
	}

	if v := h(HeaderMeta); v != "" {
		if err := json.Unmarshal([]byte(v), &evt.Meta); err != nil {
			return eventstore.StoredEvent{}, fmt.Errorf("event %s: meta: %w", evt.ID, err)
		}
	}

	evt.Event, err = dec.Decode(&eventstore.EncodedEvt{
		Data:          evt.Data,
		Type:          evt.Type,
		SchemaVersion: evt.SchemaVersion,
	})
	if err != nil && !errors.Is(err, eventstore.ErrEventNotRegistered) {
		return eventstore.StoredEvent{}, fmt.Errorf("event %s: %w", evt.ID, err)
	}

	return evt, nil
}
