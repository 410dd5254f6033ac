// Package kafkabus carries stored events over Kafka. The Publisher is an outbox
// relay publisher, the Consumer feeds the events of a topic into a local bus.
//
// The bus expects events in global sequence order, which Kafka only keeps within a
// partition. Events meant for a Consumer go to a single topic with a single partition
package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the topic events are written to unless configured otherwise
const DefaultTopic = "events"

// Writer writes messages, implemented by *kafka.Writer
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherCfg represents publisher configuration
type PublisherCfg struct {
	Topic                string
	TopicPerStreamType   bool
	Writer               Writer
	Logger               *slog.Logger
	BatchTimeout         time.Duration
	WriteTimeout         time.Duration
	AllowAutoTopicCreate bool
}

// PublisherOption represents publisher configuration option
type PublisherOption func(PublisherCfg) PublisherCfg

// WithTopic sets the topic events are written to
func WithTopic(topic string) PublisherOption {
	return func(cfg PublisherCfg) PublisherCfg {
		cfg.Topic = topic

		return cfg
	}
}

// WithTopicPerStreamType writes events to a topic named after their stream type,
// events without one go to the configured topic. Consumers of these topics do not
// see a global order
func WithTopicPerStreamType() PublisherOption {
	return func(cfg PublisherCfg) PublisherCfg {
		cfg.TopicPerStreamType = true

		return cfg
	}
}

// WithWriter replaces the kafka writer
func WithWriter(w Writer) PublisherOption {
	return func(cfg PublisherCfg) PublisherCfg {
		cfg.Writer = w

		return cfg
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(cfg PublisherCfg) PublisherCfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// WithAutoTopicCreation lets the writer create missing topics
func WithAutoTopicCreation() PublisherOption {
	return func(cfg PublisherCfg) PublisherCfg {
		cfg.AllowAutoTopicCreate = true

		return cfg
	}
}

// NewPublisher constructs a publisher writing to the brokers
func NewPublisher(brokers []string, opts ...PublisherOption) (*Publisher, error) {
	cfg := PublisherCfg{
		Topic:        DefaultTopic,
		Logger:       slog.Default(),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}

	if cfg.Writer == nil {
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers not configured")
		}

		cfg.Writer = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			AllowAutoTopicCreation: cfg.AllowAutoTopicCreate,
		}
	}

	return &Publisher{cfg: cfg, w: cfg.Writer, logger: cfg.Logger}, nil
}

// Publisher writes stored events to Kafka, keyed by stream id
type Publisher struct {
	cfg    PublisherCfg
	w      Writer
	logger *slog.Logger
}

// Publish writes the events and returns once the brokers acknowledged all of them
func (p *Publisher) Publish(ctx context.Context, events ...eventstore.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(events))

	for i, evt := range events {
		msg, err := p.Message(ctx, evt)
		if err != nil {
			return err
		}

		msgs[i] = msg
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to kafka: %w", len(msgs), err)
	}

	p.logger.DebugContext(ctx, "events written to kafka",
		"count", len(msgs),
		"from_sequence", events[0].Sequence,
		"to_sequence", events[len(events)-1].Sequence,
	)

	return nil
}

// Message maps a stored event to a kafka message
func (p *Publisher) Message(ctx context.Context, evt eventstore.StoredEvent) (kafka.Message, error) {
	topic := p.cfg.Topic

	if p.cfg.TopicPerStreamType && evt.StreamType != "" {
		topic = evt.StreamType
	}

	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(evt.ID)},
		{Key: HeaderEventType, Value: []byte(evt.Type)},
		{Key: HeaderSequence, Value: []byte(strconv.FormatUint(evt.Sequence, 10))},
		{Key: HeaderStreamID, Value: []byte(evt.StreamID)},
		{Key: HeaderStreamType, Value: []byte(evt.StreamType)},
		{Key: HeaderStreamVersion, Value: []byte(strconv.Itoa(evt.StreamVersion))},
		{Key: HeaderSchemaVersion, Value: []byte(strconv.Itoa(evt.SchemaVersion))},
		{Key: HeaderOccurredOn, Value: []byte(evt.OccurredOn.UTC().Format(time.RFC3339Nano))},
	}

	if evt.CausationEventID != nil {
		headers = append(headers, kafka.Header{Key: HeaderCausationID, Value: []byte(*evt.CausationEventID)})
	}

	if evt.CorrelationEventID != nil {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(*evt.CorrelationEventID)})
	}

	if len(evt.Meta) > 0 {
		meta, err := json.Marshal(evt.Meta)
		if err != nil {
			return kafka.Message{}, fmt.Errorf("marshal meta of event %s: %w", evt.ID, err)
		}

		headers = append(headers, kafka.Header{Key: HeaderMeta, Value: meta})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(evt.StreamID),
		Value:   []byte(evt.Data),
		Headers: InjectTraceHeaders(ctx, headers),
		Time:    evt.OccurredOn,
	}, nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.w.Close()
}
