package kafkabus

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message headers
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderSequence      = "sequence"
	HeaderStreamID      = "stream_id"
	HeaderStreamType    = "stream_type"
	HeaderStreamVersion = "stream_version"
	HeaderSchemaVersion = "schema_version"
	HeaderOccurredOn    = "occurred_on"
	HeaderCausationID   = "causation_id"
	HeaderCorrelationID = "correlation_id"
	HeaderMeta          = "meta"
)

// HeaderValue returns the value of the first header with the key
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

// SplitBrokers splits a comma separated broker list
func SplitBrokers(raw string) []string {
	var brokers []string

	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}

	return brokers
}

// InjectTraceHeaders appends W3C trace context headers to Kafka headers
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := headerCarrier{headers: &headers}

	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return headers
}

// ExtractTraceContext returns a context carrying the trace context of the message
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	headers := msg.Headers

	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &headers})
}

type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	return HeaderValue(*c.headers, key)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))

	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}

	return keys
}

func (c headerCarrier) Set(key string, value string) {
	for i := range *c.headers {
		if (*c.headers)[i].Key == key {
			(*c.headers)[i].Value = []byte(value)

			return
		}
	}

	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = headerCarrier{}
