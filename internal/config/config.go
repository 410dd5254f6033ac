// Package config loads the eventrelay process configuration from the environment
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the eventrelay process configuration
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventrelay"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"eventcore.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	Relay Relay
	Bus   Bus

	KafkaBrokers          []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic            string   `env:"KAFKA_TOPIC" envDefault:"events"`
	KafkaGroupID          string   `env:"KAFKA_GROUP_ID"`
	KafkaTopicPerStream   bool     `env:"KAFKA_TOPIC_PER_STREAM_TYPE"`
	KafkaAutoCreateTopics bool     `env:"KAFKA_AUTO_CREATE_TOPICS"`

	RedisAddr string `env:"REDIS_ADDR"`

	AmbarPath string `env:"AMBAR_PATH"`

	OTel OTel
}

// Relay configures the outbox relay
type Relay struct {
	BatchSize    int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	PollInterval time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"200ms"`
	MaxAttempts  int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"5"`
}

// Bus configures the in-process event bus
type Bus struct {
	QueueSize   int           `env:"BUS_QUEUE_SIZE" envDefault:"256"`
	MaxAttempts int           `env:"BUS_MAX_ATTEMPTS" envDefault:"5"`
	RetryMax    time.Duration `env:"BUS_RETRY_MAX" envDefault:"5s"`
}

// OTel configures trace export
type OTel struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	SampleRatio float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"1"`
}

// Load parses the environment into Config
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks option combinations env tags cannot express
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s driver", DriverSQLite)
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	if c.Relay.BatchSize <= 0 || c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("relay batch size and max attempts must be positive")
	}

	if c.Bus.QueueSize <= 0 || c.Bus.MaxAttempts <= 0 {
		return fmt.Errorf("bus queue size and max attempts must be positive")
	}

	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATIO must be within [0, 1]")
	}

	return nil
}

// Kafka reports whether a Kafka transport is configured
func (c Config) Kafka() bool { return len(c.KafkaBrokers) > 0 }
