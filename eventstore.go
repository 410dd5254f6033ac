// Package eventstore provides a light-weight append-only event store
// that uses sqlite or postgres (through gorm) as a backing storage.
// Apart from the event store, mechanisms for working with aggregate roots,
// relaying events through an outbox and delivering them to subscribers
// are provided in the sub packages
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	uuid2 "github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EncodedEvt represents encoded event used by a specific encoder implementation
type EncodedEvt struct {
	Data          string
	Type          string
	SchemaVersion int
}

// Encoder is used by the event store in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(any) (*EncodedEvt, error)
	Decode(*EncodedEvt) (any, error)
}

const (
	// InitialStreamVersion can be used as an initial expectedVer for
	// new streams (as an argument to AppendStream)
	InitialStreamVersion int = 0

	sequenceRowID = 1

	defaultReadBatchSize = 500
)

// New construct new event store
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	cfg := Cfg{
		ReadBatchSize: defaultReadBatchSize,
		Logger:        slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	if cfg.ReadBatchSize < 1 {
		return nil, fmt.Errorf("read batch size should be at least 1")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	}

	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if cfg.SQLitePath == ":memory:" {
		// every new connection would see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, storageErr("open database", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&gormEvent{}, &gormSequence{}, &gormSnapshot{}); err != nil {
		return nil, storageErr("migrate", err)
	}

	err = db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormSequence{ID: sequenceRowID}).Error
	if err != nil {
		return nil, storageErr("init sequence", err)
	}

	return &EventStore{
		db:        db,
		enc:       enc,
		batchSize: cfg.ReadBatchSize,
		logger:    cfg.Logger,
	}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}

	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// Cfg represents event store configuration
type Cfg struct {
	PostgresDSN   string
	SQLitePath    string
	ReadBatchSize int
	Logger        *slog.Logger
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event store option that can be used to configure
// the eventstore to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event store option that can be used to configure
// the eventstore to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithReadBatchSize sets the page size used by the lazy readers
func WithReadBatchSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.ReadBatchSize = n

		return cfg
	}
}

// WithLogger sets the logger used by the event store
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// EventStore represents a gorm backed event store implementation
type EventStore struct {
	db        *gorm.DB
	enc       Encoder
	batchSize int
	logger    *slog.Logger
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (es *EventStore) Close() error {
	sqlDB, err := es.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	ID                 string `gorm:"unique"`
	Sequence           uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type               string `gorm:"index"`
	Data               string
	SchemaVersion      int
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string `gorm:"index:idx_optimistic_check,unique;index"`
	StreamType         string `gorm:"index"`
	StreamVersion      int    `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn         time.Time
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

// gormSequence is the single row global sequence counter. Allocating from it
// inside the append transaction keeps global sequences gap free and makes
// them visible in commit order
type gormSequence struct {
	ID    int `gorm:"primaryKey;autoIncrement:false"`
	Value uint64
}

// TableName returns gorm table name
func (gs *gormSequence) TableName() string { return "event_sequence" }

// AppendStreamConfig (configure using AppendStreamOpt)
type AppendStreamConfig struct {
	streamType string
}

// StreamType returns the configured stream type
func (c AppendStreamConfig) StreamType() string { return c.streamType }

// AppendStreamOpt represents append stream option
type AppendStreamOpt func(AppendStreamConfig) AppendStreamConfig

// WithStreamType sets the stream (aggregate) type of appended events,
// which is used for topic routing
func WithStreamType(t string) AppendStreamOpt {
	return func(cfg AppendStreamConfig) AppendStreamConfig {
		cfg.streamType = t

		return cfg
	}
}

// AppendStream will encode provided event slice and try to append them to
// an indicated stream. If the stream does not exist it will be created.
// expectedVer should be InitialStreamVersion for new streams and the latest
// stream version for existing streams, otherwise a *ConcurrencyError
// (ErrConcurrencyCheckFailed) will be returned.
// Events are appended within the transaction carried by ctx (see Begin) or
// within a transaction of their own.
// The returned events have Sequence, StreamVersion and OccurredOn assigned.
// Global sequences come from a single counter row, so appends to different
// streams serialize on it until their transactions end
func (es *EventStore) AppendStream(
	ctx context.Context,
	stream string,
	expectedVer int,
	events []EventToStore,
	opts ...AppendStreamOpt) ([]StoredEvent, error) {

	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	if expectedVer < InitialStreamVersion {
		return nil, fmt.Errorf("expected version cannot be less than 0")
	}

	if len(events) == 0 {
		return nil, nil
	}

	var cfg AppendStreamConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	eventsToSave := make([]gormEvent, len(events))

	for i, evt := range events {
		encoded, err := es.enc.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		event := gormEvent{
			ID:            evt.ID,
			Type:          encoded.Type,
			Data:          encoded.Data,
			SchemaVersion: encoded.SchemaVersion,
			StreamID:      stream,
			StreamType:    cfg.streamType,
			StreamVersion: expectedVer + i + 1,
			OccurredOn:    now,
		}

		if evt.CorrelationEventID != "" {
			event.CorrelationEventID = &evt.CorrelationEventID
		}

		if evt.CausationEventID != "" {
			event.CausationEventID = &evt.CausationEventID
		}

		if len(evt.Meta) > 0 {
			m, err := json.Marshal(evt.Meta)
			if err != nil {
				return nil, err
			}

			ms := string(m)

			event.Meta = &ms
		}

		if event.ID == "" {
			uuid, err := uuid2.NewV7()
			if err != nil {
				return nil, err
			}

			event.ID = uuid.String()
		}

		eventsToSave[i] = event
	}

	err := es.Transaction(ctx, func(ctx context.Context) error {
		tx := es.Conn(ctx)

		first, err := es.allocateSequences(tx, len(eventsToSave))
		if err != nil {
			return err
		}

		var current int

		err = tx.Model(&gormEvent{}).
			Where("stream_id = ?", stream).
			Select("COALESCE(MAX(stream_version), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}

		if current != expectedVer {
			return &ConcurrencyError{Stream: stream, Expected: expectedVer, Actual: current}
		}

		for i := range eventsToSave {
			eventsToSave[i].Sequence = first + uint64(i)
		}

		if err := tx.Create(&eventsToSave).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConcurrencyError{Stream: stream, Expected: expectedVer, Actual: -1}
			}

			return err
		}

		return nil
	})
	if err != nil {
		var ce *ConcurrencyError
		if errors.As(err, &ce) {
			return nil, err
		}

		return nil, storageErr("append stream", err)
	}

	es.logger.DebugContext(ctx, "events appended",
		"stream", stream,
		"count", len(eventsToSave),
		"version", expectedVer+len(eventsToSave),
	)

	out := make([]StoredEvent, len(eventsToSave))

	for i, row := range eventsToSave {
		out[i] = toStoredEvent(row, events[i].Event, events[i].Meta)
	}

	return out, nil
}

func (es *EventStore) allocateSequences(tx *gorm.DB, n int) (uint64, error) {
	err := tx.Model(&gormSequence{}).
		Where("id = ?", sequenceRowID).
		UpdateColumn("value", gorm.Expr("value + ?", n)).Error
	if err != nil {
		return 0, err
	}

	var seq gormSequence

	if err := tx.Where("id = ?", sequenceRowID).Take(&seq).Error; err != nil {
		return 0, err
	}

	return seq.Value - uint64(n) + 1, nil
}

// Read lazily reads the events of a stream with a version greater than fromVersion,
// in ascending version order. Events are fetched in pages; ranging over the
// returned sequence again re-reads the stream from fromVersion.
// Iteration stops at the first error
func (es *EventStore) Read(ctx context.Context, stream string, fromVersion int) iter.Seq2[StoredEvent, error] {
	return func(yield func(StoredEvent, error) bool) {
		if len(stream) == 0 {
			yield(StoredEvent{}, fmt.Errorf("stream name must be provided"))

			return
		}

		next := fromVersion

		for {
			var rows []gormEvent

			if err := es.Conn(ctx).
				Where("stream_id = ? AND stream_version > ?", stream, next).
				Order("stream_version asc").
				Limit(es.batchSize).
				Find(&rows).Error; err != nil {

				yield(StoredEvent{}, storageErr("read stream", err))

				return
			}

			for _, row := range rows {
				evt, err := es.decodeEvent(row)
				if !yield(evt, err) || err != nil {
					return
				}

				next = row.StreamVersion
			}

			if len(rows) < es.batchSize {
				return
			}
		}
	}
}

// ReadStream will read all events associated with provided stream
// If there are no events stored for a given stream ErrStreamNotFound will be returned
func (es *EventStore) ReadStream(ctx context.Context, stream string) ([]StoredEvent, error) {
	events, err := Collect(es.Read(ctx, stream, InitialStreamVersion))
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, ErrStreamNotFound
	}

	return events, nil
}

// ReadAllFrom lazily reads events of all streams in global sequence order,
// starting with (and including) fromSequence. At most limit events are
// produced, limit < 1 means no limit
func (es *EventStore) ReadAllFrom(ctx context.Context, fromSequence uint64, limit int) iter.Seq2[StoredEvent, error] {
	return func(yield func(StoredEvent, error) bool) {
		next := fromSequence
		remaining := limit

		for {
			size := es.batchSize

			if limit > 0 && remaining < size {
				size = remaining
			}

			var rows []gormEvent

			if err := es.Conn(ctx).
				Where("sequence >= ?", next).
				Order("sequence asc").
				Limit(size).
				Find(&rows).Error; err != nil {

				yield(StoredEvent{}, storageErr("read all", err))

				return
			}

			for _, row := range rows {
				evt, err := es.decodeEvent(row)
				if !yield(evt, err) || err != nil {
					return
				}

				next = row.Sequence + 1
			}

			if limit > 0 {
				remaining -= len(rows)

				if remaining <= 0 {
					return
				}
			}

			if len(rows) < size {
				return
			}
		}
	}
}

// LastSequence returns the global sequence of the most recently appended event
func (es *EventStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq gormSequence

	if err := es.Conn(ctx).Where("id = ?", sequenceRowID).Take(&seq).Error; err != nil {
		return 0, storageErr("last sequence", err)
	}

	return seq.Value, nil
}

// Collect drains a lazy event sequence into a slice
func Collect(seq iter.Seq2[StoredEvent, error]) ([]StoredEvent, error) {
	var out []StoredEvent

	for evt, err := range seq {
		if err != nil {
			return nil, err
		}

		out = append(out, evt)
	}

	return out, nil
}

// decodeEvent leaves Event nil for unregistered types, the payload is still
// available as Data
func (es *EventStore) decodeEvent(evt gormEvent) (StoredEvent, error) {
	data, err := es.enc.Decode(&EncodedEvt{
		Data:          evt.Data,
		Type:          evt.Type,
		SchemaVersion: evt.SchemaVersion,
	})
	if err != nil && !errors.Is(err, ErrEventNotRegistered) {
		return StoredEvent{}, fmt.Errorf("decode event %s: %w", evt.ID, err)
	}

	var meta map[string]string

	if evt.Meta != nil {
		err = json.Unmarshal([]byte(*evt.Meta), &meta)
		if err != nil {
			return StoredEvent{}, fmt.Errorf("decode event %s meta: %w", evt.ID, err)
		}
	}

	return toStoredEvent(evt, data, meta), nil
}

func toStoredEvent(evt gormEvent, data any, meta map[string]string) StoredEvent {
	return StoredEvent{
		Event:              data,
		Data:               evt.Data,
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
		OccurredOn:         evt.OccurredOn,
	}
}
